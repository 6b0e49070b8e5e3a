// Package hub is the authenticated connection registry. It upgrades and
// authenticates websockets, enforces one live connection per user, routes
// client frames to rooms and the matchmaker, and fans pub/sub traffic out
// to local connections.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ban-chess/internal/auth"
	"ban-chess/internal/matchmaking"
	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
	"ban-chess/internal/room"
	"ban-chess/internal/store"
)

const (
	storeTimeout      = 5 * time.Second
	maxGuestHandleLen = 32
)

type Hub struct {
	store      *store.Store
	rooms      *room.Manager
	matchmaker *matchmaking.Matchmaker
	jwt        *auth.JWTService
	origins    map[string]bool
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client // userID -> sole live connection

	subMu sync.Mutex
	subs  map[string]*gameSub // gameID -> fan-out subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// gameSub fans one game channel out to the local connections attached to it.
type gameSub struct {
	members map[string]*Client
	cancel  context.CancelFunc
}

func New(st *store.Store, rooms *room.Manager, mm *matchmaking.Matchmaker, jwtSvc *auth.JWTService, allowedOrigins []string) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimSpace(o)] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:      st,
		rooms:      rooms,
		matchmaker: mm,
		jwt:        jwtSvc,
		origins:    origins,
		clients:    make(map[string]*Client),
		subs:       make(map[string]*gameSub),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run subscribes to the matchmaking channel and forwards addressed notices
// to local connections. Blocks until Shutdown.
func (h *Hub) Run() {
	sub := h.store.Subscribe(h.ctx, store.QueueChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var notice matchmaking.Notice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				log.Printf("[Hub] Bad queue notice: %v", err)
				continue
			}
			h.mu.RLock()
			c := h.clients[notice.UserID]
			h.mu.RUnlock()
			if c != nil {
				c.Send(notice.Frame)
			}
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients carry no Origin; credentials still gate them.
		return true
	}
	return h.origins[origin]
}

// Count reports live connections, for the health endpoint.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket authenticates and upgrades one connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	userID, username, provider, isGuest, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] Upgrade failed for %s: %v", userID, err)
		return
	}

	c := newClient(h, conn, userID, username, provider, isGuest)
	h.register(c)

	go c.writePump()
	go c.readPump()

	c.Send(protocol.Marshal(protocol.AuthenticatedFrame{
		Type:     protocol.ServerAuthenticated,
		UserID:   userID,
		Username: username,
	}))
	h.restoreSession(c)
}

// authenticate resolves handshake credentials: a bearer or query JWT, a
// session cookie resolved through the hot store, or a bare guest handle.
func (h *Hub) authenticate(r *http.Request) (userID, username, provider string, isGuest bool, err error) {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token != "" {
		claims, cerr := h.jwt.ValidateToken(token)
		if cerr != nil {
			return "", "", "", false, cerr
		}
		return claims.UserID, claims.Username, claims.Provider, claims.IsGuest, nil
	}
	if cookie, cerr := r.Cookie("session"); cerr == nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		uid, uname, prov, serr := h.store.LookupSessionToken(ctx, cookie.Value)
		if serr != nil {
			return "", "", "", false, serr
		}
		return uid, uname, prov, prov == "guest", nil
	}
	// Anonymous play: a handle maps to the same user id on every visit, so
	// a reconnecting guest lands back on their own games.
	if handle := strings.TrimSpace(r.URL.Query().Get("guest")); handle != "" {
		if len(handle) > maxGuestHandleLen {
			return "", "", "", false, auth.ErrInvalidToken
		}
		return auth.GuestUserID(handle), handle, "guest", true, nil
	}
	return "", "", "", false, auth.ErrInvalidToken
}

// register installs a client, evicting any previous connection for the same
// user with close(1000, "session takeover").
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	h.mu.Unlock()
	if old != nil {
		log.Printf("[Hub] Session takeover for %s", c.userID)
		old.closeWith(websocket.CloseNormalClosure, "session takeover")
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	sess, err := h.store.GetSession(ctx, c.userID)
	if err != nil {
		sess = models.Session{UserID: c.userID, Username: c.username, Status: models.SessionOnline}
	}
	sess.LastSeen = time.Now().UnixMilli()
	if err := h.store.SetSession(ctx, sess); err != nil {
		log.Printf("[Hub] Failed to write session for %s: %v", c.userID, err)
	}
	log.Printf("[Hub] Client connected: %s (%s)", c.username, c.userID)
}

// unregister runs when a connection's read pump exits. A taken-over
// connection must not clear the successor's session.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current := h.clients[c.userID] == c
	if current {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	h.detachFromGame(c)
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.matchmaker.Leave(ctx, c.userID); err != nil {
		log.Printf("[Hub] Failed to dequeue %s on disconnect: %v", c.userID, err)
	}
	if err := h.store.ClearSession(ctx, c.userID); err != nil {
		log.Printf("[Hub] Failed to clear session for %s: %v", c.userID, err)
	}
	log.Printf("[Hub] Client disconnected: %s (%s)", c.username, c.userID)
}

// restoreSession re-attaches a reconnecting user to their live game or queue
// ticket.
func (h *Hub) restoreSession(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	sess, err := h.store.GetSession(ctx, c.userID)
	if err != nil {
		return
	}
	switch sess.Status {
	case models.SessionQueued:
		pos, err := h.matchmaker.Position(ctx, c.userID)
		if err != nil || pos == 0 {
			return
		}
		c.Send(protocol.Marshal(protocol.QueuedFrame{Type: protocol.ServerQueued, Position: pos}))
	case models.SessionInGame:
		if sess.GameID != "" {
			h.joinGame(c, sess.GameID)
		}
	}
}

// dispatch routes one parsed frame. Runs on the client's read pump.
func (h *Hub) dispatch(c *Client, f *protocol.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := h.store.TouchSession(ctx, c.userID); err != nil {
		log.Printf("[Hub] Failed to touch session for %s: %v", c.userID, err)
	}
	cancel()

	switch f.Type {
	case protocol.ClientPing:
		c.Send(protocol.Marshal(protocol.PongFrame{Type: protocol.ServerPong}))
	case protocol.ClientAuthenticate:
		// Identity came from the handshake; the legacy frame just gets an ack.
		c.Send(protocol.Marshal(protocol.AuthenticatedFrame{
			Type: protocol.ServerAuthenticated, UserID: c.userID, Username: c.username,
		}))
	case protocol.ClientJoinGame:
		h.joinGame(c, f.GameID)
	case protocol.ClientAction:
		h.withRoom(c, f.GameID, func(r *room.Room) {
			if !r.SubmitAction(c.userID, f.Action.Action, time.Now().UnixMilli(), c) {
				c.closeWith(websocket.CloseMessageTooBig, "game inbox overflow")
			}
		})
	case protocol.ClientGiveTime:
		seconds := 0
		if f.Amount != nil {
			seconds = *f.Amount
		}
		h.withRoom(c, f.GameID, func(r *room.Room) { r.GiveTime(c.userID, seconds, c) })
	case protocol.ClientResign:
		h.withRoom(c, f.GameID, func(r *room.Room) { r.Resign(c.userID, c) })
	case protocol.ClientOfferDraw:
		h.withRoom(c, f.GameID, func(r *room.Room) { r.Draw(c.userID, "offer", c) })
	case protocol.ClientAcceptDraw:
		h.withRoom(c, f.GameID, func(r *room.Room) { r.Draw(c.userID, "accept", c) })
	case protocol.ClientDeclineDraw:
		h.withRoom(c, f.GameID, func(r *room.Room) { r.Draw(c.userID, "decline", c) })
	case protocol.ClientJoinQueue:
		h.joinQueue(c, f)
	case protocol.ClientLeaveQueue:
		h.leaveQueue(c)
	case protocol.ClientCreateSoloGame:
		h.createSoloGame(c, f)
	}
}

func (h *Hub) joinGame(c *Client, gameID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	r, err := h.rooms.Adopt(ctx, gameID)
	if err != nil {
		log.Printf("[Hub] Join failed for game %s: %v", gameID, err)
		c.Send(protocol.Marshal(protocol.Errorf("game not found")))
		return
	}
	h.attachToGame(c, gameID)
	if !r.Join(c.userID, c) {
		c.Send(protocol.Marshal(protocol.Errorf("game not found")))
		return
	}
	sess := models.Session{
		UserID: c.userID, Username: c.username,
		Status: models.SessionInGame, GameID: gameID,
		LastSeen: time.Now().UnixMilli(),
	}
	if err := h.store.SetSession(ctx, sess); err != nil {
		log.Printf("[Hub] Failed to update session for %s: %v", c.userID, err)
	}
}

func (h *Hub) withRoom(c *Client, gameID string, fn func(r *room.Room)) {
	r := h.rooms.Get(gameID)
	if r == nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		adopted, err := h.rooms.Adopt(ctx, gameID)
		if err != nil {
			c.Send(protocol.Marshal(protocol.Errorf("game not found")))
			return
		}
		r = adopted
	}
	fn(r)
}

func (h *Hub) joinQueue(c *Client, f *protocol.ClientFrame) {
	tc := f.TimeControl
	if tc == nil && f.Preset != "" {
		if preset, ok := models.TimeControlPreset(f.Preset); ok {
			tc = &preset
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	sess := models.Session{UserID: c.userID, Username: c.username}
	pos, err := h.matchmaker.Join(ctx, sess, tc)
	if err != nil {
		c.Send(protocol.Marshal(protocol.Errorf("failed to join queue")))
		return
	}
	c.Send(protocol.Marshal(protocol.QueuedFrame{Type: protocol.ServerQueued, Position: pos}))
}

func (h *Hub) leaveQueue(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.matchmaker.Leave(ctx, c.userID); err != nil {
		c.Send(protocol.Marshal(protocol.Errorf("failed to leave queue")))
		return
	}
	sess := models.Session{
		UserID: c.userID, Username: c.username,
		Status: models.SessionOnline, LastSeen: time.Now().UnixMilli(),
	}
	if err := h.store.SetSession(ctx, sess); err != nil {
		log.Printf("[Hub] Failed to update session for %s: %v", c.userID, err)
	}
}

func (h *Hub) createSoloGame(c *Client, f *protocol.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	me := models.Session{UserID: c.userID, Username: c.username}
	r, err := h.rooms.CreateGame(ctx, me, me, f.TimeControl, true)
	if err != nil {
		log.Printf("[Hub] Solo game creation failed for %s: %v", c.userID, err)
		c.Send(protocol.Marshal(protocol.ErrorFrame{
			Type: protocol.ServerServerError, Message: "failed to create game",
		}))
		return
	}
	c.Send(protocol.Marshal(protocol.GameCreatedFrame{
		Type: protocol.ServerGameCreated, GameID: r.GameID(),
	}))
	h.joinGame(c, r.GameID())
}

// attachToGame subscribes this process to the game channel on first local
// member and records the client's membership.
func (h *Hub) attachToGame(c *Client, gameID string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if c.gameID == gameID {
		return
	}
	if c.gameID != "" {
		h.detachLocked(c)
	}
	c.gameID = gameID
	sub := h.subs[gameID]
	if sub == nil {
		ctx, cancel := context.WithCancel(h.ctx)
		sub = &gameSub{members: make(map[string]*Client), cancel: cancel}
		h.subs[gameID] = sub
		go h.pumpGameChannel(ctx, gameID)
	}
	sub.members[c.userID] = c
}

func (h *Hub) detachFromGame(c *Client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.detachLocked(c)
}

// detachLocked removes membership and drops the subscription with the last
// local member. Caller holds subMu.
func (h *Hub) detachLocked(c *Client) {
	if c.gameID == "" {
		return
	}
	sub := h.subs[c.gameID]
	if sub != nil && sub.members[c.userID] == c {
		delete(sub.members, c.userID)
		if len(sub.members) == 0 {
			sub.cancel()
			delete(h.subs, c.gameID)
		}
	}
	c.gameID = ""
}

// pumpGameChannel relays one game's published frames to its local members.
func (h *Hub) pumpGameChannel(ctx context.Context, gameID string) {
	sub := h.store.Subscribe(ctx, store.GameChannel(gameID))
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.subMu.Lock()
			gs := h.subs[gameID]
			var members []*Client
			if gs != nil {
				for _, m := range gs.members {
					members = append(members, m)
				}
			}
			h.subMu.Unlock()
			for _, m := range members {
				m.Send([]byte(msg.Payload))
			}
		}
	}
}

// Shutdown closes every connection with 1000 "server shutting down" and
// stops the pub/sub pumps.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.closeWith(websocket.CloseNormalClosure, "server shutting down")
	}
}
