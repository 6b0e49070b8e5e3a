// Package matchmaking pairs queued players strictly first-in first-out.
package matchmaking

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
	"ban-chess/internal/room"
)

const (
	matchInterval = 1 * time.Second
	storeTimeout  = 5 * time.Second
)

// QueueStore is the slice of the hot store the matchmaker uses. The queue
// itself lives in the store so every process sees the same line.
type QueueStore interface {
	Enqueue(ctx context.Context, entry models.QueueEntry) (int, error)
	Dequeue(ctx context.Context, userID string) error
	QueuePosition(ctx context.Context, userID string) (int, error)
	QueueEntries(ctx context.Context) ([]models.QueueEntry, error)
	PopPair(ctx context.Context) (first, second models.QueueEntry, ok bool, err error)
	Publish(ctx context.Context, channel string, payload []byte) error
	SetSession(ctx context.Context, sess models.Session) error
}

// GameCreator starts a game for a matched pair.
type GameCreator interface {
	CreateGame(ctx context.Context, white, black models.Session, tc *models.TimeControl, solo bool) (*room.Room, error)
}

// Notice is the addressed envelope published on the queue channel. Hubs
// forward Frame to their local connection for UserID, if any.
type Notice struct {
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
}

// Matchmaker drains the shared queue into new games. Matching runs on one
// goroutine; pair popping is atomic in the store, so concurrent matchmakers
// never double-match a player.
type Matchmaker struct {
	store   QueueStore
	games   GameCreator
	channel string
	stopCh  chan struct{}
	done    chan struct{}
}

func New(store QueueStore, games GameCreator, channel string) *Matchmaker {
	return &Matchmaker{
		store:   store,
		games:   games,
		channel: channel,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the matching loop.
func (m *Matchmaker) Start() {
	go m.run()
}

// Stop halts matching. Queued players stay in the store.
func (m *Matchmaker) Stop() {
	close(m.stopCh)
	<-m.done
}

func (m *Matchmaker) run() {
	defer close(m.done)
	ticker := time.NewTicker(matchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.matchAll()
		}
	}
}

// Join adds a player to the queue. Joining while already queued is a no-op
// that reports the current position.
func (m *Matchmaker) Join(ctx context.Context, sess models.Session, tc *models.TimeControl) (int, error) {
	entry := models.QueueEntry{
		UserID:      sess.UserID,
		Username:    sess.Username,
		JoinedAt:    time.Now().UnixMilli(),
		TimeControl: tc,
	}
	pos, err := m.store.Enqueue(ctx, entry)
	if err != nil {
		return 0, err
	}
	sess.Status = models.SessionQueued
	sess.LastSeen = time.Now().UnixMilli()
	if err := m.store.SetSession(ctx, sess); err != nil {
		log.Printf("[Matchmaking] Failed to update session for %s: %v", sess.UserID, err)
	}
	return pos, nil
}

// Leave removes a player from the queue. Called both for explicit leave-queue
// and on disconnect.
func (m *Matchmaker) Leave(ctx context.Context, userID string) error {
	return m.store.Dequeue(ctx, userID)
}

// Position reports a player's 1-based place in line, 0 when not queued.
func (m *Matchmaker) Position(ctx context.Context, userID string) (int, error) {
	return m.store.QueuePosition(ctx, userID)
}

func (m *Matchmaker) matchAll() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		first, second, ok, err := m.store.PopPair(ctx)
		cancel()
		if err != nil {
			log.Printf("[Matchmaking] Pair pop failed: %v", err)
			return
		}
		if !ok {
			return
		}
		m.match(first, second)
	}
}

// match creates the game for a popped pair. The earlier joiner plays white.
func (m *Matchmaker) match(first, second models.QueueEntry) {
	tc := first.TimeControl
	if tc == nil {
		tc = second.TimeControl
	}
	if tc == nil {
		d := models.DefaultTimeControl
		tc = &d
	}
	white := models.Session{UserID: first.UserID, Username: first.Username}
	black := models.Session{UserID: second.UserID, Username: second.Username}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	r, err := m.games.CreateGame(ctx, white, black, tc, false)
	if err != nil {
		log.Printf("[Matchmaking] Failed to create game for %s vs %s: %v", first.UserID, second.UserID, err)
		// Put the pair back at the head so they keep their place.
		if _, reErr := m.store.Enqueue(ctx, first); reErr != nil {
			log.Printf("[Matchmaking] Failed to requeue %s: %v", first.UserID, reErr)
		}
		if _, reErr := m.store.Enqueue(ctx, second); reErr != nil {
			log.Printf("[Matchmaking] Failed to requeue %s: %v", second.UserID, reErr)
		}
		return
	}
	log.Printf("[Matchmaking] Matched %s (white) vs %s (black) in game %s", first.UserID, second.UserID, r.GameID())

	m.notify(ctx, first.UserID, protocol.MatchedFrame{
		Type: protocol.ServerMatched, GameID: r.GameID(), Color: models.White,
		Opponent: second.Username, TimeControl: *tc,
	})
	m.notify(ctx, second.UserID, protocol.MatchedFrame{
		Type: protocol.ServerMatched, GameID: r.GameID(), Color: models.Black,
		Opponent: first.Username, TimeControl: *tc,
	})

	for _, sess := range []models.Session{white, black} {
		sess.Status = models.SessionInGame
		sess.GameID = r.GameID()
		sess.LastSeen = time.Now().UnixMilli()
		if err := m.store.SetSession(ctx, sess); err != nil {
			log.Printf("[Matchmaking] Failed to update session for %s: %v", sess.UserID, err)
		}
	}
	m.publishPositions(ctx)
}

// publishPositions tells everyone still in line where they now stand.
func (m *Matchmaker) publishPositions(ctx context.Context) {
	entries, err := m.store.QueueEntries(ctx)
	if err != nil {
		log.Printf("[Matchmaking] Failed to read queue for position updates: %v", err)
		return
	}
	for i, e := range entries {
		m.notify(ctx, e.UserID, protocol.QueuedFrame{
			Type: protocol.ServerQueued, Position: i + 1,
		})
	}
}

func (m *Matchmaker) notify(ctx context.Context, userID string, frame any) {
	payload, err := json.Marshal(Notice{UserID: userID, Frame: protocol.Marshal(frame)})
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, m.channel, payload); err != nil {
		log.Printf("[Matchmaking] Failed to notify %s: %v", userID, err)
	}
}
