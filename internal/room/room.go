// Package room runs one single-writer actor per live game. Every action,
// clock event and join is delivered to the Room's bounded inbox and handled
// one at a time, which is what makes per-game ordering trivial.
package room

import (
	"context"
	"fmt"
	"log"
	"time"

	"ban-chess/internal/archive"
	"ban-chess/internal/clock"
	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
	"ban-chess/internal/rules"
)

const (
	inboxSize = 64

	giveTimeDefaultSec = 15
	giveTimeMinSec     = 1
	giveTimeMaxSec     = 300

	maxDrawOffersPerPlayer = 3

	storeTimeout = 5 * time.Second

	// Half the store's lock TTL, so one missed renewal never drops the lease.
	leaseRenewInterval = 5 * time.Second
)

// Room owns one game. Only the run loop touches its fields after Start.
type Room struct {
	game     *models.Game
	rules    *rules.Game
	clock    *clock.Clock
	store    GameStore
	archiver GameArchiver
	owner    string // lease owner id of this process

	entries     []protocol.HistoryEntry
	drawPending models.PlayerColor // "" when no offer outstanding
	drawOffers  map[models.PlayerColor]int
	timedOut    bool

	inbox      chan message
	done       chan struct{}
	onTerminal func(gameID string)
}

// New builds a Room around an existing game record, replaying its history.
func New(game *models.Game, store GameStore, archiver GameArchiver, owner string, onTerminal func(gameID string)) (*Room, error) {
	rg, err := rules.Replay(game.ActionHistory)
	if err != nil {
		return nil, fmt.Errorf("game %s: %w", game.GameID, err)
	}
	game.FEN = rg.FEN()
	game.MoveCount = rg.MoveCount()
	r := &Room{
		game:       game,
		rules:      rg,
		store:      store,
		archiver:   archiver,
		owner:      owner,
		entries:    rebuildEntries(game.ActionHistory),
		drawOffers: make(map[models.PlayerColor]int),
		inbox:      make(chan message, inboxSize),
		done:       make(chan struct{}),
		onTerminal: onTerminal,
	}
	if game.TimeControl != nil && !game.Over {
		if game.Clocks != nil {
			snap := *game.Clocks
			// Wall time kept running while no process owned the game.
			if elapsed := time.Now().UnixMilli() - snap.White.LastUpdate; elapsed > 0 && snap.Running != "" {
				if snap.Running == models.White {
					snap.White.RemainingMs -= elapsed
				} else {
					snap.Black.RemainingMs -= elapsed
				}
			}
			if snap.White.RemainingMs < 0 {
				snap.White.RemainingMs = 0
			}
			if snap.Black.RemainingMs < 0 {
				snap.Black.RemainingMs = 0
			}
			r.clock = clock.Restore(*game.TimeControl, snap, r.postTimeout, r.postTick)
		} else {
			r.clock = clock.New(*game.TimeControl, r.postTimeout, r.postTick)
		}
		actor, _ := rg.NextActor()
		r.clock.Start(actor)
	}
	return r, nil
}

// Start launches the actor loop.
func (r *Room) Start() {
	go r.run()
}

// GameID returns the owned game's id.
func (r *Room) GameID() string { return r.game.GameID }

// Channel returns the pub/sub channel this room publishes on.
func (r *Room) Channel() string { return "channel:game:" + r.game.GameID }

// Join, SubmitAction, GiveTime, Resign and Draw enqueue inbox messages.
// They report false when the inbox is full, which callers treat as a
// disconnection-grade failure.
func (r *Room) Join(userID string, sender Sender) bool {
	return r.post(joinMsg{userID: userID, sender: sender})
}

func (r *Room) SubmitAction(userID string, action protocol.Action, receivedAt int64, sender Sender) bool {
	return r.post(actionMsg{userID: userID, action: action, receivedAt: receivedAt, sender: sender})
}

func (r *Room) GiveTime(userID string, seconds int, sender Sender) bool {
	return r.post(giveTimeMsg{userID: userID, seconds: seconds, sender: sender})
}

func (r *Room) Resign(userID string, sender Sender) bool {
	return r.post(resignMsg{userID: userID, sender: sender})
}

func (r *Room) Draw(userID, verb string, sender Sender) bool {
	return r.post(drawMsg{userID: userID, verb: verb, sender: sender})
}

// Shutdown stops the actor loop and waits for it to drain.
func (r *Room) Shutdown() {
	r.post(shutdownMsg{})
	<-r.done
}

func (r *Room) post(msg message) bool {
	select {
	case r.inbox <- msg:
		return true
	case <-r.done:
		return false
	default:
		return false
	}
}

// postTimeout runs on the clock goroutine. Timeouts must not be dropped, so
// this blocks until the inbox accepts (the clock has already stopped).
func (r *Room) postTimeout(loser models.PlayerColor) {
	select {
	case r.inbox <- clockTimeoutMsg{loser: loser}:
	case <-r.done:
	}
}

// postTick is lossy: a skipped clock broadcast heals on the next tick.
func (r *Room) postTick(snapshot models.ClockSnapshot) {
	select {
	case r.inbox <- clockTickMsg{snapshot: snapshot}:
	default:
	}
}

func (r *Room) run() {
	defer close(r.done)
	// The lease must outlive long thinks, so it is renewed on a timer and
	// not only per accepted action.
	lease := time.NewTicker(leaseRenewInterval)
	defer lease.Stop()
	for {
		select {
		case msg := <-r.inbox:
			if _, stop := msg.(shutdownMsg); stop {
				r.cleanup()
				return
			}
			r.process(msg)
		case <-lease.C:
			if !r.game.Over {
				r.renewLease()
			}
		}
	}
}

// process dispatches one message, trapping panics from rule application:
// an invariant violation aborts the game instead of killing the loop.
func (r *Room) process(msg message) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Room] Panic in game %s: %v", r.game.GameID, rec)
			r.abortGame()
		}
	}()

	switch m := msg.(type) {
	case joinMsg:
		r.handleJoin(m)
	case actionMsg:
		r.handleAction(m)
	case giveTimeMsg:
		r.handleGiveTime(m)
	case resignMsg:
		r.handleResign(m)
	case drawMsg:
		r.handleDraw(m)
	case clockTimeoutMsg:
		r.handleTimeout(m)
	case clockTickMsg:
		r.publish(protocol.Marshal(protocol.ClockUpdateFrame{
			Type:   protocol.ServerClockUpdate,
			GameID: r.game.GameID,
			Clocks: m.snapshot,
		}))
	}
}

func (r *Room) handleJoin(m joinMsg) {
	if !r.game.IsPlayer(m.userID) {
		r.sendError(m.sender, "not a player in this game")
		return
	}
	color := r.game.ColorOf(m.userID)
	m.sender.Send(protocol.Marshal(protocol.JoinedFrame{
		Type:        protocol.ServerJoined,
		GameID:      r.game.GameID,
		Color:       color,
		Players:     r.players(),
		TimeControl: r.game.TimeControl,
	}))
	m.sender.Send(protocol.Marshal(r.stateFrame(true)))
}

func (r *Room) handleAction(m actionMsg) {
	if r.game.Over {
		r.sendError(m.sender, "game is over")
		return
	}
	actor, kind := r.rules.NextActor()
	if m.action.Kind != kind {
		r.sendError(m.sender, "expected a %s", kind)
		return
	}
	if r.game.IsSolo {
		if m.userID != r.game.WhiteID {
			r.sendError(m.sender, "not a player in this game")
			return
		}
	} else if r.game.PlayerID(actor) != m.userID {
		if !r.game.IsPlayer(m.userID) {
			r.sendError(m.sender, "not a player in this game")
		} else {
			r.sendError(m.sender, "not your turn")
		}
		return
	}

	fenBefore := r.rules.FEN()
	turn := fullmoveOf(fenBefore)
	result, err := r.rules.Apply(m.action)
	if err != nil {
		r.sendError(m.sender, "illegal action")
		return
	}

	bcn, _ := protocol.EncodeBCN(m.action)
	entry := protocol.NewHistoryEntry(turn, actor, m.action, result.SAN, result.FENAfter)
	r.game.FEN = result.FENAfter
	r.game.LastActionTime = time.Now().UnixMilli()
	r.game.ActionHistory = append(r.game.ActionHistory, bcn)
	r.game.MoveCount = r.rules.MoveCount()
	if m.action.Kind == protocol.KindMove {
		r.drawPending = "" // a move expires any outstanding offer
	}

	eventType := models.EventBanMade
	text := fmt.Sprintf("%s banned %s", actor, m.action.UCI)
	if m.action.Kind == protocol.KindMove {
		eventType = models.EventMoveMade
		text = fmt.Sprintf("%s played %s", actor, result.SAN)
	}
	event := models.NewEvent(eventType, text, actor)

	prevClocks := r.game.Clocks
	if r.clock != nil {
		// Persist the banks as they will stand after the handoff, so the
		// stored Running side is always the next actor. The live clock only
		// switches once the write sticks.
		var snap models.ClockSnapshot
		if result.Terminal != nil {
			snap = r.clock.Snapshot()
		} else {
			next, _ := r.rules.NextActor()
			snap = r.clock.Preview(next, m.action.Kind == protocol.KindMove)
		}
		r.game.Clocks = &snap
	}
	if err := r.persist([]string{bcn}, []models.GameEvent{event}); err != nil {
		// Roll the rules state back to the persisted history.
		r.game.ActionHistory = r.game.ActionHistory[:len(r.game.ActionHistory)-1]
		r.rules, _ = rules.Replay(r.game.ActionHistory)
		r.game.FEN = r.rules.FEN()
		r.game.MoveCount = r.rules.MoveCount()
		r.game.Clocks = prevClocks
		log.Printf("[Room] Store write failed for game %s: %v", r.game.GameID, err)
		r.sendServerError(m.sender)
		return
	}

	r.entries = append(r.entries, entry)
	r.game.Events = append(r.game.Events, event)
	r.archiver.RecordMove(archive.MoveRow{
		GameID:     r.game.GameID,
		MoveNumber: len(r.game.ActionHistory),
		Color:      string(actor),
		Notation:   notationOf(m.action, result.SAN),
		UCI:        m.action.UCI,
		FENAfter:   result.FENAfter,
		IsBan:      m.action.Kind == protocol.KindBan,
		Timestamp:  entry.Timestamp,
	})
	r.recordEvent(event)
	r.renewLease()

	if result.Terminal != nil {
		r.finishGame(rules.ResultString(result.Terminal), terminalEvent(result.Terminal))
		return
	}

	frame := r.stateFrame(false)
	frame.LastMove = &entry
	r.publish(protocol.Marshal(frame))

	if r.clock != nil {
		nextActor, _ := r.rules.NextActor()
		r.clock.Switch(nextActor, m.action.Kind == protocol.KindMove)
	}
}

func (r *Room) handleGiveTime(m giveTimeMsg) {
	seconds := m.seconds
	if seconds == 0 {
		seconds = giveTimeDefaultSec
	}
	switch {
	case r.game.Over:
		r.sendError(m.sender, "game is over")
	case r.game.TimeControl == nil:
		r.sendError(m.sender, "game has no time control")
	case r.game.IsSolo:
		r.sendError(m.sender, "cannot give time in a solo game")
	case !r.game.IsPlayer(m.userID):
		r.sendError(m.sender, "not a player in this game")
	case seconds < giveTimeMinSec || seconds > giveTimeMaxSec:
		r.sendError(m.sender, "give-time amount must be between %d and %d seconds", giveTimeMinSec, giveTimeMaxSec)
	default:
		giver := r.game.ColorOf(m.userID)
		recipient := giver.Opponent()
		r.clock.GiveTime(recipient, seconds)
		snap := r.clock.Snapshot()
		r.game.Clocks = &snap
		event := models.NewEvent(models.EventTimeGiven,
			fmt.Sprintf("%s gave %s %d seconds", giver, recipient, seconds), giver)
		if err := r.persist(nil, []models.GameEvent{event}); err != nil {
			log.Printf("[Room] Store write failed for game %s: %v", r.game.GameID, err)
		}
		r.game.Events = append(r.game.Events, event)
		r.recordEvent(event)
		r.publish(protocol.Marshal(protocol.GameEventFrame{
			Type: protocol.ServerGameEvent, GameID: r.game.GameID, Event: event,
		}))
		r.publish(protocol.Marshal(protocol.ClockUpdateFrame{
			Type: protocol.ServerClockUpdate, GameID: r.game.GameID, Clocks: r.clock.Snapshot(),
		}))
	}
}

func (r *Room) handleResign(m resignMsg) {
	if r.game.Over {
		r.sendError(m.sender, "game is over")
		return
	}
	if !r.game.IsPlayer(m.userID) {
		r.sendError(m.sender, "not a player in this game")
		return
	}
	loser := r.game.ColorOf(m.userID)
	if r.game.IsSolo {
		// Solo: the resigning color is whoever acts next.
		loser, _ = r.rules.NextActor()
	}
	result := models.ResultWhiteWinsResignation
	if loser == models.White {
		result = models.ResultBlackWinsResignation
	}
	event := models.NewEvent(models.EventResignation, fmt.Sprintf("%s resigned", loser), loser)
	r.finishGame(result, event)
}

func (r *Room) handleDraw(m drawMsg) {
	if r.game.Over {
		r.sendError(m.sender, "game is over")
		return
	}
	if !r.game.IsPlayer(m.userID) {
		r.sendError(m.sender, "not a player in this game")
		return
	}
	if r.game.IsSolo {
		r.sendError(m.sender, "draw offers are not available in solo games")
		return
	}
	color := r.game.ColorOf(m.userID)
	switch m.verb {
	case "offer":
		if r.drawPending != "" {
			r.sendError(m.sender, "a draw offer is already pending")
			return
		}
		if r.drawOffers[color] >= maxDrawOffersPerPlayer {
			r.sendError(m.sender, "draw offer limit reached")
			return
		}
		r.drawOffers[color]++
		r.drawPending = color
		event := models.NewEvent(models.EventDraw, fmt.Sprintf("%s offered a draw", color), color)
		r.game.Events = append(r.game.Events, event)
		if err := r.persist(nil, []models.GameEvent{event}); err != nil {
			log.Printf("[Room] Store write failed for game %s: %v", r.game.GameID, err)
		}
		r.recordEvent(event)
		r.publish(protocol.Marshal(protocol.GameEventFrame{
			Type: protocol.ServerGameEvent, GameID: r.game.GameID, Event: event,
		}))
	case "accept":
		if r.drawPending == "" || r.drawPending == color {
			r.sendError(m.sender, "no draw offer to accept")
			return
		}
		event := models.NewEvent(models.EventDraw, "draw agreed", color)
		r.finishGame(models.ResultDrawAgreement, event)
	case "decline":
		if r.drawPending == "" || r.drawPending == color {
			r.sendError(m.sender, "no draw offer to decline")
			return
		}
		r.drawPending = ""
		event := models.NewEvent(models.EventDraw, fmt.Sprintf("%s declined the draw", color), color)
		r.game.Events = append(r.game.Events, event)
		if err := r.persist(nil, []models.GameEvent{event}); err != nil {
			log.Printf("[Room] Store write failed for game %s: %v", r.game.GameID, err)
		}
		r.recordEvent(event)
		r.publish(protocol.Marshal(protocol.GameEventFrame{
			Type: protocol.ServerGameEvent, GameID: r.game.GameID, Event: event,
		}))
	}
}

// handleTimeout ends the game on flag fall. The clock guarantees this fires
// at most once.
func (r *Room) handleTimeout(m clockTimeoutMsg) {
	if r.game.Over || r.timedOut {
		return
	}
	r.timedOut = true
	winner := m.loser.Opponent()
	result := models.ResultWhiteWinsTimeout
	if winner == models.Black {
		result = models.ResultBlackWinsTimeout
	}
	r.publish(protocol.Marshal(protocol.TimeoutFrame{
		Type: protocol.ServerTimeout, GameID: r.game.GameID, Winner: winner,
	}))
	event := models.NewEvent(models.EventTimeout, fmt.Sprintf("%s ran out of time", m.loser), m.loser)
	r.finishGame(result, event)
}

// finishGame performs the one-way Active -> Terminal transition.
func (r *Room) finishGame(result string, event models.GameEvent) {
	r.game.Over = true
	r.game.Result = result
	r.drawPending = ""
	if r.clock != nil {
		r.clock.Destroy()
	}
	r.game.Events = append(r.game.Events, event)
	if err := r.persist(nil, []models.GameEvent{event}); err != nil {
		log.Printf("[Room] Terminal store write failed for game %s: %v", r.game.GameID, err)
	}
	r.recordEvent(event)
	r.publish(protocol.Marshal(protocol.GameEndedFrame{
		Type:   protocol.ServerGameEnded,
		GameID: r.game.GameID,
		Result: result,
		Reason: string(event.Type),
	}))
	r.archiver.GameEnded(r.summary())

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.ReleaseGameLock(ctx, r.game.GameID); err != nil {
		log.Printf("[Room] Failed to release lease for game %s: %v", r.game.GameID, err)
	}
	if r.onTerminal != nil {
		r.onTerminal(r.game.GameID)
	}
}

// abortGame is the Fatal path: an invariant broke inside action processing.
func (r *Room) abortGame() {
	if r.game.Over {
		return
	}
	event := models.NewEvent(models.EventGameStarted, "game aborted after internal error", "")
	r.finishGame(models.ResultAborted, event)
}

func (r *Room) summary() archive.GameSummary {
	var totalBans int
	var banMoves []string
	for _, bcn := range r.game.ActionHistory {
		if a, err := protocol.DecodeBCN(bcn); err == nil && a.Kind == protocol.KindBan {
			totalBans++
			banMoves = append(banMoves, a.UCI)
		}
	}
	return archive.GameSummary{
		GameID:      r.game.GameID,
		WhiteID:     r.game.WhiteID,
		BlackID:     r.game.BlackID,
		FENInitial:  protocol.InitialFEN,
		FENFinal:    r.game.FEN,
		PGN:         r.rules.PGN(),
		Result:      r.game.Result,
		TimeControl: r.game.TimeControl,
		IsSolo:      r.game.IsSolo,
		StartedAt:   r.game.StartTime,
		CompletedAt: time.Now().UnixMilli(),
		TotalMoves:  r.game.MoveCount,
		TotalBans:   totalBans,
		BanMoves:    banMoves,
		Winner:      r.winnerID(),
	}
}

func (r *Room) winnerID() string {
	switch {
	case r.game.Result == models.ResultWhiteWinsCheckmate,
		r.game.Result == models.ResultWhiteWinsTimeout,
		r.game.Result == models.ResultWhiteWinsResignation:
		return r.game.WhiteID
	case r.game.Result == models.ResultBlackWinsCheckmate,
		r.game.Result == models.ResultBlackWinsTimeout,
		r.game.Result == models.ResultBlackWinsResignation:
		return r.game.BlackID
	}
	return ""
}

func (r *Room) persist(newActions []string, newEvents []models.GameEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return r.store.SaveGame(ctx, r.game, r.rules.PGN(), newActions, newEvents)
}

func (r *Room) publish(frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.Publish(ctx, r.Channel(), frame); err != nil {
		log.Printf("[Room] Publish failed for game %s: %v", r.game.GameID, err)
	}
}

func (r *Room) renewLease() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.RenewGameLock(ctx, r.game.GameID, r.owner); err != nil {
		log.Printf("[Room] Lease renewal failed for game %s: %v", r.game.GameID, err)
	}
}

func (r *Room) recordEvent(event models.GameEvent) {
	r.archiver.RecordEvent(archive.EventRow{
		GameID:    r.game.GameID,
		EventType: string(event.Type),
		EventData: event,
		Timestamp: event.Timestamp,
	})
}

func (r *Room) sendError(sender Sender, format string, args ...any) {
	if sender != nil {
		sender.Send(protocol.Marshal(protocol.Errorf(format, args...)))
	}
}

func (r *Room) sendServerError(sender Sender) {
	if sender != nil {
		sender.Send(protocol.Marshal(protocol.ErrorFrame{
			Type:    protocol.ServerServerError,
			Message: "temporary server error, please retry",
		}))
	}
}

func (r *Room) cleanup() {
	if r.clock != nil {
		r.clock.Destroy()
	}
	if !r.game.Over {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.store.ReleaseGameLock(ctx, r.game.GameID); err != nil {
			log.Printf("[Room] Failed to release lease for game %s: %v", r.game.GameID, err)
		}
	}
}

func notationOf(action protocol.Action, san string) string {
	if action.Kind == protocol.KindMove {
		return san
	}
	bcn, _ := protocol.EncodeBCN(action)
	return bcn
}

func terminalEvent(t *rules.Terminal) models.GameEvent {
	switch t.Kind {
	case rules.TerminalCheckmate:
		return models.NewEvent(models.EventCheckmate,
			fmt.Sprintf("%s is checkmated", t.Loser), t.Loser)
	case rules.TerminalStalemate:
		return models.NewEvent(models.EventStalemate, "stalemate", "")
	}
	return models.NewEvent(models.EventDraw, "draw by rule", "")
}

func fullmoveOf(fen string) int {
	parts, err := protocol.SplitFEN(fen)
	if err != nil {
		return 0
	}
	return parts.Fullmove
}
