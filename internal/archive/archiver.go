// Package archive drains finished games and their per-action rows into the
// durable store in batches. Nothing here sits on the hot path: the Room
// hands rows over and the flush loop does the writing.
package archive

import (
	"context"
	"log"
	"sync"
	"time"

	"ban-chess/internal/models"
)

const (
	flushInterval  = 5 * time.Second
	bufferFlushLen = 100  // per-game buffered rows that force a flush
	maxBatchRows   = 1000 // rows per durable insert
)

// MoveRow is one archived half-action.
type MoveRow struct {
	GameID     string `bson:"gameId"`
	MoveNumber int    `bson:"moveNumber"`
	Color      string `bson:"color"`
	Notation   string `bson:"notation"` // SAN for moves, BCN for bans
	UCI        string `bson:"uci,omitempty"`
	FENAfter   string `bson:"fenAfter"`
	IsBan      bool   `bson:"isBan"`
	Timestamp  int64  `bson:"timestamp"`
}

// EventRow is one archived game event.
type EventRow struct {
	GameID    string           `bson:"gameId"`
	EventType string           `bson:"eventType"`
	EventData models.GameEvent `bson:"eventData"`
	Timestamp int64            `bson:"timestamp"`
}

// GameSummary is the terminal write for one game.
type GameSummary struct {
	GameID      string              `bson:"gameId"`
	WhiteID     string              `bson:"whiteId,omitempty"`
	BlackID     string              `bson:"blackId,omitempty"`
	FENInitial  string              `bson:"fenInitial"`
	FENFinal    string              `bson:"fenFinal"`
	PGN         string              `bson:"pgn"`
	Result      string              `bson:"result"`
	TimeControl *models.TimeControl `bson:"timeControl,omitempty"`
	IsSolo      bool                `bson:"isSolo"`
	StartedAt   int64               `bson:"startedAt"`
	CompletedAt int64               `bson:"completedAt"`
	TotalMoves  int                 `bson:"totalMoves"`
	TotalBans   int                 `bson:"totalBans"`
	BanMoves    []string            `bson:"banMoves"`
	Winner      string              `bson:"winner,omitempty"` // userId, empty on draw
}

// DurableStore is the write surface the archiver needs. The production
// implementation is Mongo; tests substitute a fake.
type DurableStore interface {
	InsertMoves(ctx context.Context, rows []MoveRow) error
	InsertEvents(ctx context.Context, rows []EventRow) error
	// FinalizeGame writes the summary and bumps both players' aggregate
	// counters in one transaction.
	FinalizeGame(ctx context.Context, summary GameSummary) error
}

type gameBuffer struct {
	moves  []MoveRow
	events []EventRow
}

// Archiver owns per-game buffers and the periodic flush loop. No durability
// is claimed before a flush succeeds: failed batches stay buffered and
// failed terminal summaries stay pending until a later pass lands them.
type Archiver struct {
	store   DurableStore
	mu      sync.Mutex
	games   map[string]*gameBuffer
	pending map[string]GameSummary // terminal summaries awaiting finalize
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(store DurableStore) *Archiver {
	return &Archiver{
		store:   store,
		games:   make(map[string]*gameBuffer),
		pending: make(map[string]GameSummary),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the background flush loop.
func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.runFlushLoop()
	log.Println("[Archiver] Started")
}

// Stop flushes whatever is buffered and halts the loop.
func (a *Archiver) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.flushAll(context.Background())
	log.Println("[Archiver] Stopped")
}

// RecordMove buffers one half-action row.
func (a *Archiver) RecordMove(row MoveRow) {
	a.mu.Lock()
	buf := a.bufferFor(row.GameID)
	buf.moves = append(buf.moves, row)
	full := len(buf.moves)+len(buf.events) >= bufferFlushLen
	a.mu.Unlock()
	if full {
		a.Flush(context.Background(), row.GameID)
	}
}

// RecordEvent buffers one event row.
func (a *Archiver) RecordEvent(row EventRow) {
	a.mu.Lock()
	buf := a.bufferFor(row.GameID)
	buf.events = append(buf.events, row)
	full := len(buf.moves)+len(buf.events) >= bufferFlushLen
	a.mu.Unlock()
	if full {
		a.Flush(context.Background(), row.GameID)
	}
}

// GameEnded force-flushes the game's buffers and writes the summary. Solo
// games are dropped entirely: their buffers are discarded unwritten. A
// summary that fails to land is kept and retried by the flush loop.
func (a *Archiver) GameEnded(summary GameSummary) {
	if summary.IsSolo {
		a.mu.Lock()
		delete(a.games, summary.GameID)
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if !a.finalize(ctx, summary) {
		a.mu.Lock()
		a.pending[summary.GameID] = summary
		a.mu.Unlock()
	}
}

// finalize flushes the game's remaining rows and writes its summary,
// reporting whether everything landed.
func (a *Archiver) finalize(ctx context.Context, summary GameSummary) bool {
	if err := a.Flush(ctx, summary.GameID); err != nil {
		log.Printf("[Archiver] Flush before finalize failed for game %s: %v", summary.GameID, err)
		return false
	}
	if err := a.store.FinalizeGame(ctx, summary); err != nil {
		log.Printf("[Archiver] Failed to finalize game %s: %v", summary.GameID, err)
		return false
	}
	a.mu.Lock()
	delete(a.games, summary.GameID)
	delete(a.pending, summary.GameID)
	a.mu.Unlock()
	return true
}

// Flush writes one game's buffered rows. On failure the rows stay buffered
// for the next attempt.
func (a *Archiver) Flush(ctx context.Context, gameID string) error {
	a.mu.Lock()
	buf, ok := a.games[gameID]
	if !ok || (len(buf.moves) == 0 && len(buf.events) == 0) {
		a.mu.Unlock()
		return nil
	}
	moves := buf.moves
	events := buf.events
	buf.moves = nil
	buf.events = nil
	a.mu.Unlock()

	if err := a.writeMoves(ctx, moves); err != nil {
		a.requeue(gameID, moves, events)
		return err
	}
	if err := a.writeEvents(ctx, events); err != nil {
		a.requeue(gameID, nil, events)
		return err
	}
	return nil
}

func (a *Archiver) writeMoves(ctx context.Context, rows []MoveRow) error {
	for start := 0; start < len(rows); start += maxBatchRows {
		end := min(start+maxBatchRows, len(rows))
		if err := a.store.InsertMoves(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) writeEvents(ctx context.Context, rows []EventRow) error {
	for start := 0; start < len(rows); start += maxBatchRows {
		end := min(start+maxBatchRows, len(rows))
		if err := a.store.InsertEvents(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// requeue puts unflushed rows back at the front of the buffer.
func (a *Archiver) requeue(gameID string, moves []MoveRow, events []EventRow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.bufferFor(gameID)
	buf.moves = append(moves, buf.moves...)
	buf.events = append(events, buf.events...)
}

func (a *Archiver) bufferFor(gameID string) *gameBuffer {
	buf, ok := a.games[gameID]
	if !ok {
		buf = &gameBuffer{}
		a.games[gameID] = buf
	}
	return buf
}

func (a *Archiver) runFlushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.flushAll(context.Background())
		}
	}
}

func (a *Archiver) flushAll(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.games))
	for id := range a.games {
		ids = append(ids, id)
	}
	retries := make([]GameSummary, 0, len(a.pending))
	for _, s := range a.pending {
		retries = append(retries, s)
	}
	a.mu.Unlock()
	for _, id := range ids {
		if err := a.Flush(ctx, id); err != nil {
			log.Printf("[Archiver] Flush failed for game %s: %v", id, err)
		}
	}
	for _, s := range retries {
		a.finalize(ctx, s)
	}
}
