// Package sweeper completes games whose clocks crossed zero while no process
// owned them, usually after a crash or restart of the hosting server.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"ban-chess/internal/archive"
	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
	"ban-chess/internal/rules"
	"ban-chess/internal/store"
)

const (
	sweepInterval = 1 * time.Minute
	passTimeout   = 2 * time.Minute
)

// Archiver is the slice of the archive pipeline the sweeper hands finished
// games to.
type Archiver interface {
	GameEnded(summary archive.GameSummary)
}

// Sweeper periodically scans the active game set for abandoned flag falls.
// The per-game lease keeps it from racing a live Room: a game whose lease is
// held is skipped.
type Sweeper struct {
	store    *store.Store
	archiver Archiver
	owner    string
	stopCh   chan struct{}
	done     chan struct{}
}

func New(st *store.Store, archiver Archiver) *Sweeper {
	return &Sweeper{
		store:    st,
		archiver: archiver,
		owner:    "sweeper:" + uuid.NewString(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.run()
	log.Printf("[Sweeper] Started (interval: %s)", sweepInterval)
}

// Stop signals the sweep loop to exit and waits for it.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.done
	log.Printf("[Sweeper] Stopped")
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	ids, err := s.store.ActiveGames(ctx)
	if err != nil {
		log.Printf("[Sweeper] Failed to list active games: %v", err)
		return
	}
	for _, id := range ids {
		s.sweepGame(ctx, id)
	}
}

// sweepGame completes one game if its running clock is out of time and no
// Room owns it.
func (s *Sweeper) sweepGame(ctx context.Context, gameID string) {
	game, err := s.store.LoadGame(ctx, gameID)
	if err != nil {
		return
	}
	loser, flagged := flagFallen(game)
	if !flagged {
		return
	}
	ok, err := s.store.AcquireGameLock(ctx, gameID, s.owner)
	if err != nil || !ok {
		// A live Room owns it; its own clock handles the timeout.
		return
	}
	defer func() {
		if err := s.store.ReleaseGameLock(ctx, gameID); err != nil {
			log.Printf("[Sweeper] Failed to release lease for game %s: %v", gameID, err)
		}
	}()

	// Re-read under the lease in case the owner finished it meanwhile.
	game, err = s.store.LoadGame(ctx, gameID)
	if err != nil || game.Over {
		return
	}
	if loser, flagged = flagFallen(game); !flagged {
		return
	}

	winner := loser.Opponent()
	game.Over = true
	game.Result = models.ResultWhiteWinsTimeout
	if winner == models.Black {
		game.Result = models.ResultBlackWinsTimeout
	}
	event := models.NewEvent(models.EventTimeout, string(loser)+" ran out of time", loser)
	game.Events = append(game.Events, event)

	pgn := ""
	if rg, err := rules.Replay(game.ActionHistory); err == nil {
		pgn = rg.PGN()
	}
	if err := s.store.SaveGame(ctx, game, pgn, nil, []models.GameEvent{event}); err != nil {
		log.Printf("[Sweeper] Failed to complete game %s: %v", gameID, err)
		return
	}
	s.publish(ctx, gameID, protocol.Marshal(protocol.TimeoutFrame{
		Type: protocol.ServerTimeout, GameID: gameID, Winner: winner,
	}))
	s.publish(ctx, gameID, protocol.Marshal(protocol.GameEndedFrame{
		Type: protocol.ServerGameEnded, GameID: gameID,
		Result: game.Result, Reason: string(models.EventTimeout),
	}))
	s.archiver.GameEnded(summaryOf(game, pgn))
	log.Printf("[Sweeper] Completed stale game %s (%s)", gameID, game.Result)
}

// flagFallen reports whether the running side's bank is empty, reading the
// persisted snapshot plus wall time since its last update.
func flagFallen(game *models.Game) (models.PlayerColor, bool) {
	if game.Over || game.TimeControl == nil || game.Clocks == nil || game.Clocks.Running == "" {
		return "", false
	}
	running := game.Clocks.Running
	bank := game.Clocks.White
	if running == models.Black {
		bank = game.Clocks.Black
	}
	if bank.RemainingMs-(time.Now().UnixMilli()-bank.LastUpdate) <= 0 {
		return running, true
	}
	return "", false
}

func (s *Sweeper) publish(ctx context.Context, gameID string, frame []byte) {
	if err := s.store.Publish(ctx, store.GameChannel(gameID), frame); err != nil {
		log.Printf("[Sweeper] Publish failed for game %s: %v", gameID, err)
	}
}

func summaryOf(game *models.Game, pgn string) archive.GameSummary {
	var totalBans int
	var banMoves []string
	for _, bcn := range game.ActionHistory {
		if a, err := protocol.DecodeBCN(bcn); err == nil && a.Kind == protocol.KindBan {
			totalBans++
			banMoves = append(banMoves, a.UCI)
		}
	}
	winner := ""
	switch game.Result {
	case models.ResultWhiteWinsTimeout:
		winner = game.WhiteID
	case models.ResultBlackWinsTimeout:
		winner = game.BlackID
	}
	return archive.GameSummary{
		GameID:      game.GameID,
		WhiteID:     game.WhiteID,
		BlackID:     game.BlackID,
		FENInitial:  protocol.InitialFEN,
		FENFinal:    game.FEN,
		PGN:         pgn,
		Result:      game.Result,
		TimeControl: game.TimeControl,
		IsSolo:      game.IsSolo,
		StartedAt:   game.StartTime,
		CompletedAt: time.Now().UnixMilli(),
		TotalMoves:  game.MoveCount,
		TotalBans:   totalBans,
		BanMoves:    banMoves,
		Winner:      winner,
	}
}
