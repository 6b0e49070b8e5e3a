package room

import (
	"context"

	"ban-chess/internal/archive"
	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
)

// GameStore is the slice of the hot store a Room mutates and publishes on.
type GameStore interface {
	SaveGame(ctx context.Context, g *models.Game, pgn string, newActions []string, newEvents []models.GameEvent) error
	Publish(ctx context.Context, channel string, payload []byte) error
	RenewGameLock(ctx context.Context, gameID, owner string) error
	ReleaseGameLock(ctx context.Context, gameID string) error
}

// GameArchiver receives rows and the terminal summary for durable storage.
type GameArchiver interface {
	RecordMove(row archive.MoveRow)
	RecordEvent(row archive.EventRow)
	GameEnded(summary archive.GameSummary)
}

// Sender delivers frames to one connection. Send reports false when the
// peer's outbound queue is full.
type Sender interface {
	Send(frame []byte) bool
	UserID() string
}

// Inbox messages. Every mutation of a game arrives as one of these and is
// processed strictly in FIFO order by the owning Room.
type message interface{ with() }

type joinMsg struct {
	userID string
	sender Sender
}

type actionMsg struct {
	userID     string
	action     protocol.Action
	receivedAt int64 // unix ms
	sender     Sender
}

type giveTimeMsg struct {
	userID  string
	seconds int
	sender  Sender
}

type resignMsg struct {
	userID string
	sender Sender
}

type drawMsg struct {
	userID string
	verb   string // offer, accept, decline
	sender Sender
}

type clockTimeoutMsg struct {
	loser models.PlayerColor
}

type clockTickMsg struct {
	snapshot models.ClockSnapshot
}

type shutdownMsg struct{}

func (joinMsg) with()         {}
func (actionMsg) with()       {}
func (giveTimeMsg) with()     {}
func (resignMsg) with()       {}
func (drawMsg) with()         {}
func (clockTimeoutMsg) with() {}
func (clockTickMsg) with()    {}
func (shutdownMsg) with()     {}
