package models

import "time"

type PlayerColor string

const (
	White PlayerColor = "white"
	Black PlayerColor = "black"
)

// Opponent returns the other color.
func (c PlayerColor) Opponent() PlayerColor {
	if c == White {
		return Black
	}
	return White
}

// Game result strings broadcast to clients and written to the archive.
const (
	ResultWhiteWinsCheckmate   = "White wins by checkmate"
	ResultBlackWinsCheckmate   = "Black wins by checkmate"
	ResultWhiteWinsTimeout     = "White wins on time"
	ResultBlackWinsTimeout     = "Black wins on time"
	ResultWhiteWinsResignation = "White wins by resignation"
	ResultBlackWinsResignation = "Black wins by resignation"
	ResultDrawStalemate        = "Draw by stalemate"
	ResultDrawAgreement        = "Draw by agreement"
	ResultDrawInsufficient     = "Draw by insufficient material"
	ResultDrawFiftyMoves       = "Draw by fifty-move rule"
	ResultDrawRepetition       = "Draw by repetition"
	ResultAborted              = "aborted"
)

// Game is the live record for one ban-chess game. It is mutated only by the
// owning Room and mirrored into the hot store after every accepted action.
type Game struct {
	GameID         string       `json:"gameId"`
	WhiteID        string       `json:"whiteId,omitempty"`
	BlackID        string       `json:"blackId,omitempty"`
	WhiteName      string       `json:"whiteName,omitempty"`
	BlackName      string       `json:"blackName,omitempty"`
	FEN            string       `json:"fen"`
	StartTime      int64        `json:"startTime"`      // unix ms
	LastActionTime int64        `json:"lastActionTime"` // unix ms
	ActionHistory  []string     `json:"actionHistory"`  // BCN strings
	Events         []GameEvent  `json:"events,omitempty"`
	TimeControl    *TimeControl `json:"timeControl,omitempty"`
	// Clocks mirrors the in-memory clock after every accepted action so a
	// restarted or adopting process resumes from real remaining time.
	Clocks    *ClockSnapshot `json:"clocks,omitempty"`
	IsSolo    bool           `json:"isSolo"`
	Over      bool           `json:"over"`
	Result    string         `json:"result,omitempty"`
	MoveCount int            `json:"moveCount"`
}

// PlayerID returns the user id seated at the given color.
func (g *Game) PlayerID(color PlayerColor) string {
	if color == White {
		return g.WhiteID
	}
	return g.BlackID
}

// ColorOf returns the color a user occupies, or "" if they are not seated.
// In solo games both seats hold the same user, so callers must derive the
// effective color from the FEN instead.
func (g *Game) ColorOf(userID string) PlayerColor {
	switch userID {
	case "":
		return ""
	case g.WhiteID:
		return White
	case g.BlackID:
		return Black
	}
	return ""
}

// IsPlayer reports whether the user occupies a seat in this game.
func (g *Game) IsPlayer(userID string) bool {
	return userID != "" && (userID == g.WhiteID || userID == g.BlackID)
}

// GameEventType enumerates the append-only event log entries.
type GameEventType string

const (
	EventTimeGiven    GameEventType = "time-given"
	EventGameStarted  GameEventType = "game-started"
	EventTimeout      GameEventType = "timeout"
	EventCheckmate    GameEventType = "checkmate"
	EventStalemate    GameEventType = "stalemate"
	EventDraw         GameEventType = "draw"
	EventResignation  GameEventType = "resignation"
	EventPlayerJoined GameEventType = "player-joined"
	EventMoveMade     GameEventType = "move-made"
	EventBanMade      GameEventType = "ban-made"
)

// GameEvent is one entry in a game's append-only event log.
type GameEvent struct {
	Timestamp int64             `json:"timestamp"` // unix ms
	Type      GameEventType     `json:"type"`
	Message   string            `json:"message"`
	Player    PlayerColor       `json:"player,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent builds a GameEvent stamped with the current wall clock.
func NewEvent(eventType GameEventType, message string, player PlayerColor) GameEvent {
	return GameEvent{
		Timestamp: time.Now().UnixMilli(),
		Type:      eventType,
		Message:   message,
		Player:    player,
	}
}

// PlayerClock is the wire/store form of one side's clock. The true remaining
// time of the running side is RemainingMs minus the wall time elapsed since
// LastUpdate; the idle side's RemainingMs is exact.
type PlayerClock struct {
	RemainingMs int64 `json:"remaining"`
	LastUpdate  int64 `json:"lastUpdate"` // unix ms
}

// ClockSnapshot carries both clocks plus which side is running.
type ClockSnapshot struct {
	White   PlayerClock `json:"white"`
	Black   PlayerClock `json:"black"`
	Running PlayerColor `json:"running,omitempty"`
}

// QueueEntry is one waiting player in the matchmaking queue.
type QueueEntry struct {
	UserID      string       `json:"userId"`
	Username    string       `json:"username"`
	JoinedAt    int64        `json:"joinedAt"` // unix ms
	TimeControl *TimeControl `json:"timeControl,omitempty"`
}

// Session status values stored under session:{userId}.
const (
	SessionOnline = "online"
	SessionQueued = "queued"
	SessionInGame = "in_game"
)

// Session is the hot-store presence record for a connected user.
type Session struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
	GameID   string `json:"gameId,omitempty"` // set while Status is in_game
	LastSeen int64  `json:"lastSeen"`         // unix ms
}
