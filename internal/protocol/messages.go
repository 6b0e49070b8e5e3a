package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"ban-chess/internal/models"
)

// ErrBadFrame covers malformed JSON, a missing type discriminator, an
// unknown type, or a type-mismatched field.
var ErrBadFrame = errors.New("bad frame")

// Client frame types.
const (
	ClientAuthenticate   = "authenticate"
	ClientJoinGame       = "join-game"
	ClientAction         = "action"
	ClientGiveTime       = "give-time"
	ClientResign         = "resign"
	ClientOfferDraw      = "offer-draw"
	ClientAcceptDraw     = "accept-draw"
	ClientDeclineDraw    = "decline-draw"
	ClientJoinQueue      = "join-queue"
	ClientLeaveQueue     = "leave-queue"
	ClientCreateSoloGame = "create-solo-game"
	ClientPing           = "ping"
)

// MoveSpec is the object form of a move or ban in an action frame.
type MoveSpec struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// ActionField accepts either a bare BCN string or {move:{...}} / {ban:{...}}.
type ActionField struct {
	Action
}

func (a *ActionField) UnmarshalJSON(data []byte) error {
	var bcn string
	if err := json.Unmarshal(data, &bcn); err == nil {
		act, err := DecodeBCN(bcn)
		if err != nil {
			return err
		}
		a.Action = act
		return nil
	}
	var obj struct {
		Move *MoveSpec `json:"move"`
		Ban  *MoveSpec `json:"ban"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: action", ErrBadFrame)
	}
	switch {
	case obj.Move != nil && obj.Ban == nil:
		a.Action = Action{Kind: KindMove, UCI: obj.Move.From + obj.Move.To + obj.Move.Promotion}
	case obj.Ban != nil && obj.Move == nil:
		a.Action = Action{Kind: KindBan, UCI: obj.Ban.From + obj.Ban.To}
	default:
		return fmt.Errorf("%w: action needs exactly one of move or ban", ErrBadFrame)
	}
	allowPromo := a.Kind == KindMove
	if err := validateUCI(a.UCI, allowPromo); err != nil {
		return err
	}
	return nil
}

func (a ActionField) MarshalJSON() ([]byte, error) {
	bcn, err := EncodeBCN(a.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bcn)
}

// ClientFrame is the decoded form of any client-to-server message. Optional
// fields are pointers so absence stays observable; ParseClientFrame enforces
// the per-type required fields.
type ClientFrame struct {
	Type        string              `json:"type"`
	UserID      string              `json:"userId,omitempty"`
	Username    string              `json:"username,omitempty"`
	GameID      string              `json:"gameId,omitempty"`
	Action      *ActionField        `json:"action,omitempty"`
	Amount      *int                `json:"amount,omitempty"`
	TimeControl *models.TimeControl `json:"timeControl,omitempty"`
	Preset      string              `json:"preset,omitempty"`
}

// ParseClientFrame decodes and validates one inbound frame.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	switch f.Type {
	case ClientAuthenticate:
		if f.UserID == "" || f.Username == "" {
			return nil, fmt.Errorf("%w: authenticate requires userId and username", ErrBadFrame)
		}
	case ClientJoinGame, ClientResign, ClientOfferDraw, ClientAcceptDraw, ClientDeclineDraw:
		if f.GameID == "" {
			return nil, fmt.Errorf("%w: %s requires gameId", ErrBadFrame, f.Type)
		}
	case ClientAction:
		if f.GameID == "" || f.Action == nil {
			return nil, fmt.Errorf("%w: action requires gameId and action", ErrBadFrame)
		}
	case ClientGiveTime:
		if f.GameID == "" {
			return nil, fmt.Errorf("%w: give-time requires gameId", ErrBadFrame)
		}
	case ClientJoinQueue, ClientLeaveQueue, ClientCreateSoloGame, ClientPing:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadFrame, f.Type)
	}
	return &f, nil
}

// Server frame types.
const (
	ServerAuthenticated = "authenticated"
	ServerState         = "state"
	ServerJoined        = "joined"
	ServerMatched       = "matched"
	ServerQueued        = "queued"
	ServerGameCreated   = "game-created"
	ServerClockUpdate   = "clock-update"
	ServerGameEvent     = "game-event"
	ServerGameEnded     = "game-ended"
	ServerTimeout       = "timeout"
	ServerError         = "error"
	ServerServerError   = "server-error"
	ServerPong          = "pong"
)

// Players names both seats of a game.
type Players struct {
	White string `json:"white"`
	Black string `json:"black"`
}

// SyncState is the compact resume cursor inside a state frame.
type SyncState struct {
	FEN        string `json:"fen"`
	LastAction string `json:"lastAction,omitempty"` // BCN
	MoveNumber int    `json:"moveNumber"`
}

// StateFrame is the game state push. Full-state emissions (join/rejoin)
// carry History and Events; incremental emissions carry LastMove only.
type StateFrame struct {
	Type          string                `json:"type"`
	GameID        string                `json:"gameId"`
	FEN           string                `json:"fen"`
	Players       Players               `json:"players"`
	NextAction    ActionKind            `json:"nextAction"`
	LegalActions  []string              `json:"legalActions"`
	InCheck       bool                  `json:"inCheck"`
	History       []HistoryEntry        `json:"history,omitempty"`
	LastMove      *HistoryEntry         `json:"lastMove,omitempty"`
	ActionHistory []string              `json:"actionHistory"`
	SyncState     SyncState             `json:"syncState"`
	TimeControl   *models.TimeControl   `json:"timeControl,omitempty"`
	Clocks        *models.ClockSnapshot `json:"clocks,omitempty"`
	StartTime     int64                 `json:"startTime,omitempty"`
	GameOver      bool                  `json:"gameOver,omitempty"`
	Result        string                `json:"result,omitempty"`
	Events        []models.GameEvent    `json:"events,omitempty"`
}

type AuthenticatedFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type JoinedFrame struct {
	Type        string              `json:"type"`
	GameID      string              `json:"gameId"`
	Color       models.PlayerColor  `json:"color"`
	Players     Players             `json:"players"`
	TimeControl *models.TimeControl `json:"timeControl,omitempty"`
}

type MatchedFrame struct {
	Type        string             `json:"type"`
	GameID      string             `json:"gameId"`
	Color       models.PlayerColor `json:"color"`
	Opponent    string             `json:"opponent"`
	TimeControl models.TimeControl `json:"timeControl"`
}

type QueuedFrame struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

type GameCreatedFrame struct {
	Type        string              `json:"type"`
	GameID      string              `json:"gameId"`
	TimeControl *models.TimeControl `json:"timeControl,omitempty"`
}

type ClockUpdateFrame struct {
	Type   string               `json:"type"`
	GameID string               `json:"gameId"`
	Clocks models.ClockSnapshot `json:"clocks"`
}

type GameEventFrame struct {
	Type   string           `json:"type"`
	GameID string           `json:"gameId"`
	Event  models.GameEvent `json:"event"`
}

type GameEndedFrame struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
	Result string `json:"result"`
	Reason string `json:"reason"`
}

type TimeoutFrame struct {
	Type   string             `json:"type"`
	GameID string             `json:"gameId"`
	Winner models.PlayerColor `json:"winner"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PongFrame struct {
	Type string `json:"type"`
}

// Errorf builds a marshal-ready error frame.
func Errorf(format string, args ...any) ErrorFrame {
	return ErrorFrame{Type: ServerError, Message: fmt.Sprintf(format, args...)}
}

// Marshal encodes a server frame, panicking on programmer error since every
// frame type is a plain struct.
func Marshal(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", frame, err))
	}
	return data
}
