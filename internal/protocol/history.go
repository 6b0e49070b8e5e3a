package protocol

import (
	"time"

	"ban-chess/internal/models"
)

// HistoryEntry is one half-action as shown to clients: the BCN action plus
// the position it produced. Move entries may carry SAN; ban entries carry
// the banned move in Action.
type HistoryEntry struct {
	TurnNumber int                `json:"turnNumber"`
	Player     models.PlayerColor `json:"player"`
	Kind       ActionKind         `json:"kind"`
	Action     string             `json:"action"` // BCN
	SAN        string             `json:"san,omitempty"`
	FENAfter   string             `json:"fenAfter"`
	Timestamp  int64              `json:"timestamp"` // unix ms
}

// NewHistoryEntry stamps an entry with the current wall clock.
func NewHistoryEntry(turn int, player models.PlayerColor, action Action, san, fenAfter string) HistoryEntry {
	bcn, _ := EncodeBCN(action)
	return HistoryEntry{
		TurnNumber: turn,
		Player:     player,
		Kind:       action.Kind,
		Action:     bcn,
		SAN:        san,
		FENAfter:   fenAfter,
		Timestamp:  time.Now().UnixMilli(),
	}
}
