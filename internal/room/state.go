package room

import (
	"ban-chess/internal/protocol"
	"ban-chess/internal/rules"
)

// stateFrame builds a state push. Full frames (join and rejoin) carry the
// whole annotated history and event log; incremental frames leave both empty
// and the caller attaches LastMove.
func (r *Room) stateFrame(full bool) protocol.StateFrame {
	kind, legal := r.rules.LegalActions()
	frame := protocol.StateFrame{
		Type:          protocol.ServerState,
		GameID:        r.game.GameID,
		FEN:           r.game.FEN,
		Players:       r.players(),
		NextAction:    kind,
		LegalActions:  legal,
		InCheck:       r.rules.InCheck(),
		ActionHistory: append([]string(nil), r.game.ActionHistory...),
		SyncState: protocol.SyncState{
			FEN:        r.game.FEN,
			LastAction: lastOf(r.game.ActionHistory),
			MoveNumber: len(r.game.ActionHistory),
		},
		TimeControl: r.game.TimeControl,
		StartTime:   r.game.StartTime,
		GameOver:    r.game.Over,
		Result:      r.game.Result,
	}
	if r.clock != nil {
		snap := r.clock.Snapshot()
		frame.Clocks = &snap
	}
	if full {
		frame.History = append([]protocol.HistoryEntry(nil), r.entries...)
		frame.Events = r.game.Events
	}
	return frame
}

func (r *Room) players() protocol.Players {
	return protocol.Players{White: r.game.WhiteName, Black: r.game.BlackName}
}

// rebuildEntries reconstructs annotated history from stored BCN actions by
// replaying them. Original timestamps are not stored per action, so rebuilt
// entries carry none.
func rebuildEntries(history []string) []protocol.HistoryEntry {
	g := rules.New()
	entries := make([]protocol.HistoryEntry, 0, len(history))
	for _, bcn := range history {
		action, err := protocol.DecodeBCN(bcn)
		if err != nil {
			break
		}
		actor, _ := g.NextActor()
		turn := fullmoveOf(g.FEN())
		result, err := g.Apply(action)
		if err != nil {
			break
		}
		entries = append(entries, protocol.HistoryEntry{
			TurnNumber: turn,
			Player:     actor,
			Kind:       action.Kind,
			Action:     bcn,
			SAN:        result.SAN,
			FENAfter:   result.FENAfter,
		})
	}
	return entries
}

func lastOf(history []string) string {
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}
