package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
	"ban-chess/internal/room"
)

// fakeQueue is an in-memory stand-in for the store's queue and pub/sub.
type fakeQueue struct {
	entries  []models.QueueEntry
	sessions map[string]models.Session
	notices  []Notice
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{sessions: make(map[string]models.Session)}
}

func (q *fakeQueue) Enqueue(_ context.Context, entry models.QueueEntry) (int, error) {
	for i, e := range q.entries {
		if e.UserID == entry.UserID {
			return i + 1, nil
		}
	}
	q.entries = append(q.entries, entry)
	return len(q.entries), nil
}

func (q *fakeQueue) Dequeue(_ context.Context, userID string) error {
	for i, e := range q.entries {
		if e.UserID == userID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *fakeQueue) QueuePosition(_ context.Context, userID string) (int, error) {
	for i, e := range q.entries {
		if e.UserID == userID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (q *fakeQueue) QueueEntries(_ context.Context) ([]models.QueueEntry, error) {
	return append([]models.QueueEntry(nil), q.entries...), nil
}

func (q *fakeQueue) PopPair(_ context.Context) (models.QueueEntry, models.QueueEntry, bool, error) {
	if len(q.entries) < 2 {
		return models.QueueEntry{}, models.QueueEntry{}, false, nil
	}
	first, second := q.entries[0], q.entries[1]
	q.entries = q.entries[2:]
	return first, second, true, nil
}

func (q *fakeQueue) Publish(_ context.Context, _ string, payload []byte) error {
	var n Notice
	if err := json.Unmarshal(payload, &n); err != nil {
		return err
	}
	q.notices = append(q.notices, n)
	return nil
}

func (q *fakeQueue) SetSession(_ context.Context, sess models.Session) error {
	q.sessions[sess.UserID] = sess
	return nil
}

// fakeGames builds inert rooms so match can read their game id.
type fakeGames struct {
	created  []createdGame
	failNext bool
}

type createdGame struct {
	white, black models.Session
	tc           models.TimeControl
	solo         bool
}

type nullGameStore struct{}

func (nullGameStore) SaveGame(context.Context, *models.Game, string, []string, []models.GameEvent) error {
	return nil
}
func (nullGameStore) Publish(context.Context, string, []byte) error       { return nil }
func (nullGameStore) RenewGameLock(context.Context, string, string) error { return nil }
func (nullGameStore) ReleaseGameLock(context.Context, string) error       { return nil }

func (g *fakeGames) CreateGame(_ context.Context, white, black models.Session, tc *models.TimeControl, solo bool) (*room.Room, error) {
	if g.failNext {
		g.failNext = false
		return nil, errors.New("store down")
	}
	g.created = append(g.created, createdGame{white: white, black: black, tc: *tc, solo: solo})
	game := &models.Game{
		GameID:    "game-" + white.UserID,
		FEN:       protocol.InitialFEN,
		WhiteID:   white.UserID,
		BlackID:   black.UserID,
		WhiteName: white.Username,
		BlackName: black.Username,
	}
	return room.New(game, nullGameStore{}, nil, "test", nil)
}

func entryFor(id string, tc *models.TimeControl) models.QueueEntry {
	return models.QueueEntry{UserID: id, Username: "u-" + id, TimeControl: tc}
}

func TestJoinReportsPositionAndMarksSessionQueued(t *testing.T) {
	q := newFakeQueue()
	m := New(q, &fakeGames{}, "channel:queue")

	pos, err := m.Join(context.Background(), models.Session{UserID: "a", Username: "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = m.Join(context.Background(), models.Session{UserID: "b", Username: "bob"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	// Rejoining does not create a second entry.
	pos, err = m.Join(context.Background(), models.Session{UserID: "a", Username: "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Len(t, q.entries, 2)

	assert.Equal(t, models.SessionQueued, q.sessions["a"].Status)
}

func TestLeaveRemovesFromQueue(t *testing.T) {
	q := newFakeQueue()
	m := New(q, &fakeGames{}, "channel:queue")

	_, err := m.Join(context.Background(), models.Session{UserID: "a"}, nil)
	require.NoError(t, err)
	_, err = m.Join(context.Background(), models.Session{UserID: "b"}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Leave(context.Background(), "a"))

	pos, err := m.Position(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = m.Position(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestMatchPairsFirstInAsWhite(t *testing.T) {
	q := newFakeQueue()
	games := &fakeGames{}
	m := New(q, games, "channel:queue")

	q.entries = []models.QueueEntry{entryFor("a", nil), entryFor("b", nil), entryFor("c", nil)}
	m.matchAll()

	// a and b are paired, c keeps waiting.
	require.Len(t, games.created, 1)
	g := games.created[0]
	assert.Equal(t, "a", g.white.UserID)
	assert.Equal(t, "b", g.black.UserID)
	assert.False(t, g.solo)
	assert.Equal(t, models.DefaultTimeControl, g.tc)
	assert.Len(t, q.entries, 1)
	assert.Equal(t, "c", q.entries[0].UserID)

	// Both players get an addressed matched frame with their color, and the
	// player still waiting hears their new position.
	colors := map[string]models.PlayerColor{}
	positions := map[string]int{}
	for _, n := range q.notices {
		var f struct {
			Type     string             `json:"type"`
			GameID   string             `json:"gameId"`
			Color    models.PlayerColor `json:"color"`
			Position int                `json:"position"`
		}
		require.NoError(t, json.Unmarshal(n.Frame, &f))
		switch f.Type {
		case protocol.ServerMatched:
			assert.Equal(t, "game-a", f.GameID)
			colors[n.UserID] = f.Color
		case protocol.ServerQueued:
			positions[n.UserID] = f.Position
		}
	}
	assert.Equal(t, models.White, colors["a"])
	assert.Equal(t, models.Black, colors["b"])
	assert.Equal(t, 1, positions["c"])

	// Sessions move to in_game pointing at the new game.
	assert.Equal(t, models.SessionInGame, q.sessions["a"].Status)
	assert.Equal(t, "game-a", q.sessions["a"].GameID)
	assert.Equal(t, "game-a", q.sessions["b"].GameID)
}

func TestMatchPrefersFirstJoinersTimeControl(t *testing.T) {
	q := newFakeQueue()
	games := &fakeGames{}
	m := New(q, games, "channel:queue")

	wanted := &models.TimeControl{InitialSec: 60, IncrementSec: 1}
	q.entries = []models.QueueEntry{entryFor("a", wanted), entryFor("b", &models.TimeControl{InitialSec: 600})}
	m.matchAll()

	require.Len(t, games.created, 1)
	assert.Equal(t, *wanted, games.created[0].tc)
}

func TestMatchRequeuesPairOnCreateFailure(t *testing.T) {
	q := newFakeQueue()
	games := &fakeGames{failNext: true}
	m := New(q, games, "channel:queue")

	q.entries = []models.QueueEntry{entryFor("a", nil), entryFor("b", nil)}
	m.matchAll()

	// First pass fails and puts both back; the loop then retries the same
	// pair and succeeds.
	require.Len(t, games.created, 1)
	assert.Equal(t, "a", games.created[0].white.UserID)
	assert.Empty(t, q.entries)
}

func TestRemainingPlayersGetPositionUpdates(t *testing.T) {
	q := newFakeQueue()
	m := New(q, &fakeGames{}, "channel:queue")

	q.entries = []models.QueueEntry{
		entryFor("a", nil), entryFor("b", nil),
		entryFor("c", nil), entryFor("d", nil),
		entryFor("e", nil),
	}
	m.matchAll()

	// a-b and c-d are paired; e's latest update puts them at the head.
	positions := map[string]int{}
	for _, n := range q.notices {
		var f protocol.QueuedFrame
		require.NoError(t, json.Unmarshal(n.Frame, &f))
		if f.Type == protocol.ServerQueued {
			positions[n.UserID] = f.Position
		}
	}
	assert.Equal(t, 1, positions["e"])
	_, matchedGotUpdate := positions["a"]
	assert.False(t, matchedGotUpdate)
}

func TestMatchAllDrainsQueue(t *testing.T) {
	q := newFakeQueue()
	games := &fakeGames{}
	m := New(q, games, "channel:queue")

	q.entries = []models.QueueEntry{
		entryFor("a", nil), entryFor("b", nil),
		entryFor("c", nil), entryFor("d", nil),
	}
	m.matchAll()

	require.Len(t, games.created, 2)
	assert.Equal(t, "c", games.created[1].white.UserID)
	assert.Equal(t, "d", games.created[1].black.UserID)
	assert.Empty(t, q.entries)
}
