package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
)

func ban(uci string) protocol.Action  { return protocol.Action{Kind: protocol.KindBan, UCI: uci} }
func move(uci string) protocol.Action { return protocol.Action{Kind: protocol.KindMove, UCI: uci} }

func TestOpeningBanThenMove(t *testing.T) {
	g := New()
	assert.Equal(t, protocol.InitialFEN, g.FEN())

	actor, kind := g.NextActor()
	assert.Equal(t, models.Black, actor)
	assert.Equal(t, protocol.KindBan, kind)

	res, err := g.Apply(ban("e2e4"))
	require.NoError(t, err)
	assert.Nil(t, res.Terminal)
	assert.Equal(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1 b:e2e4", res.FENAfter)

	actor, kind = g.NextActor()
	assert.Equal(t, models.White, actor)
	assert.Equal(t, protocol.KindMove, kind)

	// The banned move is refused.
	_, err = g.Apply(move("e2e4"))
	assert.ErrorIs(t, err, ErrIllegalAction)

	res, err = g.Apply(move("d2d4"))
	require.NoError(t, err)
	assert.Equal(t, "d4", res.SAN)
	assert.Equal(t, 1, g.MoveCount())
	assert.Len(t, g.History(), 2)

	// White now owes Black's move its ban.
	actor, kind = g.NextActor()
	assert.Equal(t, models.White, actor)
	assert.Equal(t, protocol.KindBan, kind)
	assert.Contains(t, g.FEN(), "w:ban")
}

func TestBanThenMoveCycle(t *testing.T) {
	g := New()
	seq := []protocol.Action{
		ban("e2e4"), move("d2d4"),
		ban("e7e5"), move("d7d5"),
		ban("c1f4"), move("g1f3"),
		ban("g8f6"), move("b8c6"),
	}
	for i, a := range seq {
		_, err := g.Apply(a)
		require.NoError(t, err, "action %d (%s %s)", i, a.Kind, a.UCI)
	}
	assert.Equal(t, 4, g.MoveCount())
	assert.False(t, g.GameOver())

	// Out-of-phase submissions are rejected at every step.
	_, err := g.Apply(move("e2e4"))
	assert.ErrorIs(t, err, ErrIllegalAction)
}

func TestBanMustNameLegalMove(t *testing.T) {
	g := New()
	_, err := g.Apply(ban("e2e5")) // pawns don't jump three
	assert.ErrorIs(t, err, ErrIllegalAction)
	_, err = g.Apply(ban("e7e5")) // black cannot ban its own move
	assert.ErrorIs(t, err, ErrIllegalAction)
}

func TestBanCoversAllPromotions(t *testing.T) {
	g, err := FromFEN("7k/P7/8/8/8/8/8/7K w - - 0 1 b:a7a8")
	require.NoError(t, err)
	assert.Equal(t, "a7a8", g.BannedMove())

	_, err = g.Apply(move("a7a8q"))
	assert.ErrorIs(t, err, ErrIllegalAction)
	_, err = g.Apply(move("a7a8n"))
	assert.ErrorIs(t, err, ErrIllegalAction)

	_, err = g.Apply(move("h1h2"))
	require.NoError(t, err)
}

func TestImmediateCheckmateWithSingleEscape(t *testing.T) {
	// Black is in check with exactly one legal move (Kh7). The pending ban
	// removes it, so the game is over before White even issues the ban.
	g, err := FromFEN("R6k/8/5K2/8/8/8/8/8 b - - 0 1 w:ban")
	require.NoError(t, err)
	require.True(t, g.GameOver())
	require.NotNil(t, g.Terminal())
	assert.Equal(t, TerminalCheckmate, g.Terminal().Kind)
	assert.Equal(t, models.Black, g.Terminal().Loser)
	assert.Equal(t, models.ResultWhiteWinsCheckmate, ResultString(g.Terminal()))

	_, err = g.Apply(ban("h8h7"))
	assert.ErrorIs(t, err, ErrGameOver)
}

func TestImmediateCheckmateCountsBannableSquarePairs(t *testing.T) {
	// White is in check by the rook on c8 and every escape is a promotion of
	// b7xc8. One ban covers all four promotions, so this is mate even though
	// four raw moves are legal.
	g, err := FromFEN("2r4K/1P6/4n3/k7/8/8/2b5/8 w - - 0 1 b:ban")
	require.NoError(t, err)
	require.True(t, g.GameOver())
	require.NotNil(t, g.Terminal())
	assert.Equal(t, TerminalCheckmate, g.Terminal().Kind)
	assert.Equal(t, models.White, g.Terminal().Loser)
	assert.Equal(t, models.ResultBlackWinsCheckmate, ResultString(g.Terminal()))

	_, err = g.Apply(ban("b7c8"))
	assert.ErrorIs(t, err, ErrGameOver)
}

func TestInCheckWithTwoEscapesIsNotMate(t *testing.T) {
	// Same check but the king has two flight squares; one survives any ban.
	g, err := FromFEN("R6k/8/8/5K2/8/8/8/8 b - - 0 1 w:ban")
	require.NoError(t, err)
	assert.False(t, g.GameOver())

	_, err = g.Apply(ban("h8h7"))
	require.NoError(t, err)
	res, err := g.Apply(move("h8g7"))
	require.NoError(t, err)
	assert.Nil(t, res.Terminal)
}

func TestStalemateByBanningOnlyMove(t *testing.T) {
	// Black has exactly one legal move and is not in check. Banning it
	// leaves no moves: stalemate.
	g, err := FromFEN("k7/8/1K6/8/8/8/8/7R b - - 0 1 w:ban")
	require.NoError(t, err)
	require.False(t, g.GameOver())

	kind, list := g.LegalActions()
	assert.Equal(t, protocol.KindBan, kind)
	assert.Equal(t, []string{"a8b8"}, list)

	res, err := g.Apply(ban("a8b8"))
	require.NoError(t, err)
	require.NotNil(t, res.Terminal)
	assert.Equal(t, TerminalStalemate, res.Terminal.Kind)
	assert.Equal(t, models.ResultDrawStalemate, ResultString(res.Terminal))
}

func TestStandardStalemateDetected(t *testing.T) {
	g, err := FromFEN("7k/8/6Q1/6K1/8/8/8/8 b - - 0 1 w:ban")
	require.NoError(t, err)
	require.True(t, g.GameOver())
	assert.Equal(t, TerminalStalemate, g.Terminal().Kind)
}

func TestLegalActionsExcludeBannedPair(t *testing.T) {
	g := New()
	_, err := g.Apply(ban("g1f3"))
	require.NoError(t, err)

	kind, list := g.LegalActions()
	assert.Equal(t, protocol.KindMove, kind)
	assert.NotContains(t, list, "g1f3")
	assert.Contains(t, list, "g1h3")
	assert.Contains(t, list, "e2e4")
	assert.Len(t, list, 19) // 20 opening moves minus the ban
}

func TestBanCandidatesCollapsePromotions(t *testing.T) {
	// White pawn on a7: four promotion moves, one bannable pair.
	g, err := FromFEN("7k/P7/8/8/8/8/8/7K w - - 0 1 b:ban")
	require.NoError(t, err)
	kind, list := g.LegalActions()
	assert.Equal(t, protocol.KindBan, kind)
	count := 0
	for _, pair := range list {
		assert.Len(t, pair, 4)
		if pair == "a7a8" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestReplayEquivalence(t *testing.T) {
	g := New()
	seq := []protocol.Action{
		ban("e2e4"), move("d2d4"),
		ban("d7d5"), move("g8f6"),
		ban("c1g5"), move("c2c4"),
	}
	var bcn []string
	for _, a := range seq {
		_, err := g.Apply(a)
		require.NoError(t, err)
		s, err := protocol.EncodeBCN(a)
		require.NoError(t, err)
		bcn = append(bcn, s)
	}

	replayed, err := Replay(bcn)
	require.NoError(t, err)
	assert.Equal(t, g.FEN(), replayed.FEN())
	assert.Equal(t, g.MoveCount(), replayed.MoveCount())
	assert.Equal(t, g.History(), replayed.History())
}

func TestReplayReportsFailingIndex(t *testing.T) {
	_, err := Replay([]string{"b:e2e4", "m:e2e4"})
	require.Error(t, err)
	var re *ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.Index)
	assert.ErrorIs(t, re, ErrIllegalAction)
}

func TestFromFENValidation(t *testing.T) {
	// Missing ban field.
	_, err := FromFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1")
	assert.ErrorIs(t, err, ErrInvalidPosition)

	// Banner equals side to move.
	_, err = FromFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1 w:ban")
	assert.ErrorIs(t, err, ErrInvalidPosition)

	// Issued ban that is not a legal move here.
	_, err = FromFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1 b:e2e5")
	assert.ErrorIs(t, err, ErrInvalidPosition)

	// Round trip through FEN.
	g := New()
	_, err = g.Apply(ban("e2e4"))
	require.NoError(t, err)
	restored, err := FromFEN(g.FEN())
	require.NoError(t, err)
	assert.Equal(t, g.FEN(), restored.FEN())
	assert.Equal(t, "e2e4", restored.BannedMove())
}

func TestPGNRecordsMovesOnly(t *testing.T) {
	g := New()
	_, err := g.Apply(ban("e2e4"))
	require.NoError(t, err)
	_, err = g.Apply(move("d2d4"))
	require.NoError(t, err)
	pgn := g.PGN()
	assert.Contains(t, pgn, "d4")
	assert.NotContains(t, pgn, "e2e4")
}

func TestInCheckDetection(t *testing.T) {
	g, err := FromFEN("R6k/8/8/5K2/8/8/8/8 b - - 0 1 w:ban")
	require.NoError(t, err)
	assert.True(t, g.InCheck())

	assert.False(t, New().InCheck())
}
