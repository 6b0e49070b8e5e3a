// Package rules wraps the chess library with the ban-chess turn cycle:
// every move is preceded by the opponent banning one otherwise-legal move,
// encoded as a 7th FEN field.
package rules

import (
	"errors"
	"fmt"

	"github.com/notnil/chess"

	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
)

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrIllegalAction   = errors.New("illegal action")
	ErrGameOver        = errors.New("game is over")
)

// ReplayError reports the first history entry that failed to apply.
type ReplayError struct {
	Index int
	Err   error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay failed at action %d: %v", e.Index, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// TerminalKind enumerates the rules-level game endings.
type TerminalKind string

const (
	TerminalCheckmate    TerminalKind = "checkmate"
	TerminalStalemate    TerminalKind = "stalemate"
	TerminalInsufficient TerminalKind = "insufficient"
	TerminalFifty        TerminalKind = "fifty"
	TerminalRepetition   TerminalKind = "repetition"
)

// Terminal describes a finished game. Loser is set for checkmate only.
type Terminal struct {
	Kind  TerminalKind
	Loser models.PlayerColor
}

// Result is the outcome of one successfully applied half-action.
type Result struct {
	SAN      string // moves only
	FENAfter string
	Terminal *Terminal
}

// Game holds one ban-chess position. The underlying library game carries the
// standard chess state; the ban phase is layered on top.
type Game struct {
	inner       *chess.Game
	awaitingBan bool   // opponent of side-to-move must issue a ban
	pendingBan  string // issued ban (4-char uci) the mover must avoid
	terminal    *Terminal
	moveCount   int
	history     []protocol.Action
}

// New returns the starting position: Black bans first.
func New() *Game {
	g := &Game{
		inner:       chess.NewGame(chess.UseNotation(chess.UCINotation{})),
		awaitingBan: true,
	}
	return g
}

// FromFEN builds a game from an extended 7-field FEN. The ban field is
// mandatory; its color must be the opponent of the side to move.
func FromFEN(fen string) (*Game, error) {
	parts, err := protocol.SplitFEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	if parts.BanField == "" {
		return nil, fmt.Errorf("%w: missing ban field", ErrInvalidPosition)
	}
	banColor, banUCI, err := protocol.ParseBanField(parts.BanField)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	if banColor == parts.SideToMove {
		return nil, fmt.Errorf("%w: ban field color %q equals side to move", ErrInvalidPosition, banColor)
	}
	fenOpt, err := chess.FEN(parts.Standard())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	g := &Game{
		inner:       chess.NewGame(fenOpt, chess.UseNotation(chess.UCINotation{})),
		awaitingBan: banUCI == "",
		pendingBan:  banUCI,
	}
	if g.pendingBan != "" && !g.hasLegalMovePrefix(g.pendingBan) {
		return nil, fmt.Errorf("%w: banned move %s is not legal here", ErrInvalidPosition, banUCI)
	}
	g.detectTerminal()
	return g, nil
}

// Replay rebuilds a game by applying a BCN history from the initial position.
func Replay(history []string) (*Game, error) {
	actions, err := protocol.DecodeHistory(history)
	if err != nil {
		return nil, &ReplayError{Index: len(history), Err: err}
	}
	g := New()
	for i, a := range actions {
		if _, err := g.Apply(a); err != nil {
			return nil, &ReplayError{Index: i, Err: err}
		}
	}
	return g, nil
}

// FEN returns the extended 7-field FEN.
func (g *Game) FEN() string {
	banner := g.sideToMove().Opponent()
	field := protocol.BanFieldIssued(colorLetter(banner), g.pendingBan)
	if g.awaitingBan {
		field = protocol.BanFieldAwaiting(colorLetter(banner))
	}
	return g.inner.Position().String() + " " + field
}

// SideToMove is the color that will make the next move (even while its
// opponent still owes a ban).
func (g *Game) SideToMove() models.PlayerColor { return g.sideToMove() }

// NextActor returns who acts next and whether that action is a ban or move.
func (g *Game) NextActor() (models.PlayerColor, protocol.ActionKind) {
	if g.awaitingBan {
		return g.sideToMove().Opponent(), protocol.KindBan
	}
	return g.sideToMove(), protocol.KindMove
}

// BannedMove returns the issued ban's uci, or "" while a ban is pending.
func (g *Game) BannedMove() string { return g.pendingBan }

// GameOver reports whether a terminal state has been reached.
func (g *Game) GameOver() bool { return g.terminal != nil }

// Terminal returns the ending, or nil for a live game.
func (g *Game) Terminal() *Terminal { return g.terminal }

// InCheck reports whether the side to move is in check.
func (g *Game) InCheck() bool { return isInCheck(g.inner.Position()) }

// MoveCount is the number of applied move half-actions.
func (g *Game) MoveCount() int { return g.moveCount }

// History returns the applied actions in order.
func (g *Game) History() []protocol.Action {
	out := make([]protocol.Action, len(g.history))
	copy(out, g.history)
	return out
}

// PGN renders the move record (bans are not chess moves and are archived
// separately).
func (g *Game) PGN() string { return g.inner.String() }

// LegalActions returns the next action kind and its candidate list. Ban
// candidates are the mover's legal moves collapsed to from+to squares;
// move candidates exclude every promotion of the banned square pair.
func (g *Game) LegalActions() (protocol.ActionKind, []string) {
	if g.terminal != nil {
		return "", nil
	}
	if g.awaitingBan {
		seen := make(map[string]bool)
		var list []string
		for _, uci := range g.legalMoveUCIs() {
			pair := uci[:4]
			if !seen[pair] {
				seen[pair] = true
				list = append(list, pair)
			}
		}
		return protocol.KindBan, list
	}
	var list []string
	for _, uci := range g.legalMoveUCIs() {
		if uci[:4] != g.pendingBan {
			list = append(list, uci)
		}
	}
	return protocol.KindMove, list
}

// Apply plays one half-action. The returned Result carries the SAN (moves
// only), the position after, and a Terminal when the game just ended.
func (g *Game) Apply(action protocol.Action) (Result, error) {
	if g.terminal != nil {
		return Result{}, ErrGameOver
	}
	switch action.Kind {
	case protocol.KindBan:
		return g.applyBan(action.UCI)
	case protocol.KindMove:
		return g.applyMove(action.UCI)
	}
	return Result{}, fmt.Errorf("%w: unknown kind %q", ErrIllegalAction, action.Kind)
}

func (g *Game) applyBan(uci string) (Result, error) {
	if !g.awaitingBan {
		return Result{}, fmt.Errorf("%w: a move is expected, not a ban", ErrIllegalAction)
	}
	if len(uci) != 4 {
		return Result{}, fmt.Errorf("%w: ban %q must name from and to squares", ErrIllegalAction, uci)
	}
	if !g.hasLegalMovePrefix(uci) {
		return Result{}, fmt.Errorf("%w: %s is not a legal move to ban", ErrIllegalAction, uci)
	}
	g.awaitingBan = false
	g.pendingBan = uci
	g.history = append(g.history, protocol.Action{Kind: protocol.KindBan, UCI: uci})
	g.detectTerminal()
	return Result{FENAfter: g.FEN(), Terminal: g.terminal}, nil
}

func (g *Game) applyMove(uci string) (Result, error) {
	if g.awaitingBan {
		return Result{}, fmt.Errorf("%w: a ban is expected, not a move", ErrIllegalAction)
	}
	if len(uci) != 4 && len(uci) != 5 {
		return Result{}, fmt.Errorf("%w: %q", ErrIllegalAction, uci)
	}
	if uci[:4] == g.pendingBan {
		return Result{}, fmt.Errorf("%w: %s is banned", ErrIllegalAction, uci)
	}
	pos := g.inner.Position()
	var move *chess.Move
	notation := chess.UCINotation{}
	for _, m := range pos.ValidMoves() {
		if notation.Encode(pos, m) == uci {
			move = m
			break
		}
	}
	if move == nil {
		return Result{}, fmt.Errorf("%w: %s is not a legal move", ErrIllegalAction, uci)
	}
	san := chess.AlgebraicNotation{}.Encode(pos, move)
	if err := g.inner.Move(move); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrIllegalAction, err)
	}
	g.moveCount++
	g.pendingBan = ""
	g.awaitingBan = true
	g.history = append(g.history, protocol.Action{Kind: protocol.KindMove, UCI: uci})
	g.detectTerminal()
	return Result{SAN: san, FENAfter: g.FEN(), Terminal: g.terminal}, nil
}

// detectTerminal evaluates the position for an ending. In the ban phase the
// side to move is mated as soon as it is in check with at most one bannable
// square pair, because the pending ban removes the sole escape; this fires
// before any ban is legality-checked. A ban covers every promotion of its
// pair, so four promotions of one capture still count as a single escape.
func (g *Game) detectTerminal() {
	if g.terminal != nil {
		return
	}
	// Library-detected endings (checkmate, stalemate, forced draws).
	if g.inner.Outcome() != chess.NoOutcome {
		g.terminal = mapMethod(g.inner.Method(), g.sideToMove())
		if g.terminal != nil {
			return
		}
	}
	mover := g.sideToMove()
	legal := g.legalMoveUCIs()
	if g.awaitingBan {
		inCheck := isInCheck(g.inner.Position())
		pairs := make(map[string]bool, len(legal))
		for _, uci := range legal {
			pairs[uci[:4]] = true
		}
		switch {
		case inCheck && len(pairs) <= 1:
			g.terminal = &Terminal{Kind: TerminalCheckmate, Loser: mover}
		case !inCheck && len(pairs) == 0:
			g.terminal = &Terminal{Kind: TerminalStalemate}
		}
		return
	}
	// Ban issued: the mover must have a legal move outside the banned pair.
	remaining := 0
	for _, uci := range legal {
		if uci[:4] != g.pendingBan {
			remaining++
		}
	}
	if remaining == 0 {
		if isInCheck(g.inner.Position()) {
			g.terminal = &Terminal{Kind: TerminalCheckmate, Loser: mover}
		} else {
			g.terminal = &Terminal{Kind: TerminalStalemate}
		}
	}
}

func (g *Game) legalMoveUCIs() []string {
	pos := g.inner.Position()
	notation := chess.UCINotation{}
	moves := pos.ValidMoves()
	out := make([]string, 0, len(moves))
	for _, m := range moves {
		out = append(out, notation.Encode(pos, m))
	}
	return out
}

func (g *Game) hasLegalMovePrefix(pair string) bool {
	for _, uci := range g.legalMoveUCIs() {
		if uci[:4] == pair {
			return true
		}
	}
	return false
}

func (g *Game) sideToMove() models.PlayerColor {
	if g.inner.Position().Turn() == chess.White {
		return models.White
	}
	return models.Black
}

func colorLetter(c models.PlayerColor) string {
	if c == models.White {
		return "w"
	}
	return "b"
}

func mapMethod(method chess.Method, sideToMove models.PlayerColor) *Terminal {
	switch method {
	case chess.Checkmate:
		return &Terminal{Kind: TerminalCheckmate, Loser: sideToMove}
	case chess.Stalemate:
		return &Terminal{Kind: TerminalStalemate}
	case chess.InsufficientMaterial:
		return &Terminal{Kind: TerminalInsufficient}
	case chess.FiftyMoveRule, chess.SeventyFiveMoveRule:
		return &Terminal{Kind: TerminalFifty}
	case chess.ThreefoldRepetition, chess.FivefoldRepetition:
		return &Terminal{Kind: TerminalRepetition}
	}
	return nil
}

// ResultString renders a terminal as the client-facing result text.
func ResultString(t *Terminal) string {
	if t == nil {
		return ""
	}
	switch t.Kind {
	case TerminalCheckmate:
		if t.Loser == models.White {
			return models.ResultBlackWinsCheckmate
		}
		return models.ResultWhiteWinsCheckmate
	case TerminalStalemate:
		return models.ResultDrawStalemate
	case TerminalInsufficient:
		return models.ResultDrawInsufficient
	case TerminalFifty:
		return models.ResultDrawFiftyMoves
	case TerminalRepetition:
		return models.ResultDrawRepetition
	}
	return ""
}
