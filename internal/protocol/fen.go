package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadFEN = errors.New("malformed FEN")

// InitialFEN is the ban-chess starting position: the standard start plus the
// 7th ban field saying Black must issue the opening ban.
const InitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1 b:ban"

// FENParts is the decomposition of an extended 7-field FEN. BanField holds
// the raw 7th field ("b:ban", "w:e2e4", ...); it is empty only for plain
// 6-field FEN, which the rules layer rejects.
type FENParts struct {
	Position   string
	SideToMove string // "w" or "b"
	Castling   string
	EPSquare   string
	Halfmove   int
	Fullmove   int
	BanField   string
}

// SplitFEN decomposes a 6- or 7-field FEN.
func SplitFEN(fen string) (FENParts, error) {
	fields := strings.Fields(fen)
	if len(fields) != 6 && len(fields) != 7 {
		return FENParts{}, fmt.Errorf("%w: %d fields", ErrBadFEN, len(fields))
	}
	if fields[1] != "w" && fields[1] != "b" {
		return FENParts{}, fmt.Errorf("%w: side to move %q", ErrBadFEN, fields[1])
	}
	halfmove, err := strconv.Atoi(fields[4])
	if err != nil || halfmove < 0 {
		return FENParts{}, fmt.Errorf("%w: halfmove clock %q", ErrBadFEN, fields[4])
	}
	fullmove, err := strconv.Atoi(fields[5])
	if err != nil || fullmove < 1 {
		return FENParts{}, fmt.Errorf("%w: fullmove number %q", ErrBadFEN, fields[5])
	}
	parts := FENParts{
		Position:   fields[0],
		SideToMove: fields[1],
		Castling:   fields[2],
		EPSquare:   fields[3],
		Halfmove:   halfmove,
		Fullmove:   fullmove,
	}
	if len(fields) == 7 {
		if _, _, err := ParseBanField(fields[6]); err != nil {
			return FENParts{}, err
		}
		parts.BanField = fields[6]
	}
	return parts, nil
}

// Standard returns the 6-field FEN with the ban field stripped.
func (p FENParts) Standard() string {
	return strings.Join([]string{
		p.Position, p.SideToMove, p.Castling, p.EPSquare,
		strconv.Itoa(p.Halfmove), strconv.Itoa(p.Fullmove),
	}, " ")
}

// ParseBanField splits a 7th field into the banning color ("w"/"b") and the
// banned move's UCI. An empty UCI means that color must still issue its ban.
func ParseBanField(field string) (color string, uci string, err error) {
	c, rest, ok := strings.Cut(field, ":")
	if !ok || (c != "w" && c != "b") {
		return "", "", fmt.Errorf("%w: ban field %q", ErrBadFEN, field)
	}
	if rest == "ban" {
		return c, "", nil
	}
	if err := validateUCI(rest, false); err != nil {
		return "", "", fmt.Errorf("%w: ban field %q", ErrBadFEN, field)
	}
	return c, rest, nil
}

// BanFieldAwaiting formats the field for "color must issue a ban next".
func BanFieldAwaiting(color string) string {
	return color + ":ban"
}

// BanFieldIssued formats the field for "color has banned uci; mover to move".
func BanFieldIssued(color, uci string) string {
	return color + ":" + uci
}
