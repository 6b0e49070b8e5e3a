// Package protocol defines the client/server frame schema, Ban-Chess
// Notation and FEN helpers shared by the server subsystems.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ActionKind discriminates the two half-action kinds.
type ActionKind string

const (
	KindMove ActionKind = "move"
	KindBan  ActionKind = "ban"
)

var ErrBadBCN = errors.New("malformed BCN action")

// Action is one half-action. UCI is from+to (+promotion letter for moves),
// e.g. "e2e4" or "e7e8q".
type Action struct {
	Kind ActionKind
	UCI  string
}

// EncodeBCN serializes an action as "m:<uci>" or "b:<uci>".
func EncodeBCN(a Action) (string, error) {
	if err := validateUCI(a.UCI, a.Kind == KindMove); err != nil {
		return "", err
	}
	switch a.Kind {
	case KindMove:
		return "m:" + a.UCI, nil
	case KindBan:
		return "b:" + a.UCI, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrBadBCN, a.Kind)
}

// DecodeBCN parses a single BCN string.
func DecodeBCN(s string) (Action, error) {
	prefix, uci, ok := strings.Cut(s, ":")
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrBadBCN, s)
	}
	var kind ActionKind
	switch prefix {
	case "m":
		kind = KindMove
	case "b":
		kind = KindBan
	default:
		return Action{}, fmt.Errorf("%w: prefix %q", ErrBadBCN, prefix)
	}
	if err := validateUCI(uci, kind == KindMove); err != nil {
		return Action{}, err
	}
	return Action{Kind: kind, UCI: uci}, nil
}

// DecodeHistory parses an ordered BCN sequence, reporting the index of the
// first malformed entry.
func DecodeHistory(history []string) ([]Action, error) {
	actions := make([]Action, 0, len(history))
	for i, s := range history {
		a, err := DecodeBCN(s)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// validateUCI checks from+to square syntax. Promotion suffixes are only
// legal on moves; bans name the move by its squares alone.
func validateUCI(uci string, allowPromo bool) error {
	switch len(uci) {
	case 4:
	case 5:
		if !allowPromo {
			return fmt.Errorf("%w: ban may not carry promotion %q", ErrBadBCN, uci)
		}
		if !strings.ContainsRune("qrbn", rune(uci[4])) {
			return fmt.Errorf("%w: promotion %q", ErrBadBCN, uci[4:])
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadBCN, uci)
	}
	if !validSquare(uci[0:2]) || !validSquare(uci[2:4]) {
		return fmt.Errorf("%w: %q", ErrBadBCN, uci)
	}
	return nil
}

func validSquare(sq string) bool {
	return sq[0] >= 'a' && sq[0] <= 'h' && sq[1] >= '1' && sq[1] <= '8'
}
