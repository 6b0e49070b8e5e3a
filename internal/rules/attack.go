package rules

import "github.com/notnil/chess"

// The chess library decides checkmate and stalemate for us but does not
// export an in-check predicate for positions that still have legal moves,
// which the ban phase needs. This file scans the board directly.

// isInCheck reports whether the side to move's king is attacked.
func isInCheck(pos *chess.Position) bool {
	board := pos.Board().SquareMap()
	us := pos.Turn()
	var kingSq chess.Square = chess.NoSquare
	for sq, piece := range board {
		if piece.Type() == chess.King && piece.Color() == us {
			kingSq = sq
			break
		}
	}
	if kingSq == chess.NoSquare {
		return false
	}
	return squareAttacked(board, kingSq, us.Other())
}

// squareAttacked reports whether any piece of the given color attacks sq.
func squareAttacked(board map[chess.Square]chess.Piece, sq chess.Square, by chess.Color) bool {
	file := int(sq) % 8
	rank := int(sq) / 8

	at := func(f, r int) (chess.Piece, bool) {
		if f < 0 || f > 7 || r < 0 || r > 7 {
			return chess.NoPiece, false
		}
		p, ok := board[chess.Square(r*8+f)]
		return p, ok
	}

	// Knights.
	knightOffsets := [8][2]int{{1, 2}, {2, 1}, {2, -1}, {1, -2}, {-1, -2}, {-2, -1}, {-2, 1}, {-1, 2}}
	for _, o := range knightOffsets {
		if p, ok := at(file+o[0], rank+o[1]); ok && p.Color() == by && p.Type() == chess.Knight {
			return true
		}
	}

	// Pawns. A white pawn attacks upward, so it sits one rank below sq.
	pawnRank := rank - 1
	if by == chess.Black {
		pawnRank = rank + 1
	}
	for _, df := range [2]int{-1, 1} {
		if p, ok := at(file+df, pawnRank); ok && p.Color() == by && p.Type() == chess.Pawn {
			return true
		}
	}

	// Adjacent king.
	for df := -1; df <= 1; df++ {
		for dr := -1; dr <= 1; dr++ {
			if df == 0 && dr == 0 {
				continue
			}
			if p, ok := at(file+df, rank+dr); ok && p.Color() == by && p.Type() == chess.King {
				return true
			}
		}
	}

	// Sliders.
	rookDirs := [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	bishopDirs := [4][2]int{{1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
	if slidingAttack(at, file, rank, rookDirs, by, chess.Rook) {
		return true
	}
	return slidingAttack(at, file, rank, bishopDirs, by, chess.Bishop)
}

func slidingAttack(at func(f, r int) (chess.Piece, bool), file, rank int, dirs [4][2]int, by chess.Color, slider chess.PieceType) bool {
	for _, d := range dirs {
		for f, r := file+d[0], rank+d[1]; f >= 0 && f <= 7 && r >= 0 && r <= 7; f, r = f+d[0], r+d[1] {
			p, ok := at(f, r)
			if !ok {
				continue
			}
			if p.Color() == by && (p.Type() == slider || p.Type() == chess.Queen) {
				return true
			}
			break // blocked
		}
	}
	return false
}
