// Package rules wraps the move-legality and termination oracle behind the
// narrow interface the session core needs. The core never touches the
// underlying library directly.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrBadSquare   = errors.New("unparsable move coordinates")
)

// Color identifies a chess side on the wire and in room bookkeeping.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Game is a live position plus move history.
type Game struct {
	game *nchess.Game
}

// NewGame starts from the canonical initial position.
func NewGame() *Game {
	return &Game{game: nchess.NewGame()}
}

// NewGameFromFEN starts from an arbitrary position.
func NewGameFromFEN(fen string) (*Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return &Game{game: nchess.NewGame(option)}, nil
}

// SideToMove reports whose turn it is.
func (g *Game) SideToMove() Color {
	if g.game.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

// ApplyMove validates and plays a move given as origin/destination squares
// plus an optional promotion piece letter (q, r, b, n). The returned string
// is the normalized UCI form of the move actually played.
func (g *Game) ApplyMove(from, to, promotion string) (string, error) {
	uci, err := uciString(from, to, promotion)
	if err != nil {
		return "", err
	}
	pos := g.game.Position()
	move, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	if err := g.game.Move(move, nil); err != nil {
		return "", fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	return uci, nil
}

// CheckMove validates a move without playing it, returning the normalized
// UCI form when it is legal in the current position.
func (g *Game) CheckMove(from, to, promotion string) (string, error) {
	uci, err := uciString(from, to, promotion)
	if err != nil {
		return "", err
	}
	pos := g.game.Position()
	move, err := (nchess.UCINotation{}).Decode(pos, uci)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	for _, valid := range pos.ValidMoves() {
		if valid.S1() == move.S1() && valid.S2() == move.S2() && valid.Promo() == move.Promo() {
			return uci, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrIllegalMove, uci)
}

// LegalMoves returns every legal move in the current position in UCI form.
func (g *Game) LegalMoves() []string {
	pos := g.game.Position()
	valid := g.game.ValidMoves()
	notation := nchess.UCINotation{}
	out := make([]string, 0, len(valid))
	for i := range valid {
		out = append(out, strings.ToLower(notation.Encode(pos, &valid[i])))
	}
	return out
}

// IsCheckmate reports whether the side to move has been mated.
func (g *Game) IsCheckmate() bool {
	return g.game.Outcome() != nchess.NoOutcome && g.game.Method() == nchess.Checkmate
}

// IsStalemate reports whether the side to move is stalemated.
func (g *Game) IsStalemate() bool {
	return g.game.Outcome() == nchess.Draw && g.game.Method() == nchess.Stalemate
}

// IsInsufficientMaterial reports a dead position draw.
func (g *Game) IsInsufficientMaterial() bool {
	return g.game.Outcome() == nchess.Draw && g.game.Method() == nchess.InsufficientMaterial
}

// FEN serializes the current position.
func (g *Game) FEN() string {
	return g.game.FEN()
}

func uciString(from, to, promotion string) (string, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if !validSquare(from) || !validSquare(to) {
		return "", ErrBadSquare
	}
	promo := strings.ToLower(strings.TrimSpace(promotion))
	switch promo {
	case "", "q", "r", "b", "n":
	case "queen", "rook", "bishop", "knight":
		promo = promo[:1]
		if promo == "k" { // knight
			promo = "n"
		}
	default:
		return "", ErrBadSquare
	}
	return from + to + promo, nil
}

func validSquare(sq string) bool {
	if len(sq) != 2 {
		return false
	}
	return sq[0] >= 'a' && sq[0] <= 'h' && sq[1] >= '1' && sq[1] <= '8'
}
