// Package drafts resolves the combined starting position for a pairing:
// each player authors a two-rank half-board setup ("draft"), and a game
// between two players starts from both halves assembled into one FEN.
package drafts

import (
	"context"
	"errors"
)

var (
	ErrNoActiveDraft = errors.New("player has no active draft")
	ErrBadPlacement  = errors.New("invalid draft placement")
)

// PositionProvider looks up the combined starting position for a pairing.
// It fails when either player lacks an active draft; callers fall back to
// the canonical start position.
type PositionProvider interface {
	CombinedFEN(ctx context.Context, whiteID, blackID string) (string, error)
}
