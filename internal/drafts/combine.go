package drafts

import (
	"fmt"
	"strings"
)

// A placement is two '/'-separated ranks, back rank first, files a through h,
// written in lowercase from the owner's side: e.g. "rnbqkbnr/pppppppp" is
// the classical setup. Digits stand for empty squares, FEN style.

// Combine assembles a full starting FEN from the white and black players'
// placements. Black's half occupies ranks 8 and 7 as written; white's half
// is uppercased onto ranks 2 and 1. Castling rights are dropped: drafted
// positions make no home-square guarantee.
func Combine(whitePlacement, blackPlacement string) (string, error) {
	whiteBack, whiteFront, err := splitPlacement(whitePlacement)
	if err != nil {
		return "", fmt.Errorf("white: %w", err)
	}
	blackBack, blackFront, err := splitPlacement(blackPlacement)
	if err != nil {
		return "", fmt.Errorf("black: %w", err)
	}

	board := strings.Join([]string{
		blackBack,
		blackFront,
		"8", "8", "8", "8",
		strings.ToUpper(whiteFront),
		strings.ToUpper(whiteBack),
	}, "/")
	return board + " w - - 0 1", nil
}

func splitPlacement(placement string) (back, front string, err error) {
	parts := strings.Split(strings.TrimSpace(placement), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: want 2 ranks, got %d", ErrBadPlacement, len(parts))
	}
	back, front = parts[0], parts[1]
	kings := 0
	for i, rank := range parts {
		files := 0
		for _, r := range rank {
			switch {
			case r >= '1' && r <= '8':
				files += int(r - '0')
			case strings.ContainsRune("kqrbnp", r):
				files++
				if r == 'k' {
					kings++
				}
				if r == 'p' && i == 0 {
					return "", "", fmt.Errorf("%w: pawn on back rank", ErrBadPlacement)
				}
			default:
				return "", "", fmt.Errorf("%w: bad piece %q", ErrBadPlacement, r)
			}
		}
		if files != 8 {
			return "", "", fmt.Errorf("%w: rank %q spans %d files", ErrBadPlacement, rank, files)
		}
	}
	if kings != 1 {
		return "", "", fmt.Errorf("%w: want exactly 1 king, got %d", ErrBadPlacement, kings)
	}
	return back, front, nil
}
