package drafts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository reads player drafts from Postgres. Draft authoring (the CRUD
// side) lives in another service; this side only resolves active drafts
// into starting positions.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) activePlacement(ctx context.Context, userID string) (string, error) {
	const q = `SELECT placement FROM drafts
		WHERE user_id = $1 AND active
		ORDER BY updated_at DESC LIMIT 1`
	var placement string
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&placement)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNoActiveDraft, userID)
	}
	if err != nil {
		return "", err
	}
	return placement, nil
}

// CombinedFEN assembles the starting position for whiteID vs blackID from
// both players' active drafts.
func (r *Repository) CombinedFEN(ctx context.Context, whiteID, blackID string) (string, error) {
	white, err := r.activePlacement(ctx, whiteID)
	if err != nil {
		return "", err
	}
	black, err := r.activePlacement(ctx, blackID)
	if err != nil {
		return "", err
	}
	return Combine(white, black)
}
