// Package arena is the real-time game session core: the room registry, the
// connection/role protocol, clock supervision, and the draw/resign/rematch
// negotiation state machine.
package arena

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/rules"
)

// Status is a room's lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Cause tags how a game ended.
type Cause string

const (
	CauseCheckmate            Cause = "checkmate"
	CauseStalemate            Cause = "stalemate"
	CauseInsufficientMaterial Cause = "insufficient-material"
	CauseResignation          Cause = "resignation"
	CauseDrawAgreement        Cause = "draw-agreement"
	CauseFlagFall             Cause = "flag-fall"
)

// Result is the closed outcome of a concluded game. Winner is empty for
// drawn causes.
type Result struct {
	Winner rules.Color `json:"winner,omitempty"`
	Cause  Cause       `json:"cause"`
}

// Drawn reports whether the result splits the point.
func (r Result) Drawn() bool { return r.Winner == "" }

// TimeControl is a minutes-per-side plus increment-seconds pair.
type TimeControl struct {
	Minutes      int `json:"minutes"`
	IncrementSec int `json:"incrementSec"`
}

// Move is a played or requested move. On the wire it is the compact array
// form [from, to] or [from, to, promotion].
type Move struct {
	From      string
	To        string
	Promotion string
}

func (m Move) MarshalJSON() ([]byte, error) {
	arr := []string{m.From, m.To}
	if m.Promotion != "" {
		arr = append(arr, m.Promotion)
	}
	return json.Marshal(arr)
}

func (m *Move) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 2 || len(arr) > 3 {
		return fmt.Errorf("move array has %d elements, want 2 or 3", len(arr))
	}
	m.From, m.To = arr[0], arr[1]
	if len(arr) == 3 {
		m.Promotion = arr[2]
	} else {
		m.Promotion = ""
	}
	return nil
}

// Room is one game session. All fields are guarded by mu, which handlers
// hold across the whole operation including the broadcasts derived from it.
type Room struct {
	mu sync.Mutex

	ID          string
	Status      Status
	Private     bool
	CreatedAt   time.Time
	OwnerName   string
	TimeControl TimeControl

	Game     *rules.Game
	LastMove *Move

	Players   []string // ordered join order, at most two
	Usernames map[string]string
	WhiteID   string
	BlackID   string

	Clock     *clock.State
	Concluded bool
	Result    *Result

	DrawVotes    map[string]struct{}
	RematchVotes map[string]struct{}
	Scores       map[string]float64

	conns       map[string]*Session
	deleteTimer *time.Timer
}

func (r *Room) hasPlayer(id string) bool {
	for _, p := range r.Players {
		if p == id {
			return true
		}
	}
	return false
}

func (r *Room) removePlayer(id string) {
	for i, p := range r.Players {
		if p == id {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			break
		}
	}
	delete(r.Usernames, id)
}

// colorOf returns the recorded color of a player id, or "" before colors
// are assigned.
func (r *Room) colorOf(id string) rules.Color {
	switch {
	case id != "" && id == r.WhiteID:
		return rules.White
	case id != "" && id == r.BlackID:
		return rules.Black
	}
	return ""
}

// playerByColor maps a recorded color back to a player id.
func (r *Room) playerByColor(c rules.Color) string {
	if c == rules.White {
		return r.WhiteID
	}
	return r.BlackID
}

func (r *Room) fen() string {
	if r.Game == nil {
		return ""
	}
	return r.Game.FEN()
}

func (r *Room) clearVotes() {
	r.DrawVotes = make(map[string]struct{})
	r.RematchVotes = make(map[string]struct{})
}

func votesToList(votes map[string]struct{}) []string {
	out := make([]string, 0, len(votes))
	for id := range votes {
		out = append(out, id)
	}
	return out
}
