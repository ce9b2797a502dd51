// Package clock implements the authoritative chess clock: pure time
// accounting over a clock value, with no knowledge of rooms or connections.
package clock

import "time"

// Side identifies whose clock is running.
type Side string

const (
	White Side = "white"
	Black Side = "black"
	None  Side = "none"
)

// Opponent returns the other playing side. None maps to None.
func (s Side) Opponent() Side {
	switch s {
	case White:
		return Black
	case Black:
		return White
	}
	return None
}

// State is the stored clock value for one game. Invariant: Running != None
// iff LastStart is non-zero. The true remaining time for the running side is
// the stored value minus the elapsed time since LastStart.
type State struct {
	InitialMs   int64
	IncrementMs int64
	WhiteMs     int64
	BlackMs     int64
	Running     Side
	LastStart   time.Time
}

// New returns a stopped clock initialised from a minutes-per-side /
// increment-seconds time control.
func New(minutesPerSide, incrementSec int) *State {
	initial := int64(minutesPerSide) * 60 * 1000
	return &State{
		InitialMs:   initial,
		IncrementMs: int64(incrementSec) * 1000,
		WhiteMs:     initial,
		BlackMs:     initial,
		Running:     None,
	}
}

// Start begins running the clock for side at now. Starting an already
// running clock only switches the running side.
func (s *State) Start(side Side, now time.Time) {
	if side != White && side != Black {
		return
	}
	s.Running = side
	s.LastStart = now
}

// Freeze stops the clock without charging any further elapsed time.
func (s *State) Freeze() {
	s.Running = None
	s.LastStart = time.Time{}
}

// Remaining reports the displayable remaining time for side at now,
// clamped at zero. For the non-running side this is the stored value.
func (s *State) Remaining(side Side, now time.Time) int64 {
	ms := s.stored(side)
	if s.Running == side && !s.LastStart.IsZero() {
		ms -= now.Sub(s.LastStart).Milliseconds()
	}
	if ms < 0 {
		return 0
	}
	return ms
}

// Flagged reports whether the running side's remaining time has reached
// zero at now. A stopped clock never flags.
func (s *State) Flagged(now time.Time) bool {
	if s.Running == None {
		return false
	}
	return s.Remaining(s.Running, now) <= 0
}

// ApplyMove charges the running side for the time elapsed since LastStart,
// credits the increment, and reports whether the mover flagged. When the
// mover survives, the clock flips to the opponent and restarts at now;
// on a flag the mover's time is zeroed and the clock frozen by the caller's
// conclusion path (ApplyMove itself only freezes the value).
func (s *State) ApplyMove(now time.Time) (flagged bool) {
	if s.Running == None {
		return false
	}
	elapsed := now.Sub(s.LastStart).Milliseconds()
	rem := s.stored(s.Running) - elapsed
	if rem <= 0 {
		s.setStored(s.Running, 0)
		s.Freeze()
		return true
	}
	s.setStored(s.Running, rem+s.IncrementMs)
	s.Running = s.Running.Opponent()
	s.LastStart = now
	return false
}

// Flag zeroes the running side's remaining time and freezes the clock. It is
// the conclusion path for a flag detected between moves.
func (s *State) Flag() {
	if s.Running == None {
		return
	}
	s.setStored(s.Running, 0)
	s.Freeze()
}

// Snapshot is the wire form of a clock, remaining times resolved at a
// fixed instant so clients can render without clock drift math.
type Snapshot struct {
	WhiteMs     int64 `json:"whiteMs"`
	BlackMs     int64 `json:"blackMs"`
	Running     Side  `json:"running"`
	LastStartTs int64 `json:"lastStartTs,omitempty"`
	InitialMs   int64 `json:"initialMs"`
	IncrementMs int64 `json:"incrementMs"`
}

// Snapshot resolves the clock at now.
func (s *State) Snapshot(now time.Time) *Snapshot {
	snap := &Snapshot{
		WhiteMs:     s.Remaining(White, now),
		BlackMs:     s.Remaining(Black, now),
		Running:     s.Running,
		InitialMs:   s.InitialMs,
		IncrementMs: s.IncrementMs,
	}
	if !s.LastStart.IsZero() {
		snap.LastStartTs = s.LastStart.UnixMilli()
	}
	return snap
}

func (s *State) stored(side Side) int64 {
	if side == White {
		return s.WhiteMs
	}
	return s.BlackMs
}

func (s *State) setStored(side Side, ms int64) {
	if side == White {
		s.WhiteMs = ms
		return
	}
	s.BlackMs = ms
}
