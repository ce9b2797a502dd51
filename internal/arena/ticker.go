package arena

import (
	"context"
	"time"
)

// RunClockScan sweeps every live game on each tick and concludes the ones
// whose running side has flagged. Flag fall is therefore detected within one
// tick interval even when neither player sends another message.
func (h *Handler) RunClockScan(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.scanClocks(ctx)
		}
	}
}

func (h *Handler) scanClocks(ctx context.Context) {
	for _, room := range h.store.Rooms() {
		room.mu.Lock()
		if room.Status == StatusPlaying && !room.Concluded &&
			room.Clock != nil && room.Clock.Flagged(h.now()) {
			loser := colorOfSide(room.Clock.Running)
			room.Clock.Flag()
			h.concludeLocked(ctx, room, Result{Winner: loser.Opponent(), Cause: CauseFlagFall})
		}
		room.mu.Unlock()
	}
}
