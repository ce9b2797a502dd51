package arena

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/obslog"
)

// serializeLobby lists every public room that is open or playing, newest
// first. It takes each room lock briefly, so callers must not hold one.
func (h *Handler) serializeLobby() []LobbyRoom {
	rooms := h.store.Rooms()
	out := make([]LobbyRoom, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if r.Private || (r.Status != StatusOpen && r.Status != StatusPlaying) {
			r.mu.Unlock()
			continue
		}
		row := LobbyRoom{
			RoomID:      r.ID,
			OwnerName:   r.OwnerName,
			CreatedAt:   r.CreatedAt,
			Status:      r.Status,
			TimeControl: r.TimeControl,
		}
		if r.Status == StatusPlaying {
			for _, p := range r.Players {
				row.Players = append(row.Players, r.Usernames[p])
			}
		}
		r.mu.Unlock()
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// BroadcastLobby pushes a fresh lobby snapshot to every subscriber.
func (h *Handler) BroadcastLobby(ctx context.Context) {
	snapshot := LobbyMessage{Type: MsgLobby, Rooms: h.serializeLobby()}

	h.mu.Lock()
	subs := make([]Conn, 0, len(h.lobby))
	for _, c := range h.lobby {
		subs = append(subs, c)
	}
	h.mu.Unlock()

	for _, c := range subs {
		if err := c.Send(ctx, snapshot); err != nil {
			obslog.L().Debug("lobby_send_failed", zap.String("conn_id", c.ID()), zap.Error(err))
		}
	}
}
