package arena

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
)

const roomIDLen = 8

const roomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Store is the in-memory room registry. Room deletion is deferred through a
// per-room grace timer so a brief disconnect does not destroy the game.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	grace    time.Duration
	onDelete func(roomID string)
}

// NewStore builds an empty registry whose abandoned rooms are reaped after
// the given grace period.
func NewStore(grace time.Duration) *Store {
	return &Store{
		rooms: make(map[string]*Room),
		grace: grace,
	}
}

// SetOnDelete registers a callback invoked after a room has been removed,
// outside any room lock.
func (s *Store) SetOnDelete(fn func(roomID string)) {
	s.onDelete = fn
}

// Create registers a fresh open room with a unique short id. A non-empty
// ownerID takes the first player slot immediately; the owner's connection
// reattaches to it when they join over the socket.
func (s *Store) Create(ownerID, ownerName string, tc TimeControl, private bool) *Room {
	room := &Room{
		Status:       StatusOpen,
		Private:      private,
		CreatedAt:    time.Now(),
		OwnerName:    ownerName,
		TimeControl:  tc,
		Game:         rules.NewGame(),
		Usernames:    make(map[string]string),
		DrawVotes:    make(map[string]struct{}),
		RematchVotes: make(map[string]struct{}),
		Scores:       make(map[string]float64),
		conns:        make(map[string]*Session),
	}
	if ownerID != "" {
		room.Players = append(room.Players, ownerID)
		room.Usernames[ownerID] = ownerName
		room.Scores[ownerID] = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 10; i++ {
		id := randomRoomID()
		if _, taken := s.rooms[id]; !taken {
			room.ID = id
			break
		}
	}
	if room.ID == "" {
		room.ID = randomRoomID() + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	s.rooms[room.ID] = room
	return room
}

// Get looks a room up by id.
func (s *Store) Get(id string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

// Rooms snapshots the current room set.
func (s *Store) Rooms() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Delete removes a room. Removing an unknown id is a no-op.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.rooms[id]
	delete(s.rooms, id)
	s.mu.Unlock()
	if ok && s.onDelete != nil {
		s.onDelete(id)
	}
	return ok
}

// ScheduleDelete (re)starts the room's deletion grace timer. The caller must
// hold the room lock. If a connection arrives before the timer fires the
// deletion is abandoned.
func (s *Store) ScheduleDelete(r *Room) {
	if r.deleteTimer != nil {
		r.deleteTimer.Stop()
	}
	id := r.ID
	r.deleteTimer = time.AfterFunc(s.grace, func() {
		r.mu.Lock()
		empty := len(r.conns) == 0
		r.mu.Unlock()
		if !empty {
			return
		}
		if s.Delete(id) {
			obslog.L().Info("room_reaped", zap.String("room_id", id))
		}
	})
}

// CancelDelete stops a pending deletion, if any. The caller must hold the
// room lock.
func (s *Store) CancelDelete(r *Room) {
	if r.deleteTimer != nil {
		r.deleteTimer.Stop()
		r.deleteTimer = nil
	}
}

func randomRoomID() string {
	max := big.NewInt(int64(len(roomIDAlphabet)))
	buf := make([]byte, roomIDLen)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			n = big.NewInt(time.Now().UnixNano() % int64(len(roomIDAlphabet)))
		}
		buf[i] = roomIDAlphabet[n.Int64()]
	}
	return string(buf)
}
