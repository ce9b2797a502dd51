// Package ws is the transport edge: it upgrades sockets, pumps inbound
// frames into the session handler, and exposes the small HTTP surface for
// room creation and health checks.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/arena"
	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/obslog"
)

const sendTimeout = 5 * time.Second

// Server terminates websocket and HTTP traffic for the arena.
type Server struct {
	handler  *arena.Handler
	verifier auth.Verifier
	cfg      *config.AppConfig
}

func NewServer(handler *arena.Handler, verifier auth.Verifier, cfg *config.AppConfig) *Server {
	return &Server{handler: handler, verifier: verifier, cfg: cfg}
}

// Router builds the HTTP surface: the socket endpoint, room creation, and a
// liveness probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.serveWS)
	r.Post("/rooms", s.createRoom)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// wsConn adapts one accepted websocket to the session core's Conn. Writes
// are serialized; the read loop stays on the HTTP handler goroutine.
type wsConn struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.cfg.AllowedOrigins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Debug("ws_accept_failed", zap.Error(err))
		return
	}

	c := &wsConn{id: uuid.NewString(), conn: conn}
	obslog.L().Debug("ws_accepted", zap.String("conn_id", c.id))
	defer func() {
		s.handler.HandleDisconnect(context.Background(), c)
		c.Close("bye")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) {
				obslog.L().Debug("ws_read_ended",
					zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		s.handler.HandleMessage(r.Context(), c, data)
	}
}

type createRoomRequest struct {
	SessionToken string `json:"sessionToken"`
	Minutes      int    `json:"minutes"`
	IncrementSec int    `json:"incrementSec"`
	Private      bool   `json:"private"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// A missing token creates an anonymous room; a bad one is rejected.
	identity, err := auth.VerifyOptional(r.Context(), s.verifier, req.SessionToken)
	if err != nil && !errors.Is(err, auth.ErrEmptyToken) {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	ownerID, ownerName := "", "anonymous"
	if identity != nil {
		ownerID, ownerName = identity.UserID, identity.DisplayName
	}

	tc := arena.TimeControl{Minutes: req.Minutes, IncrementSec: req.IncrementSec}
	if tc.Minutes <= 0 {
		tc.Minutes = s.cfg.DefaultMinutes
	}
	if tc.IncrementSec < 0 {
		tc.IncrementSec = s.cfg.DefaultIncrementSec
	}

	room := s.handler.CreateRoom(r.Context(), ownerID, ownerName, tc, req.Private)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createRoomResponse{RoomID: room.ID})
}
