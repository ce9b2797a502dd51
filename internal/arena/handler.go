package arena

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/drafts"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
)

// Handler owns the session protocol: it routes inbound messages, mutates
// room state under the room lock, and pushes the broadcasts each mutation
// produces. One handler serves every room.
type Handler struct {
	store     *Store
	verifier  auth.Verifier
	positions drafts.PositionProvider
	cat       *msgcat.Catalog
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	lobby    map[string]Conn
}

// NewHandler wires the protocol handler. verifier and positions may be nil;
// joins then stay anonymous and games start from the canonical position.
func NewHandler(store *Store, verifier auth.Verifier, positions drafts.PositionProvider, cat *msgcat.Catalog) *Handler {
	h := &Handler{
		store:     store,
		verifier:  verifier,
		positions: positions,
		cat:       cat,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		lobby:     make(map[string]Conn),
	}
	store.SetOnDelete(func(roomID string) {
		h.BroadcastLobby(context.Background())
	})
	return h
}

// CreateRoom registers a fresh open room and announces it to the lobby. The
// room starts its deletion grace timer immediately; the creator is expected
// to join over the socket before it fires.
func (h *Handler) CreateRoom(ctx context.Context, ownerID, ownerName string, tc TimeControl, private bool) *Room {
	room := h.store.Create(ownerID, ownerName, tc, private)
	room.mu.Lock()
	h.store.ScheduleDelete(room)
	room.mu.Unlock()
	obslog.L().Info("room_created",
		zap.String("room_id", room.ID),
		zap.String("owner", ownerName),
		zap.Int("minutes", tc.Minutes),
		zap.Int("increment_sec", tc.IncrementSec),
		zap.Bool("private", private))
	h.BroadcastLobby(ctx)
	return room
}

// HandleMessage decodes and dispatches one inbound socket message.
func (h *Handler) HandleMessage(ctx context.Context, conn Conn, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(ctx, conn, "error.bad_json", nil)
		return
	}
	switch msg.Type {
	case MsgLobbyJoin:
		h.handleLobbyJoin(ctx, conn)
	case MsgJoin:
		h.handleJoin(ctx, conn, msg)
	case MsgMove:
		h.handleMove(ctx, conn, msg)
	case MsgResign:
		h.handleResign(ctx, conn)
	case MsgDraw:
		h.handleDraw(ctx, conn)
	case MsgRematch:
		h.handleRematch(ctx, conn)
	case MsgLeave:
		h.handleLeave(ctx, conn)
	default:
		h.sendError(ctx, conn, "error.unknown_type", map[string]string{"Type": msg.Type})
	}
}

// HandleDisconnect detaches a dropped connection from the lobby and its
// room. The player's seat survives; only an empty room starts the deletion
// grace timer.
func (h *Handler) HandleDisconnect(ctx context.Context, conn Conn) {
	h.mu.Lock()
	delete(h.lobby, conn.ID())
	sess := h.sessions[conn.ID()]
	delete(h.sessions, conn.ID())
	h.mu.Unlock()
	if sess == nil || sess.RoomID == "" {
		return
	}
	room, ok := h.store.Get(sess.RoomID)
	if !ok {
		return
	}
	room.mu.Lock()
	delete(room.conns, conn.ID())
	if len(room.conns) == 0 {
		h.store.ScheduleDelete(room)
	}
	room.mu.Unlock()
	obslog.L().Debug("conn_detached",
		zap.String("room_id", sess.RoomID),
		zap.String("conn_id", conn.ID()))
}

func (h *Handler) handleLobbyJoin(ctx context.Context, conn Conn) {
	h.mu.Lock()
	h.lobby[conn.ID()] = conn
	h.mu.Unlock()
	snapshot := LobbyMessage{Type: MsgLobby, Rooms: h.serializeLobby()}
	if err := conn.Send(ctx, snapshot); err != nil {
		obslog.L().Warn("lobby_send_failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

func (h *Handler) handleJoin(ctx context.Context, conn Conn, msg ClientMessage) {
	if msg.RoomID == "" {
		h.sendError(ctx, conn, "error.missing_field", map[string]string{"Field": "roomId"})
		return
	}
	room, ok := h.store.Get(msg.RoomID)
	if !ok {
		h.sendError(ctx, conn, "error.room_not_found", map[string]string{"RoomID": msg.RoomID})
		return
	}

	identity, err := auth.VerifyOptional(ctx, h.verifier, msg.SessionToken)
	if err != nil && !errors.Is(err, auth.ErrEmptyToken) {
		obslog.L().Debug("join_token_rejected", zap.String("room_id", msg.RoomID), zap.Error(err))
	}

	room.mu.Lock()
	h.store.CancelDelete(room)

	sess := &Session{Conn: conn, RoomID: room.ID}
	var startedGame bool
	var stale []Conn
	if identity != nil {
		sess.PlayerID = identity.UserID
		sess.Username = identity.DisplayName
		switch {
		case room.hasPlayer(identity.UserID):
			// Reattach: the newest connection wins the seat.
			stale = h.detachStaleLocked(room, identity.UserID, conn.ID())
			room.Usernames[identity.UserID] = identity.DisplayName
		case len(room.Players) < 2:
			room.Players = append(room.Players, identity.UserID)
			room.Usernames[identity.UserID] = identity.DisplayName
			if _, ok := room.Scores[identity.UserID]; !ok {
				room.Scores[identity.UserID] = 0
			}
			if len(room.Players) == 2 && room.Status == StatusOpen {
				h.startGameLocked(ctx, room)
				startedGame = true
			}
		default:
			sess.PlayerID = "" // room is full, demote to spectator
			sess.Username = ""
		}
	}
	room.conns[conn.ID()] = sess

	h.mu.Lock()
	h.sessions[conn.ID()] = sess
	h.mu.Unlock()

	h.broadcastRoomLocked(ctx, room, MsgUpdate, "", conn.ID())
	h.sendRoomLocked(ctx, room, sess, MsgSync, "")
	room.mu.Unlock()

	for _, c := range stale {
		c.Close("superseded by a newer connection")
	}
	obslog.L().Info("room_joined",
		zap.String("room_id", room.ID),
		zap.String("player_id", sess.PlayerID),
		zap.Bool("spectator", sess.PlayerID == ""))
	if startedGame {
		h.BroadcastLobby(ctx)
	}
}

func (h *Handler) handleMove(ctx context.Context, conn Conn, msg ClientMessage) {
	sess, room := h.sessionRoom(conn)
	if sess == nil || room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.Concluded || room.Status != StatusPlaying {
		return
	}
	mover := room.colorOf(sess.PlayerID)
	if mover == "" || room.Game.SideToMove() != mover {
		return
	}
	if len(msg.LastMove) < 2 || len(msg.LastMove) > 3 {
		return
	}
	mv := Move{From: msg.LastMove[0], To: msg.LastMove[1]}
	if len(msg.LastMove) == 3 {
		mv.Promotion = msg.LastMove[2]
	}
	uci, err := room.Game.CheckMove(mv.From, mv.To, mv.Promotion)
	if err != nil {
		obslog.L().Debug("move_rejected",
			zap.String("room_id", room.ID),
			zap.String("player_id", sess.PlayerID),
			zap.Strings("move", msg.LastMove),
			zap.Error(err))
		return
	}

	// An accepted move voids any standing draw offer.
	room.DrawVotes = make(map[string]struct{})

	now := h.now()
	if room.Clock.Running == clock.None {
		room.Clock.Start(sideOf(mover), now)
	}
	if flagged := room.Clock.ApplyMove(now); flagged {
		h.concludeLocked(ctx, room, Result{Winner: mover.Opponent(), Cause: CauseFlagFall})
		return
	}

	if _, err := room.Game.ApplyMove(mv.From, mv.To, mv.Promotion); err != nil {
		// CheckMove accepted it, so this is an oracle inconsistency.
		obslog.L().Error("move_apply_failed",
			zap.String("room_id", room.ID),
			zap.String("uci", uci),
			zap.Error(err))
		return
	}
	room.LastMove = &mv

	switch {
	case room.Game.IsCheckmate():
		h.concludeLocked(ctx, room, Result{Winner: mover, Cause: CauseCheckmate})
	case room.Game.IsStalemate():
		h.concludeLocked(ctx, room, Result{Cause: CauseStalemate})
	case room.Game.IsInsufficientMaterial():
		h.concludeLocked(ctx, room, Result{Cause: CauseInsufficientMaterial})
	default:
		h.broadcastRoomLocked(ctx, room, MsgUpdate, "", "")
	}
}

func (h *Handler) handleResign(ctx context.Context, conn Conn) {
	sess, room := h.sessionRoom(conn)
	if sess == nil || room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.Concluded || room.Status != StatusPlaying {
		return
	}
	resigner := room.colorOf(sess.PlayerID)
	if resigner == "" {
		return
	}
	h.concludeLocked(ctx, room, Result{Winner: resigner.Opponent(), Cause: CauseResignation})
}

func (h *Handler) handleDraw(ctx context.Context, conn Conn) {
	sess, room := h.sessionRoom(conn)
	if sess == nil || room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.Concluded || room.Status != StatusPlaying || !room.hasPlayer(sess.PlayerID) {
		return
	}
	room.DrawVotes[sess.PlayerID] = struct{}{}
	if len(room.Players) == 2 && len(room.DrawVotes) == 2 {
		h.concludeLocked(ctx, room, Result{Cause: CauseDrawAgreement})
		return
	}
	h.broadcastRoomLocked(ctx, room, MsgUpdate, "", "")
}

func (h *Handler) handleRematch(ctx context.Context, conn Conn) {
	sess, room := h.sessionRoom(conn)
	if sess == nil || room == nil {
		return
	}
	room.mu.Lock()
	lobbyDirty := false
	if room.Concluded && room.hasPlayer(sess.PlayerID) {
		room.RematchVotes[sess.PlayerID] = struct{}{}
		if len(room.Players) == 2 && len(room.RematchVotes) == 2 {
			h.restartGameLocked(ctx, room)
			lobbyDirty = true
		}
	}
	room.mu.Unlock()
	if lobbyDirty {
		h.BroadcastLobby(ctx)
	}
}

func (h *Handler) handleLeave(ctx context.Context, conn Conn) {
	h.mu.Lock()
	delete(h.lobby, conn.ID())
	sess := h.sessions[conn.ID()]
	delete(h.sessions, conn.ID())
	h.mu.Unlock()
	if sess == nil || sess.RoomID == "" {
		conn.Close("left")
		return
	}
	room, ok := h.store.Get(sess.RoomID)
	if !ok {
		conn.Close("left")
		return
	}
	room.mu.Lock()
	delete(room.conns, conn.ID())
	if sess.PlayerID != "" {
		room.removePlayer(sess.PlayerID)
	}
	if len(room.conns) == 0 {
		h.store.ScheduleDelete(room)
	} else {
		h.broadcastRoomLocked(ctx, room, MsgUpdate, "", "")
	}
	room.mu.Unlock()
	obslog.L().Info("room_left",
		zap.String("room_id", sess.RoomID),
		zap.String("player_id", sess.PlayerID))
	conn.Close("left")
}

// detachStaleLocked evicts older connections bound to the same player so a
// reattach leaves exactly one live seat connection. The evicted conns are
// returned for the caller to close once the room lock is released; closing a
// websocket runs a handshake and must not happen under the lock.
func (h *Handler) detachStaleLocked(room *Room, playerID, keepConnID string) []Conn {
	var stale []Conn
	for id, s := range room.conns {
		if id == keepConnID || s.PlayerID != playerID {
			continue
		}
		delete(room.conns, id)
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
		stale = append(stale, s.Conn)
	}
	return stale
}

// startGameLocked flips an open room to playing: colors are drawn at
// random, the clock is armed for the side to move, and the opening position
// comes from the combined-position provider when one is configured.
func (h *Handler) startGameLocked(ctx context.Context, room *Room) {
	white, black := room.Players[0], room.Players[1]
	if coinFlip() {
		white, black = black, white
	}
	room.WhiteID, room.BlackID = white, black
	room.Game = h.openingPosition(ctx, room)
	room.LastMove = nil
	room.clearVotes()
	room.Clock = clock.New(room.TimeControl.Minutes, room.TimeControl.IncrementSec)
	room.Clock.Start(sideOf(room.Game.SideToMove()), h.now())
	room.Status = StatusPlaying
	obslog.L().Info("game_started",
		zap.String("room_id", room.ID),
		zap.String("white", white),
		zap.String("black", black))
}

// restartGameLocked begins a rematch: colors swap, the clock and position
// reset, and the running score holds.
func (h *Handler) restartGameLocked(ctx context.Context, room *Room) {
	room.WhiteID, room.BlackID = room.BlackID, room.WhiteID
	room.Game = h.openingPosition(ctx, room)
	room.LastMove = nil
	room.Concluded = false
	room.Result = nil
	room.clearVotes()
	room.Clock = clock.New(room.TimeControl.Minutes, room.TimeControl.IncrementSec)
	room.Clock.Start(sideOf(room.Game.SideToMove()), h.now())
	room.Status = StatusPlaying
	obslog.L().Info("rematch_started",
		zap.String("room_id", room.ID),
		zap.String("white", room.WhiteID),
		zap.String("black", room.BlackID))
	h.broadcastRoomLocked(ctx, room, MsgNewGame, "", "")
}

func (h *Handler) openingPosition(ctx context.Context, room *Room) *rules.Game {
	if h.positions == nil {
		return rules.NewGame()
	}
	fen, err := h.positions.CombinedFEN(ctx, room.WhiteID, room.BlackID)
	if err != nil {
		if errors.Is(err, drafts.ErrNoActiveDraft) {
			obslog.L().Debug("no_combined_position", zap.String("room_id", room.ID))
		} else {
			obslog.L().Warn("combined_position_failed", zap.String("room_id", room.ID), zap.Error(err))
		}
		return rules.NewGame()
	}
	game, err := rules.NewGameFromFEN(fen)
	if err != nil {
		obslog.L().Warn("combined_position_invalid",
			zap.String("room_id", room.ID),
			zap.String("fen", fen),
			zap.Error(err))
		return rules.NewGame()
	}
	return game
}

// concludeLocked closes the game with the given result, settles the score,
// and broadcasts the game-over state. Lobby refresh is deferred to a
// goroutine because it has to visit other rooms.
func (h *Handler) concludeLocked(ctx context.Context, room *Room, res Result) {
	if room.Concluded {
		return
	}
	if room.Clock != nil {
		room.Clock.Freeze()
	}
	room.Concluded = true
	room.Status = StatusFinished
	room.Result = &res
	room.clearVotes()

	if res.Drawn() {
		for _, p := range room.Players {
			room.Scores[p] += 0.5
		}
	} else if winner := room.playerByColor(res.Winner); winner != "" {
		room.Scores[winner] += 1
	}

	reason := h.cat.MustRender("gameover."+string(res.Cause), nil)
	obslog.L().Info("game_over",
		zap.String("room_id", room.ID),
		zap.String("cause", string(res.Cause)),
		zap.String("winner", string(res.Winner)))
	h.broadcastRoomLocked(ctx, room, MsgGameOver, reason, "")
	go h.BroadcastLobby(context.WithoutCancel(ctx))
}

// sessionRoom resolves a connection to its session and joined room.
func (h *Handler) sessionRoom(conn Conn) (*Session, *Room) {
	h.mu.Lock()
	sess := h.sessions[conn.ID()]
	h.mu.Unlock()
	if sess == nil || sess.RoomID == "" {
		return nil, nil
	}
	room, ok := h.store.Get(sess.RoomID)
	if !ok {
		return sess, nil
	}
	return sess, room
}

// roomMessageLocked builds the state payload for one recipient.
func (h *Handler) roomMessageLocked(room *Room, sess *Session, typ, reason string) RoomMessage {
	msg := RoomMessage{
		Type:          typ,
		RoomID:        room.ID,
		FEN:           room.fen(),
		LastMove:      room.LastMove,
		Result:        room.Result,
		Reason:        reason,
		Role:          RoleSpectator,
		Status:        room.Status,
		Players:       make([]PlayerInfo, 0, len(room.Players)),
		Scores:        make(map[string]float64, len(room.Scores)),
		DrawOffers:    votesToList(room.DrawVotes),
		RematchOffers: votesToList(room.RematchVotes),
	}
	for id, sc := range room.Scores {
		msg.Scores[id] = sc
	}
	for _, p := range room.Players {
		msg.Players = append(msg.Players, PlayerInfo{
			ID:       p,
			Username: room.Usernames[p],
			Score:    room.Scores[p],
		})
	}
	if sess.PlayerID != "" && room.hasPlayer(sess.PlayerID) {
		msg.Role = RolePlayer
		msg.Color = room.colorOf(sess.PlayerID)
	}
	if room.Clock != nil {
		msg.Clock = room.Clock.Snapshot(h.now())
	}
	return msg
}

// broadcastRoomLocked pushes personalized state to every connection in the
// room except exceptID.
func (h *Handler) broadcastRoomLocked(ctx context.Context, room *Room, typ, reason, exceptID string) {
	for id, sess := range room.conns {
		if id == exceptID {
			continue
		}
		h.sendRoomLocked(ctx, room, sess, typ, reason)
	}
}

func (h *Handler) sendRoomLocked(ctx context.Context, room *Room, sess *Session, typ, reason string) {
	if err := sess.Conn.Send(ctx, h.roomMessageLocked(room, sess, typ, reason)); err != nil {
		obslog.L().Warn("room_send_failed",
			zap.String("room_id", room.ID),
			zap.String("conn_id", sess.Conn.ID()),
			zap.Error(err))
	}
}

func (h *Handler) sendError(ctx context.Context, conn Conn, key string, data any) {
	msg := ErrorMessage{Type: MsgError, Message: h.cat.MustRender(key, data)}
	if err := conn.Send(ctx, msg); err != nil {
		obslog.L().Debug("error_send_failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

func sideOf(c rules.Color) clock.Side {
	if c == rules.White {
		return clock.White
	}
	return clock.Black
}

func colorOfSide(s clock.Side) rules.Color {
	if s == clock.White {
		return rules.White
	}
	return rules.Black
}

func coinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return false
	}
	return n.Int64() == 1
}
