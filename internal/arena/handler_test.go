package arena

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/msgcat"
)

type fakeConn struct {
	mu     sync.Mutex
	id     string
	msgs   []any
	closed bool
	reason string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lastRoomMsg returns the most recent room-state message sent to the conn.
func (c *fakeConn) lastRoomMsg() (RoomMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if m, ok := c.msgs[i].(RoomMessage); ok {
			return m, true
		}
	}
	return RoomMessage{}, false
}

func (c *fakeConn) lastLobbyMsg() (LobbyMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if m, ok := c.msgs[i].(LobbyMessage); ok {
			return m, true
		}
	}
	return LobbyMessage{}, false
}

func (c *fakeConn) roomMsgCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if _, ok := m.(RoomMessage); ok {
			n++
		}
	}
	return n
}

type stubVerifier map[string]auth.Identity

func (s stubVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	if id, ok := s[token]; ok {
		cp := id
		return &cp, nil
	}
	return nil, auth.ErrTokenUnknown
}

func testVerifier() stubVerifier {
	return stubVerifier{
		"tok-alice": {UserID: "u-alice", DisplayName: "alice"},
		"tok-bob":   {UserID: "u-bob", DisplayName: "bob"},
		"tok-carl":  {UserID: "u-carl", DisplayName: "carl"},
	}
}

func newTestHandler(t *testing.T, grace time.Duration) *Handler {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat.New: %v", err)
	}
	return NewHandler(NewStore(grace), testVerifier(), nil, cat)
}

func send(t *testing.T, h *Handler, conn Conn, msg ClientMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	h.HandleMessage(context.Background(), conn, raw)
}

func join(t *testing.T, h *Handler, conn Conn, roomID, token string) {
	t.Helper()
	send(t, h, conn, ClientMessage{Type: MsgJoin, RoomID: roomID, SessionToken: token})
}

func playMove(t *testing.T, h *Handler, conn Conn, sq ...string) {
	t.Helper()
	send(t, h, conn, ClientMessage{Type: MsgMove, LastMove: sq})
}

// startedRoom creates a room and seats alice and bob, returning the room and
// the connections holding the white and black seats.
func startedRoom(t *testing.T, h *Handler) (*Room, *fakeConn, *fakeConn) {
	t.Helper()
	room := h.CreateRoom(context.Background(), "u-alice", "alice", TimeControl{Minutes: 5}, false)
	ca := &fakeConn{id: "conn-a"}
	cb := &fakeConn{id: "conn-b"}
	join(t, h, ca, room.ID, "tok-alice")
	join(t, h, cb, room.ID, "tok-bob")
	if room.Status != StatusPlaying {
		t.Fatalf("room status = %q after two joins, want playing", room.Status)
	}
	if room.WhiteID == "u-alice" {
		return room, ca, cb
	}
	return room, cb, ca
}

func TestSecondJoinStartsGame(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, black := startedRoom(t, h)

	if room.WhiteID == "" || room.BlackID == "" || room.WhiteID == room.BlackID {
		t.Fatalf("colors not assigned: white=%q black=%q", room.WhiteID, room.BlackID)
	}
	if room.Clock == nil || room.Clock.Running != clock.White {
		t.Fatalf("clock not armed for the side to move: %+v", room.Clock)
	}
	msg, ok := white.lastRoomMsg()
	if !ok {
		t.Fatalf("white seat received no room message")
	}
	if msg.Role != RolePlayer {
		t.Fatalf("seat role = %q, want player", msg.Role)
	}
	if _, ok := black.lastRoomMsg(); !ok {
		t.Fatalf("black seat received no room message")
	}
}

func TestThirdIdentityBecomesSpectator(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, _, _ := startedRoom(t, h)

	cc := &fakeConn{id: "conn-c"}
	join(t, h, cc, room.ID, "tok-carl")
	msg, ok := cc.lastRoomMsg()
	if !ok {
		t.Fatalf("spectator received no sync")
	}
	if msg.Role != RoleSpectator || msg.Color != "" {
		t.Fatalf("full-room join got role=%q color=%q, want spectator", msg.Role, msg.Color)
	}
	if len(room.Players) != 2 {
		t.Fatalf("player roster grew past two: %v", room.Players)
	}
}

func TestJoinUnknownRoomSendsError(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	conn := &fakeConn{id: "conn-x"}
	join(t, h, conn, "nope", "tok-alice")
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.msgs) != 1 {
		t.Fatalf("got %d messages, want 1 error", len(conn.msgs))
	}
	if m, ok := conn.msgs[0].(ErrorMessage); !ok || m.Type != MsgError {
		t.Fatalf("unexpected reply: %#v", conn.msgs[0])
	}
}

func TestMoveAppliedAndBroadcast(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, black := startedRoom(t, h)
	before := room.Game.FEN()

	playMove(t, h, white, "e2", "e4")

	if room.Game.FEN() == before {
		t.Fatalf("position unchanged after legal move")
	}
	if room.LastMove == nil || room.LastMove.From != "e2" || room.LastMove.To != "e4" {
		t.Fatalf("last move not recorded: %+v", room.LastMove)
	}
	msg, ok := black.lastRoomMsg()
	if !ok || msg.Type != MsgUpdate {
		t.Fatalf("opponent did not receive update: %+v", msg)
	}
	if msg.LastMove == nil || msg.LastMove.From != "e2" {
		t.Fatalf("update carries wrong last move: %+v", msg.LastMove)
	}
}

func TestOutOfTurnAndIllegalMovesDroppedSilently(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, black := startedRoom(t, h)
	before := room.Game.FEN()
	whiteMsgs := white.roomMsgCount()

	playMove(t, h, black, "e7", "e5") // not black's turn
	playMove(t, h, white, "e2", "e5") // illegal
	playMove(t, h, white, "zz", "e4") // unparsable
	playMove(t, h, white, "e2")       // malformed array

	if room.Game.FEN() != before {
		t.Fatalf("rejected moves mutated the position")
	}
	if white.roomMsgCount() != whiteMsgs {
		t.Fatalf("silent rejection produced a broadcast")
	}
}

func TestRejectedMoveLeavesVotesAndClockAlone(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, _ := startedRoom(t, h)

	send(t, h, white, ClientMessage{Type: MsgDraw})
	playMove(t, h, white, "e2", "e5") // parseable but illegal

	if len(room.DrawVotes) != 1 {
		t.Fatalf("rejected move cleared the draw-vote set: %v", room.DrawVotes)
	}
	if room.Clock.Running != clock.White {
		t.Fatalf("rejected move flipped the clock to %v", room.Clock.Running)
	}
	if room.Clock.WhiteMs != 5*60*1000 {
		t.Fatalf("rejected move charged the clock: %d", room.Clock.WhiteMs)
	}
	if room.LastMove != nil {
		t.Fatalf("rejected move recorded: %+v", room.LastMove)
	}
}

func TestCheckmateThroughProtocol(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, black := startedRoom(t, h)

	playMove(t, h, white, "f2", "f3")
	playMove(t, h, black, "e7", "e5")
	playMove(t, h, white, "g2", "g4")
	playMove(t, h, black, "d8", "h4")

	if room.Status != StatusFinished || !room.Concluded {
		t.Fatalf("mate did not finish the room: status=%q concluded=%v", room.Status, room.Concluded)
	}
	if room.Result == nil || room.Result.Cause != CauseCheckmate {
		t.Fatalf("result = %+v, want checkmate", room.Result)
	}
	if room.Result.Winner != "black" {
		t.Fatalf("winner = %q, want black", room.Result.Winner)
	}
	if room.Clock.Running != clock.None {
		t.Fatalf("clock still running after mate")
	}
	if room.Scores[room.BlackID] != 1 || room.Scores[room.WhiteID] != 0 {
		t.Fatalf("mate scoring = %v", room.Scores)
	}
	msg, ok := white.lastRoomMsg()
	if !ok || msg.Type != MsgGameOver {
		t.Fatalf("gameOver not broadcast: %+v", msg)
	}
	if msg.Result == nil || msg.Result.Winner != "black" {
		t.Fatalf("broadcast result = %+v", msg.Result)
	}
}

func TestSpectatorActionsAreNoOps(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, _, _ := startedRoom(t, h)
	viewer := &fakeConn{id: "conn-viewer"}
	join(t, h, viewer, room.ID, "") // anonymous spectator

	before := room.Game.FEN()
	playMove(t, h, viewer, "e2", "e4")
	send(t, h, viewer, ClientMessage{Type: MsgResign})
	send(t, h, viewer, ClientMessage{Type: MsgDraw})

	if room.Game.FEN() != before || room.Concluded {
		t.Fatalf("spectator actions changed game state")
	}
	if len(room.DrawVotes) != 0 {
		t.Fatalf("spectator draw vote recorded")
	}
}

func TestDrawAgreement(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, black := startedRoom(t, h)

	send(t, h, white, ClientMessage{Type: MsgDraw})
	if len(room.DrawVotes) != 1 {
		t.Fatalf("draw vote not recorded")
	}
	msg, _ := black.lastRoomMsg()
	if len(msg.DrawOffers) != 1 {
		t.Fatalf("pending draw offer not broadcast: %+v", msg.DrawOffers)
	}

	send(t, h, black, ClientMessage{Type: MsgDraw})
	if !room.Concluded || room.Result == nil || room.Result.Cause != CauseDrawAgreement {
		t.Fatalf("mutual draw votes did not conclude: %+v", room.Result)
	}
	if room.Result.Winner != "" {
		t.Fatalf("draw has a winner: %q", room.Result.Winner)
	}
	if room.Scores[room.WhiteID] != 0.5 || room.Scores[room.BlackID] != 0.5 {
		t.Fatalf("draw scores = %v", room.Scores)
	}
}

func TestAcceptedMoveClearsDrawVotes(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, _ := startedRoom(t, h)

	send(t, h, white, ClientMessage{Type: MsgDraw})
	playMove(t, h, white, "g1", "f3")
	if len(room.DrawVotes) != 0 {
		t.Fatalf("accepted move left stale draw votes: %v", room.DrawVotes)
	}
}

func TestResignConcludesForOpponent(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, _ := startedRoom(t, h)

	send(t, h, white, ClientMessage{Type: MsgResign})
	if !room.Concluded || room.Result.Cause != CauseResignation {
		t.Fatalf("resign did not conclude: %+v", room.Result)
	}
	if room.Result.Winner != "black" {
		t.Fatalf("winner = %q, want black", room.Result.Winner)
	}
	if room.Scores[room.BlackID] != 1 || room.Scores[room.WhiteID] != 0 {
		t.Fatalf("scores after resignation = %v", room.Scores)
	}
	if room.Clock.Running != clock.None {
		t.Fatalf("clock still running after conclusion")
	}

	// Further game actions are no-ops on a concluded room.
	playMove(t, h, white, "e2", "e4")
	if room.LastMove != nil {
		t.Fatalf("move accepted after conclusion")
	}
}

func TestRematchSwapsColorsAndKeepsScores(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, black := startedRoom(t, h)
	firstWhite, firstBlack := room.WhiteID, room.BlackID

	send(t, h, white, ClientMessage{Type: MsgResign})
	send(t, h, white, ClientMessage{Type: MsgRematch})
	if room.Status != StatusFinished {
		t.Fatalf("single rematch vote restarted the game")
	}
	send(t, h, black, ClientMessage{Type: MsgRematch})

	if room.Status != StatusPlaying || room.Concluded || room.Result != nil {
		t.Fatalf("rematch did not restart: status=%q concluded=%v", room.Status, room.Concluded)
	}
	if room.WhiteID != firstBlack || room.BlackID != firstWhite {
		t.Fatalf("colors did not swap: white=%q black=%q", room.WhiteID, room.BlackID)
	}
	if room.Scores[firstBlack] != 1 || room.Scores[firstWhite] != 0 {
		t.Fatalf("scores reset by rematch: %v", room.Scores)
	}
	if room.Clock.WhiteMs != 5*60*1000 || room.Clock.Running != clock.White {
		t.Fatalf("clock not reset and armed: %+v", room.Clock)
	}
	if len(room.RematchVotes) != 0 {
		t.Fatalf("rematch votes not cleared")
	}
	msg, ok := white.lastRoomMsg()
	if !ok || msg.Type != MsgNewGame {
		t.Fatalf("newGame not broadcast: %+v", msg)
	}
}

func TestRematchBeforeConclusionIgnored(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, _ := startedRoom(t, h)
	send(t, h, white, ClientMessage{Type: MsgRematch})
	if len(room.RematchVotes) != 0 {
		t.Fatalf("rematch vote recorded on live game")
	}
}

func TestScoreConservationAcrossSeries(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, black := startedRoom(t, h)

	// Game 1: white resigns. Game 2: drawn by agreement.
	send(t, h, white, ClientMessage{Type: MsgResign})
	send(t, h, white, ClientMessage{Type: MsgRematch})
	send(t, h, black, ClientMessage{Type: MsgRematch})
	send(t, h, white, ClientMessage{Type: MsgDraw})
	send(t, h, black, ClientMessage{Type: MsgDraw})

	total := room.Scores["u-alice"] + room.Scores["u-bob"]
	if total != 2 {
		t.Fatalf("score total = %v after two games, want 2", total)
	}
}

func TestFlagFallDetectedByScan(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	base := time.Now()
	current := base
	h.now = func() time.Time { return current }

	room, _, _ := startedRoom(t, h)
	if room.Clock.Running != clock.White {
		t.Fatalf("white clock not running at game start")
	}

	current = base.Add(5*time.Minute + time.Second)
	h.scanClocks(context.Background())

	if !room.Concluded || room.Result.Cause != CauseFlagFall {
		t.Fatalf("flag fall not concluded: %+v", room.Result)
	}
	if room.Result.Winner != "black" {
		t.Fatalf("flag-fall winner = %q, want black", room.Result.Winner)
	}
	if room.Clock.WhiteMs != 0 {
		t.Fatalf("flagged side time = %d, want 0", room.Clock.WhiteMs)
	}
	if room.Scores[room.BlackID] != 1 {
		t.Fatalf("flag-fall scoring wrong: %v", room.Scores)
	}
}

func TestScanIgnoresRoomsWithoutRunningClock(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room := h.CreateRoom(context.Background(), "u-alice", "alice", TimeControl{Minutes: 1}, false)
	h.scanClocks(context.Background()) // open room, no clock yet
	if room.Concluded {
		t.Fatalf("open room concluded by clock scan")
	}
}

func TestReattachSupersedesOldConnection(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, _, _ := startedRoom(t, h)

	old, okOld := room.conns["conn-a"]
	if !okOld || old == nil {
		t.Fatalf("seat connection missing before reattach")
	}
	fresh := &fakeConn{id: "conn-a2"}
	join(t, h, fresh, room.ID, "tok-alice")

	if _, still := room.conns["conn-a"]; still {
		t.Fatalf("stale connection kept its seat")
	}
	if !old.Conn.(*fakeConn).isClosed() {
		t.Fatalf("stale connection not closed")
	}
	if msg, ok := fresh.lastRoomMsg(); !ok || msg.Role != RolePlayer {
		t.Fatalf("reattached connection is not the player: %+v", msg)
	}
	if len(room.Players) != 2 {
		t.Fatalf("reattach changed the roster: %v", room.Players)
	}
}

// relockingConn models a transport whose Close blocks on room state, the way
// a websocket close handshake can stall behind a slow peer.
type relockingConn struct {
	fakeConn
	room *Room
}

func (c *relockingConn) Close(reason string) {
	c.room.mu.Lock()
	status := c.room.Status
	c.room.mu.Unlock()
	c.fakeConn.Close(reason + " while " + string(status))
}

func TestReattachClosesStaleOutsideRoomLock(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room := h.CreateRoom(context.Background(), "u-alice", "alice", TimeControl{Minutes: 5}, false)
	old := &relockingConn{fakeConn: fakeConn{id: "conn-a"}, room: room}
	join(t, h, old, room.ID, "tok-alice")
	join(t, h, &fakeConn{id: "conn-b"}, room.ID, "tok-bob")

	fresh := &fakeConn{id: "conn-a2"}
	join(t, h, fresh, room.ID, "tok-alice")

	if !old.isClosed() {
		t.Fatalf("stale connection not closed")
	}
	if msg, ok := fresh.lastRoomMsg(); !ok || msg.Role != RolePlayer {
		t.Fatalf("reattached connection is not the player: %+v", msg)
	}
}

func TestEmptyRoomReapedAfterGrace(t *testing.T) {
	h := newTestHandler(t, 40*time.Millisecond)
	room, white, black := startedRoom(t, h)

	h.HandleDisconnect(context.Background(), white)
	h.HandleDisconnect(context.Background(), black)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := h.store.Get(room.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("empty room not reaped after grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnectWithinGraceCancelsDeletion(t *testing.T) {
	h := newTestHandler(t, 120*time.Millisecond)
	room, white, black := startedRoom(t, h)

	h.HandleDisconnect(context.Background(), white)
	h.HandleDisconnect(context.Background(), black)
	time.Sleep(60 * time.Millisecond)

	back := &fakeConn{id: "conn-a3"}
	join(t, h, back, room.ID, "tok-alice")
	time.Sleep(120 * time.Millisecond)

	if _, ok := h.store.Get(room.ID); !ok {
		t.Fatalf("room deleted despite reconnect inside grace window")
	}
	if msg, ok := back.lastRoomMsg(); !ok || msg.Role != RolePlayer {
		t.Fatalf("reconnected player lost their seat: %+v", msg)
	}
}

func TestDisconnectKeepsSeat(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, _ := startedRoom(t, h)

	h.HandleDisconnect(context.Background(), white)
	if len(room.Players) != 2 {
		t.Fatalf("disconnect removed the player from the roster")
	}

	// An explicit leave does vacate the seat.
	send(t, h, white, ClientMessage{Type: MsgLeave}) // stale session, no-op
	if len(room.Players) != 2 {
		t.Fatalf("leave after disconnect mutated the roster")
	}
}

func TestLeaveVacatesSeat(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, white, _ := startedRoom(t, h)

	send(t, h, white, ClientMessage{Type: MsgLeave})
	if len(room.Players) != 1 {
		t.Fatalf("leave kept the roster at %v", room.Players)
	}
	if !white.isClosed() {
		t.Fatalf("leave did not close the connection")
	}
}

func TestLobbyListsPublicActiveRooms(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	sub := &fakeConn{id: "conn-lobby"}
	send(t, h, sub, ClientMessage{Type: MsgLobbyJoin})

	open := h.CreateRoom(context.Background(), "u-alice", "alice", TimeControl{Minutes: 5}, false)
	h.CreateRoom(context.Background(), "u-bob", "bob", TimeControl{Minutes: 3}, true) // private

	msg, ok := sub.lastLobbyMsg()
	if !ok {
		t.Fatalf("lobby subscriber got no snapshot")
	}
	if len(msg.Rooms) != 1 {
		t.Fatalf("lobby lists %d rooms, want 1 public", len(msg.Rooms))
	}
	row := msg.Rooms[0]
	if row.RoomID != open.ID || row.OwnerName != "alice" || row.Status != StatusOpen {
		t.Fatalf("lobby row wrong: %+v", row)
	}
	if len(row.Players) != 0 {
		t.Fatalf("open room lists players: %v", row.Players)
	}
}

func TestLobbyShowsPlayersOncePlaying(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	room, _, _ := startedRoom(t, h)

	rows := h.serializeLobby()
	if len(rows) != 1 || rows[0].RoomID != room.ID {
		t.Fatalf("lobby rows = %+v", rows)
	}
	if len(rows[0].Players) != 2 {
		t.Fatalf("playing room players = %v, want both usernames", rows[0].Players)
	}
}

func TestFinishedRoomLeavesLobby(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	_, white, _ := startedRoom(t, h)
	send(t, h, white, ClientMessage{Type: MsgResign})
	if rows := h.serializeLobby(); len(rows) != 0 {
		t.Fatalf("finished room still listed: %+v", rows)
	}
}

func TestUnknownTypeGetsErrorReply(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	conn := &fakeConn{id: "conn-u"}
	send(t, h, conn, ClientMessage{Type: "dance"})
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.msgs) != 1 {
		t.Fatalf("want 1 error reply, got %d messages", len(conn.msgs))
	}
	if _, ok := conn.msgs[0].(ErrorMessage); !ok {
		t.Fatalf("reply is not an error: %#v", conn.msgs[0])
	}
}

func TestMalformedJSONGetsErrorReply(t *testing.T) {
	h := newTestHandler(t, time.Minute)
	conn := &fakeConn{id: "conn-m"}
	h.HandleMessage(context.Background(), conn, []byte("{nope"))
	if _, ok := conn.msgs[0].(ErrorMessage); !ok {
		t.Fatalf("malformed payload not rejected")
	}
}
