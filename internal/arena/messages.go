package arena

import (
	"time"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/rules"
)

// ClientMessage is the envelope of every inbound socket message. Only the
// fields relevant to the named type are populated.
type ClientMessage struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"roomId,omitempty"`
	SessionToken string   `json:"sessionToken,omitempty"`
	LastMove     []string `json:"lastMove,omitempty"`
}

// Inbound message types.
const (
	MsgLobbyJoin = "lobby-join"
	MsgJoin      = "join"
	MsgMove      = "move"
	MsgResign    = "resign"
	MsgDraw      = "draw"
	MsgRematch   = "rematch"
	MsgLeave     = "leave"
)

// Outbound room message types.
const (
	MsgSync     = "sync"
	MsgUpdate   = "update"
	MsgGameOver = "gameOver"
	MsgNewGame  = "newGame"
	MsgError    = "error"
	MsgLobby    = "lobby"
)

// PlayerInfo is one roster entry in a room broadcast.
type PlayerInfo struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Score    float64 `json:"score"`
}

// RoomMessage is the full room state pushed to a connection. Role and Color
// are personalized per recipient; everything else is shared.
type RoomMessage struct {
	Type          string             `json:"type"`
	RoomID        string             `json:"roomId"`
	FEN           string             `json:"fen"`
	LastMove      *Move              `json:"lastMove,omitempty"`
	Result        *Result            `json:"result,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Role          string             `json:"role"`
	Color         rules.Color        `json:"color,omitempty"`
	Status        Status             `json:"status"`
	Players       []PlayerInfo       `json:"players"`
	Scores        map[string]float64 `json:"scores"`
	Clock         *clock.Snapshot    `json:"clock,omitempty"`
	DrawOffers    []string           `json:"drawOffers"`
	RematchOffers []string           `json:"rematchOffers"`
}

// Recipient roles.
const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
)

// LobbyRoom is one row of the public lobby listing.
type LobbyRoom struct {
	RoomID      string      `json:"roomId"`
	OwnerName   string      `json:"owner"`
	CreatedAt   time.Time   `json:"createdAt"`
	Status      Status      `json:"status"`
	Players     []string    `json:"players,omitempty"`
	TimeControl TimeControl `json:"timeControl"`
}

// LobbyMessage is the full lobby snapshot pushed to lobby subscribers.
type LobbyMessage struct {
	Type  string      `json:"type"`
	Rooms []LobbyRoom `json:"rooms"`
}

// ErrorMessage is a protocol-level rejection sent back to one connection.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
