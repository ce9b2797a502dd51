package arena

import "context"

// Conn is one live client connection. The websocket layer implements it;
// tests substitute in-memory doubles.
type Conn interface {
	// ID is a stable identifier unique among live connections.
	ID() string
	// Send writes one JSON message to the peer. It must be safe for
	// concurrent use and must not block past the context deadline.
	Send(ctx context.Context, v any) error
	// Close tears the connection down. Safe to call more than once.
	Close(reason string)
}

// Session binds a connection to the room it joined and, for players, the
// authenticated identity behind it. PlayerID is empty for spectators.
type Session struct {
	Conn     Conn
	RoomID   string
	PlayerID string
	Username string
}
