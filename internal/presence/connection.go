package presence

import (
	"errors"

	"github.com/leshachaplin/presence/internal/domain"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// Transport is the write side of one client connection. Send must not block.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Connection carries the only copy of a participant's Position. It is read
// and written exclusively from its room's goroutine.
type Connection struct {
	transport Transport
	state     domain.Position
	edge      domain.EdgeContext
	gone      bool
}

func NewConnection(t Transport, state domain.Position, edge domain.EdgeContext) *Connection {
	return &Connection{
		transport: t,
		state:     state,
		edge:      edge,
	}
}

func (c *Connection) ID() string {
	return c.state.ID
}
