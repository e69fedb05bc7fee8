package presence

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/presence/internal/domain"
)

const defaultSource = "presence"

var ErrHubClosed = errors.New("hub closed")

type Config struct {
	Source          string `mapstructure:"source"`
	RejectUnlocated bool   `mapstructure:"reject_unlocated"`
}

// Emitter receives a copy of every envelope the rooms produce.
type Emitter interface {
	Emit(env domain.Envelope)
}

// Locator resolves coordinates to a Place, returning nil when it cannot.
type Locator interface {
	Lookup(ctx context.Context, lat, lng float64) *domain.Place
}

type roomKey struct {
	kind Kind
	name string
}

type roomRef struct {
	room *Room
	refs int
}

// Hub owns the set of live rooms. A room is created by its first join and
// discarded after its last leave; nothing about it outlives its connections.
type Hub struct {
	cfg     Config
	emitter Emitter
	locator Locator
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[roomKey]*roomRef
	closed bool
}

// NewHub builds a Hub. locator may be nil to disable place enrichment.
func NewHub(cfg Config, emitter Emitter, locator Locator, logger zerolog.Logger) *Hub {
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		emitter: emitter,
		locator: locator,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[roomKey]*roomRef),
	}
}

func (h *Hub) Config() Config {
	return h.cfg
}

// Join adds c to the named room and runs the connect handshake before
// returning. The caller must call Leave exactly once afterwards.
func (h *Hub) Join(kind Kind, name string, c *Connection) (*Room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	key := roomKey{kind: kind, name: name}
	ref, ok := h.rooms[key]
	if !ok {
		ref = &roomRef{room: newRoom(kind, name, h)}
		h.rooms[key] = ref
		h.wg.Add(1)
		go func(r *Room) {
			defer h.wg.Done()
			r.run()
		}(ref.room)
	}
	ref.refs++
	room := ref.room
	h.mu.Unlock()

	room.do(func() { room.onConnect(c) })
	return room, nil
}

// Leave runs the departure path for c. cause is nil for a clean close.
func (h *Hub) Leave(room *Room, c *Connection, cause error) {
	room.do(func() { room.onClose(c, cause) })

	h.mu.Lock()
	key := roomKey{kind: room.kind, name: room.name}
	last := false
	if ref, ok := h.rooms[key]; ok && ref.room == room {
		ref.refs--
		if ref.refs <= 0 {
			delete(h.rooms, key)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		room.stop()
	}
}

// Snapshot reports the Positions in a room, or false if the room does not exist.
func (h *Hub) Snapshot(kind Kind, name string) ([]domain.Position, bool) {
	h.mu.Lock()
	ref, ok := h.rooms[roomKey{kind: kind, name: name}]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ref.room.Snapshot(), true
}

// Close refuses new joins, makes every connection leave, stops the rooms and
// waits for them and any pending lookups. A Leave arriving afterwards is a no-op.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for key, ref := range h.rooms {
		rooms = append(rooms, ref.room)
		delete(h.rooms, key)
	}
	h.mu.Unlock()

	h.cancel()
	for _, r := range rooms {
		r.do(r.shutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detach runs fn off the room goroutine, bounded by the hub's lifetime.
func (h *Hub) detach(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.ctx)
	}()
}
