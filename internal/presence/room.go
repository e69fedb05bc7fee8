package presence

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/presence/internal/domain"
)

const eventBuffer = 64

// Room serializes every lifecycle and message event for one broadcast scope.
// It holds no participant data of its own: the connection list is the live
// set of open transports and each Position lives on its Connection.
type Room struct {
	kind    Kind
	name    string
	source  string
	emitter Emitter
	locator Locator
	logger  zerolog.Logger

	lookups func(func(context.Context))

	events chan func()
	done   chan struct{}

	conns   []*Connection
	pending []*Connection
	stopped bool
}

func newRoom(kind Kind, name string, h *Hub) *Room {
	return &Room{
		kind:    kind,
		name:    name,
		source:  h.cfg.Source,
		emitter: h.emitter,
		locator: h.locator,
		logger:  h.logger.With().Str("party", string(kind)).Str("room", name).Logger(),
		lookups: h.detach,
		events:  make(chan func(), eventBuffer),
		done:    make(chan struct{}),
	}
}

func (r *Room) Kind() Kind {
	return r.kind
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) run() {
	defer close(r.done)
	for fn := range r.events {
		fn()
		r.drain()
		if r.stopped {
			return
		}
	}
}

// do runs fn on the room goroutine and waits for it. It reports false if the
// room stopped first.
func (r *Room) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case r.events <- func() { fn(); close(finished) }:
	case <-r.done:
		return false
	}

	select {
	case <-finished:
		return true
	case <-r.done:
		return false
	}
}

// post queues fn without waiting. Dropped if the room has stopped.
func (r *Room) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.done:
	}
}

func (r *Room) stop() {
	r.post(func() { r.stopped = true })
}

// Message hands an inbound payload from c to the room.
func (r *Room) Message(c *Connection, data []byte) {
	r.do(func() { r.onMessage(c, data) })
}

// Snapshot returns the Positions of the open connections in join order.
func (r *Room) Snapshot() []domain.Position {
	var out []domain.Position
	r.do(func() {
		out = make([]domain.Position, 0, len(r.conns))
		for _, c := range r.conns {
			out = append(out, c.state)
		}
	})
	return out
}

func (r *Room) onConnect(c *Connection) {
	r.enrich(c)

	r.conns = append(r.conns, c)
	r.logger.Debug().Str("conn", c.ID()).Int("size", len(r.conns)).Msg("joined")

	var attrs map[string]any
	if !c.edge.IsZero() {
		attrs = map[string]any{domain.ExtensionEdge: c.edge}
	}
	if env, ok := r.event(domain.TypeConnection, c.state, attrs); ok {
		r.emitter.Emit(env)
	}

	switch r.kind {
	case KindGlobe:
		r.reconcile(c)
	case KindChat:
		if env, ok := r.event(domain.TypeChatJoin, c.state, nil); ok {
			r.broadcastEnvelope(env, nil)
		}
	}
}

// reconcile sends the newcomer one add-marker per open connection, itself
// included, and sends every other connection the newcomer's add-marker.
func (r *Room) reconcile(c *Connection) {
	announce, err := domain.AddMarkerMessage(c.state)
	if err != nil {
		r.logger.Error().Err(err).Str("conn", c.ID()).Msg("could not encode marker")
		return
	}

	peers := make([]*Connection, len(r.conns))
	copy(peers, r.conns)
	for _, peer := range peers {
		if peer.gone {
			continue
		}
		marker, err := domain.AddMarkerMessage(peer.state)
		if err != nil {
			r.logger.Error().Err(err).Str("conn", peer.ID()).Msg("could not encode marker")
			continue
		}
		r.send(c, marker)
		if peer != c {
			r.send(peer, announce)
		}
	}
}

func (r *Room) onMessage(c *Connection, data []byte) {
	if c.gone || r.index(c) < 0 {
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.reject(c, "malformed envelope: "+err.Error())
		return
	}
	if strings.TrimSpace(env.Type) == "" {
		r.reject(c, "envelope type is required")
		return
	}

	// TODO: run chat payloads through a moderation filter before relaying them.
	var exclude *Connection
	if env.Type == domain.TypeAddMarker || env.Type == domain.TypeRemoveMarker {
		exclude = c
	}
	r.broadcast(data, exclude)
}

func (r *Room) reject(c *Connection, reason string) {
	r.logger.Warn().Str("conn", c.ID()).Str("reason", reason).Msg("inbound message rejected")
	env, ok := r.event(domain.TypeError, domain.Problem{Message: reason}, nil)
	if !ok {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	r.send(c, b)
}

func (r *Room) onClose(c *Connection, cause error) {
	if cause != nil {
		r.logger.Debug().Err(cause).Str("conn", c.ID()).Msg("connection errored")
	}
	r.leave(c)
}

// leave is the one path by which membership shrinks. It is a no-op for a
// connection that already left, so close and error can both fire safely.
func (r *Room) leave(c *Connection) {
	c.gone = true
	i := r.index(c)
	if i < 0 {
		return
	}
	r.conns = append(r.conns[:i], r.conns[i+1:]...)
	_ = c.transport.Close()
	r.logger.Debug().Str("conn", c.ID()).Int("size", len(r.conns)).Msg("left")

	switch r.kind {
	case KindGlobe:
		if msg, err := domain.RemoveMarkerMessage(c.ID()); err == nil {
			r.broadcast(msg, c)
		}
		if env, ok := r.event(domain.TypeRemoveMarker, domain.Departure{ID: c.ID()}, nil); ok {
			r.emitter.Emit(env)
		}
	case KindChat:
		if env, ok := r.event(domain.TypeChatLeave, domain.Departure{ID: c.ID()}, nil); ok {
			r.broadcastEnvelope(env, c)
			r.emitter.Emit(env)
		}
	}
}

func (r *Room) enrich(c *Connection) {
	if r.locator == nil || !c.state.Located() {
		return
	}
	lat, lng := c.state.Lat, c.state.Lng
	r.lookups(func(ctx context.Context) {
		place := r.locator.Lookup(ctx, lat, lng)
		if place == nil {
			return
		}
		r.post(func() {
			if !c.gone && r.index(c) >= 0 {
				c.state.Place = place
			}
		})
	})
}

func (r *Room) broadcastEnvelope(env domain.Envelope, exclude *Connection) {
	b, err := json.Marshal(env)
	if err != nil {
		r.logger.Error().Err(err).Str("type", env.Type).Msg("could not encode envelope")
		return
	}
	r.broadcast(b, exclude)
}

func (r *Room) broadcast(data []byte, exclude *Connection) {
	peers := make([]*Connection, len(r.conns))
	copy(peers, r.conns)
	for _, peer := range peers {
		if peer == exclude {
			continue
		}
		r.send(peer, data)
	}
}

// send never fails the caller: a peer that cannot take the message is
// queued for the same cleanup as an explicit close.
func (r *Room) send(c *Connection, data []byte) {
	if c.gone {
		return
	}
	if err := c.transport.Send(data); err != nil {
		r.logger.Warn().Err(err).Str("conn", c.ID()).Msg("send failed, dropping connection")
		c.gone = true
		r.pending = append(r.pending, c)
	}
}

func (r *Room) drain() {
	for len(r.pending) > 0 {
		c := r.pending[0]
		r.pending = r.pending[1:]
		r.leave(c)
	}
}

// shutdown runs the departure path for every connection and stops the room.
func (r *Room) shutdown() {
	for len(r.conns) > 0 {
		r.leave(r.conns[0])
	}
	r.stopped = true
}

func (r *Room) index(c *Connection) int {
	for i, conn := range r.conns {
		if conn == c {
			return i
		}
	}
	return -1
}

func (r *Room) event(eventType string, data any, attrs map[string]any) (domain.Envelope, bool) {
	env, err := domain.NewEvent(r.source, eventType, data, attrs)
	if err != nil {
		r.logger.Error().Err(err).Str("type", eventType).Msg("could not build envelope")
		return domain.Envelope{}, false
	}
	return env, true
}
