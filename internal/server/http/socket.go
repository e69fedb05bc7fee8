package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/leshachaplin/presence/internal/apierror"
	"github.com/leshachaplin/presence/internal/domain"
	"github.com/leshachaplin/presence/internal/presence"
)

// FingerprintKey is the query parameter carrying the client's opaque signature.
const FingerprintKey = "fp"

const (
	defaultSendBuffer   = 256
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 64 << 10
	defaultMessageRate  = 10
	defaultMessageBurst = 20
)

type SocketConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	MessageRate  float64       `mapstructure:"message_rate"`
	MessageBurst int           `mapstructure:"message_burst"`
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.MessageRate == 0 {
		c.MessageRate = defaultMessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaultMessageBurst
	}
	return c
}

func (c SocketConfig) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

func (c SocketConfig) limit() rate.Limit {
	if c.MessageRate < 0 {
		return rate.Inf
	}
	return rate.Limit(c.MessageRate)
}

// socket adapts a websocket connection to presence.Transport. Writes go
// through a buffered queue drained by writeLoop, so Send never blocks.
type socket struct {
	conn *websocket.Conn
	cfg  SocketConfig

	mu     sync.Mutex
	send   chan []byte
	closed bool

	done chan struct{}
}

func newSocket(conn *websocket.Conn, cfg SocketConfig) *socket {
	return &socket{
		conn: conn,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return presence.ErrClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return presence.ErrSlowConsumer
	}
}

// Close lets the writer flush what is queued, send a close frame and hang up.
func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	return nil
}

func (s *socket) writeLoop() {
	ticker := time.NewTicker(s.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Connect upgrades the request and runs the connection until it closes.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	kind, name, ok := h.party(w, r)
	if !ok {
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		h.error(apierror.BadRequest("websocket upgrade required"), w)
		return
	}

	edge := domain.EdgeFromHeader(r.Header, getClientIP(r))
	position := domain.PositionFromHints(domain.NewID(), domain.Hints{
		Latitude:  edge.Latitude,
		Longitude: edge.Longitude,
		Signature: signature(r),
		Edge:      edge,
	})
	if !position.Located() && h.hub.Config().RejectUnlocated {
		h.error(apierror.BadRequest("coordinates unavailable"), w)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	l := h.logger.With().Str("conn", position.ID).Str("party", string(kind)).Str("room", name).Logger()
	s := newSocket(conn, h.socket)
	go s.writeLoop()
	defer func() {
		_ = s.Close()
		<-s.done
	}()

	c := presence.NewConnection(s, position, edge)
	room, err := h.hub.Join(kind, name, c)
	if err != nil {
		l.Warn().Err(err).Msg("join refused")
		return
	}

	cause := h.readLoop(s, room, c)
	if cause != nil {
		l.Debug().Err(cause).Msg("read loop ended")
	}
	h.hub.Leave(room, c, cause)
}

// readLoop returns nil for a clean close from the peer and the read error otherwise.
func (h *Handler) readLoop(s *socket, room *presence.Room, c *presence.Connection) error {
	s.conn.SetReadLimit(h.socket.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.socket.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.socket.PongWait))
	})

	limiter := rate.NewLimiter(h.socket.limit(), h.socket.MessageBurst)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(h.socket.PongWait))

		if !limiter.Allow() {
			h.throttled(s, c)
			continue
		}
		room.Message(c, data)
	}
}

func (h *Handler) throttled(s *socket, c *presence.Connection) {
	h.logger.Warn().Str("conn", c.ID()).Msg("message rate exceeded, dropping")
	env, err := domain.NewEvent(h.hub.Config().Source, domain.TypeError, domain.Problem{Message: "rate limit exceeded"}, nil)
	if err != nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = s.Send(b)
}

func signature(r *http.Request) *string {
	q := r.URL.Query()
	if !q.Has(FingerprintKey) {
		return nil
	}
	fp := q.Get(FingerprintKey)
	return &fp
}
