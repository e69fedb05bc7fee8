package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/leshachaplin/presence/internal/apierror"
	"github.com/leshachaplin/presence/internal/domain"
	"github.com/leshachaplin/presence/internal/presence"
)

type recordingEmitter struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (r *recordingEmitter) Emit(env domain.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Type)
	}
	return out
}

func (r *recordingEmitter) all() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

type wireMessage struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	Position *domain.Position `json:"position"`
	Data     json.RawMessage  `json:"data"`
}

type ServerTestSuite struct {
	suite.Suite

	emitter *recordingEmitter
	hub     *presence.Hub
	srv     *httptest.Server

	presenceCfg presence.Config
	socketCfg   SocketConfig
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.start(presence.Config{Source: "test"}, SocketConfig{})
}

func (s *ServerTestSuite) start(pc presence.Config, sc SocketConfig) {
	if s.srv != nil {
		s.stop()
	}
	s.presenceCfg, s.socketCfg = pc, sc
	s.emitter = &recordingEmitter{}
	s.hub = presence.NewHub(pc, s.emitter, nil, zerolog.Nop())
	handler := NewHandler(s.hub, s.emitter, sc, zerolog.Nop())
	s.srv = httptest.NewServer(New(handler).Routes())
}

func (s *ServerTestSuite) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.hub.Close(ctx))
	s.srv.Close()
	s.srv = nil
}

func (s *ServerTestSuite) TearDownTest() {
	s.stop()
}

func (s *ServerTestSuite) do(method, path string, body []byte, header http.Header) (*http.Response, []byte) {
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewReader(body))
	s.Require().NoError(err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := s.srv.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp, b
}

func (s *ServerTestSuite) apiError(b []byte) apierror.Error {
	var apiErr apierror.Error
	s.Require().NoError(json.Unmarshal(b, &apiErr))
	return apiErr
}

func (s *ServerTestSuite) TestReady() {
	resp, body := s.do(http.MethodGet, "/_/ready", nil, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("OK", string(body))
}

func (s *ServerTestSuite) TestNotFound() {
	resp, body := s.do(http.MethodGet, "/nowhere", nil, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal(http.StatusNotFound, s.apiError(body).StatusCode())

	resp, _ = s.do(http.MethodGet, "/v1/parties/lobby/main", nil, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestIngest_WrongMethod() {
	resp, body := s.do(http.MethodGet, "/v1/ingest", nil, nil)
	s.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
	s.Equal("method not allowed", s.apiError(body).Message)
	s.Empty(s.emitter.types())
}

func (s *ServerTestSuite) TestIngest_MissingFields() {
	tests := []struct {
		name    string
		body    string
		missing string
	}{
		{name: "empty object", body: `{}`, missing: "data, source, type"},
		{name: "no data", body: `{"source":"web","type":"click"}`, missing: "data"},
		{name: "no type", body: `{"source":"web","data":{"x":1}}`, missing: "type"},
		{name: "null data", body: `{"source":"web","type":"click","data":null}`, missing: "data"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp, body := s.do(http.MethodPost, "/v1/ingest", []byte(tt.body), nil)
			s.Equal(http.StatusBadRequest, resp.StatusCode)
			s.Contains(s.apiError(body).Message, tt.missing)
		})
	}
	s.Empty(s.emitter.types())
}

func (s *ServerTestSuite) TestIngest_Malformed() {
	resp, body := s.do(http.MethodPost, "/v1/ingest", []byte(`{"source":`), nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("malformed envelope", s.apiError(body).Message)
	s.Empty(s.emitter.types())
}

func (s *ServerTestSuite) TestIngest_Accepted() {
	header := http.Header{}
	header.Set(domain.HeaderCountry, "HT")
	header.Set(domain.HeaderRay, "abc123")

	resp, body := s.do(http.MethodPost, "/v1/ingest",
		[]byte(`{"source":"web","type":"click","data":{"x":1},"campaign":"spring"}`), header)
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)

	var out ingestResponse
	s.Require().NoError(json.Unmarshal(body, &out))
	s.NotEmpty(out.ID)

	envs := s.emitter.all()
	s.Require().Len(envs, 1)
	env := envs[0]
	s.Equal(out.ID, env.ID)
	s.Equal("click", env.Type)
	s.Equal("web", env.Source)
	s.False(env.Time.IsZero())
	s.JSONEq(`{"x":1}`, string(env.Data))
	s.Contains(env.Extensions, "campaign")

	edge, ok := env.Extensions[domain.ExtensionEdge].(domain.EdgeContext)
	s.Require().True(ok)
	s.Equal("HT", edge.Country)
	s.Equal("abc123", edge.Ray)

	// ingestion never touches rooms
	_, exists := s.hub.Snapshot(presence.KindGlobe, "ingest")
	s.False(exists)
}

func (s *ServerTestSuite) TestConnect_RequiresUpgrade() {
	resp, body := s.do(http.MethodGet, "/parties/globe/main", nil, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("websocket upgrade required", s.apiError(body).Message)
}

func (s *ServerTestSuite) dial(path string, lat, lng string) *websocket.Conn {
	header := http.Header{}
	if lat != "" {
		header.Set(domain.HeaderLatitude, lat)
	}
	if lng != "" {
		header.Set(domain.HeaderLongitude, lng)
	}
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	s.Require().NoError(err)
	s.Equal(http.StatusSwitchingProtocols, resp.StatusCode)
	return conn
}

func (s *ServerTestSuite) read(conn *websocket.Conn) wireMessage {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	var m wireMessage
	s.Require().NoError(conn.ReadJSON(&m))
	return m
}

func (s *ServerTestSuite) hangUp(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	_ = conn.Close()
}

func (s *ServerTestSuite) TestGlobe_JoinAndLeave() {
	a := s.dial("/parties/globe/main", "18.5", "-72.3")
	self := s.read(a)
	s.Equal(domain.TypeAddMarker, self.Type)
	s.Require().NotNil(self.Position)
	s.Equal(18.5, self.Position.Lat)
	aID := self.Position.ID

	b := s.dial("/parties/globe/main?fp=device-1", "40.7", "-74")
	first, second := s.read(b), s.read(b)
	s.Equal(aID, first.Position.ID)
	bID := second.Position.ID
	s.NotEqual(aID, bID)
	s.Require().NotNil(second.Position.Signature)
	s.Equal("device-1", *second.Position.Signature)

	announce := s.read(a)
	s.Equal(domain.TypeAddMarker, announce.Type)
	s.Equal(bID, announce.Position.ID)

	resp, body := s.do(http.MethodGet, "/v1/parties/globe/main", nil, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var snapshot struct {
		Count     int               `json:"count"`
		Positions []domain.Position `json:"positions"`
	}
	s.Require().NoError(json.Unmarshal(body, &snapshot))
	s.Equal(2, snapshot.Count)
	s.Equal(aID, snapshot.Positions[0].ID)
	s.Equal(bID, snapshot.Positions[1].ID)

	s.hangUp(b)
	removed := s.read(a)
	s.Equal(domain.TypeRemoveMarker, removed.Type)
	s.Equal(bID, removed.ID)

	s.hangUp(a)
	s.Eventually(func() bool {
		_, ok := s.hub.Snapshot(presence.KindGlobe, "main")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	s.Equal([]string{
		domain.TypeConnection,
		domain.TypeConnection,
		domain.TypeRemoveMarker,
		domain.TypeRemoveMarker,
	}, s.emitter.types())
}

func (s *ServerTestSuite) TestGlobe_UnlocatedAcceptedByDefault() {
	conn := s.dial("/parties/globe/main", "", "")
	defer s.hangUp(conn)

	m := s.read(conn)
	s.Equal(domain.TypeAddMarker, m.Type)
	s.Require().NotNil(m.Position)
	s.False(m.Position.Located())
}

func (s *ServerTestSuite) TestGlobe_RejectUnlocated() {
	s.start(presence.Config{Source: "test", RejectUnlocated: true}, SocketConfig{})

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/parties/globe/main"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{domain.HeaderLatitude: []string{"north"}})
	s.Require().ErrorIs(err, websocket.ErrBadHandshake)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Empty(s.emitter.types())
}

func (s *ServerTestSuite) TestRelay() {
	a := s.dial("/parties/chat/lobby", "1", "2")
	defer s.hangUp(a)
	s.Equal(domain.TypeChatJoin, s.read(a).Type)

	b := s.dial("/parties/chat/lobby", "3", "4")
	defer s.hangUp(b)
	s.Equal(domain.TypeChatJoin, s.read(a).Type)
	s.Equal(domain.TypeChatJoin, s.read(b).Type)

	s.Require().NoError(b.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"chat.message","source":"client","data":{"text":"hi"}}`)))
	s.Equal("chat.message", s.read(a).Type)
	s.Equal("chat.message", s.read(b).Type)

	s.Require().NoError(b.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	rejected := s.read(b)
	s.Equal(domain.TypeError, rejected.Type)
}

func (s *ServerTestSuite) TestRateLimit() {
	s.start(presence.Config{Source: "test"}, SocketConfig{MessageRate: 0.001, MessageBurst: 1})

	conn := s.dial("/parties/chat/lobby", "1", "2")
	defer s.hangUp(conn)
	s.Equal(domain.TypeChatJoin, s.read(conn).Type)

	msg := []byte(`{"type":"ping","source":"client","data":{}}`)
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, msg))
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, msg))

	s.Equal("ping", s.read(conn).Type)
	limited := s.read(conn)
	s.Equal(domain.TypeError, limited.Type)

	var problem domain.Problem
	s.Require().NoError(json.Unmarshal(limited.Data, &problem))
	s.Equal("rate limit exceeded", problem.Message)
}

func TestSocketConfig_Defaults(t *testing.T) {
	cfg := SocketConfig{}.withDefaults()
	if cfg.SendBuffer != defaultSendBuffer || cfg.PongWait != defaultPongWait || cfg.ReadLimit != defaultReadLimit {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.pingPeriod() >= cfg.PongWait {
		t.Fatalf("ping period %s must be shorter than pong wait %s", cfg.pingPeriod(), cfg.PongWait)
	}
}

func TestSocket_SendAfterClose(t *testing.T) {
	s := &socket{send: make(chan []byte, 1)}
	if err := s.Send([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Send([]byte("b")); err != presence.ErrSlowConsumer {
		t.Fatalf("want ErrSlowConsumer, got %v", err)
	}
	_ = s.Close()
	_ = s.Close()
	if err := s.Send([]byte("c")); err != presence.ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
