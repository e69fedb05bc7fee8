package http

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/presence/internal/apierror"
	"github.com/leshachaplin/presence/internal/domain"
	"github.com/leshachaplin/presence/internal/presence"
)

type Emitter interface {
	Emit(env domain.Envelope)
}

type Handler struct {
	hub      *presence.Hub
	emitter  Emitter
	socket   SocketConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(hub *presence.Hub, emitter Emitter, socket SocketConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:     hub,
		emitter: emitter,
		socket:  socket.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

func (h *Handler) error(err error, w http.ResponseWriter) {
	var apiErr apierror.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierror.NewAPIError(err.Error(), http.StatusInternalServerError)
	}

	if err = encodeJSONResponse(w, apiErr.StatusCode(), apiErr); err != nil {
		h.logger.Error().Err(err).Msg("could not write error response")
	}
}

func (h *Handler) notFound(w http.ResponseWriter, _ *http.Request) {
	h.error(apierror.NewAPIError("not found", http.StatusNotFound), w)
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	h.error(apierror.NewAPIError("method not allowed", http.StatusMethodNotAllowed), w)
}

// Presence reports who is in a room right now.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	kind, name, ok := h.party(w, r)
	if !ok {
		return
	}

	positions, _ := h.hub.Snapshot(kind, name)
	if positions == nil {
		positions = []domain.Position{}
	}

	resp := struct {
		Party     presence.Kind     `json:"party"`
		Room      string            `json:"room"`
		Count     int               `json:"count"`
		Positions []domain.Position `json:"positions"`
	}{
		Party:     kind,
		Room:      name,
		Count:     len(positions),
		Positions: positions,
	}
	if err := encodeJSONResponse(w, http.StatusOK, resp); err != nil {
		h.logger.Error().Err(err).Msg("could not write presence response")
	}
}
