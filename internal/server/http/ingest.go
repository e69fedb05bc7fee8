package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/leshachaplin/presence/internal/apierror"
	"github.com/leshachaplin/presence/internal/domain"
)

const maxIngestBody = 1 << 20

type ingestResponse struct {
	ID string `json:"id"`
}

// Ingest lets producers without a live connection push an envelope into the
// ingestion stream. It never touches room state.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		h.error(apierror.BadRequest("could not read body"), w)
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.error(apierror.BadRequest("malformed envelope").WithDetail("reason", err.Error()), w)
		return
	}

	if err := env.Validate(); err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, domain.ErrMissingFields) {
			status = http.StatusInternalServerError
		}
		h.error(apierror.NewAPIError(err.Error(), status), w)
		return
	}

	env.EnrichWith(domain.EdgeFromHeader(r.Header, getClientIP(r)), time.Now())
	h.emitter.Emit(env)

	if err := encodeJSONResponse(w, http.StatusAccepted, ingestResponse{ID: env.ID}); err != nil {
		h.logger.Error().Err(err).Msg("could not write ingest response")
	}
}
