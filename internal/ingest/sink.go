package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/presence/internal/retryhttp"
)

const (
	KindHTTP     = "http"
	KindRedpanda = "redpanda"
	KindLog      = "log"
)

// Sink is a write-only destination for serialized envelopes.
type Sink interface {
	Write(ctx context.Context, key string, body []byte) error
}

type HTTPSink struct {
	url  string
	http *retryablehttp.Client
}

func NewHTTPSink(url string, cfg retryhttp.Config, logger zerolog.Logger) *HTTPSink {
	return &HTTPSink{
		url:  url,
		http: retryhttp.New(cfg, logger),
	}
}

func (s *HTTPSink) Write(ctx context.Context, key string, body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", key)

	res, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	return nil
}

// LogSink only logs; it is what runs when no sink is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, key string, body []byte) error {
	s.logger.Debug().Str("key", key).RawJSON("envelope", body).Msg("ingest")
	return nil
}
