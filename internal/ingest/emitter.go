package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/presence/internal/domain"
)

const defaultWriteTimeout = 5 * time.Second

// Emitter sends envelopes to a Sink without ever blocking or failing the caller.
// There is no retry and no queue: a failed write is logged and dropped.
type Emitter struct {
	sink    Sink
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEmitter(sink Sink, timeout time.Duration, logger zerolog.Logger) *Emitter {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Emitter{
		sink:    sink,
		timeout: timeout,
		logger:  logger,
	}
}

func (e *Emitter) Emit(env domain.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		e.logger.Warn().Err(err).Str("id", env.ID).Str("type", env.Type).Msg("could not encode envelope")
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn().Str("id", env.ID).Str("type", env.Type).Msg("emitter closed, envelope dropped")
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if err := e.sink.Write(ctx, env.ID, body); err != nil {
			e.logger.Warn().Err(err).Str("id", env.ID).Str("type", env.Type).Msg("ingest write failed")
		}
	}()
}

// Close stops accepting envelopes and waits for in-flight writes or ctx.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
