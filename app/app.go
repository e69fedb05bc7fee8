package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/leshachaplin/presence/app/waiter"
	"github.com/leshachaplin/presence/internal/config"
	"github.com/leshachaplin/presence/internal/geo"
	"github.com/leshachaplin/presence/internal/ingest"
	"github.com/leshachaplin/presence/internal/ingest/redpanda/producer"
	"github.com/leshachaplin/presence/internal/presence"
	appServer "github.com/leshachaplin/presence/internal/server/http"
)

const shutdownTimeout = time.Minute

type LoadConfigFn func() (config.Config, error)

type App struct {
	cfg      config.Config
	logger   zerolog.Logger
	server   *appServer.Server
	hub      *presence.Hub
	emitter  *ingest.Emitter
	waiter   waiter.Waiter
	ctx      context.Context
	cancelFn context.CancelFunc

	serverStopped chan struct{}
}

func New(loadConfigFn LoadConfigFn) *App {
	ctx, cancelFn := context.WithCancel(context.Background())
	cfg, err := loadConfigFn()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := NewZeroLogger(Level(cfg.LogLevel))

	w := waiter.NewWaiter(ctx, cancelFn)

	return &App{
		cfg:           cfg,
		logger:        logger,
		waiter:        w,
		ctx:           ctx,
		cancelFn:      cancelFn,
		serverStopped: make(chan struct{}),
	}
}

func (a *App) Start() {
	defer a.cancelFn()

	sink, closeSink, err := a.newSink()
	if err != nil {
		a.logger.Fatal().Err(err).Msg("Could not setup ingest sink.")
	}
	defer closeSink()

	a.emitter = ingest.NewEmitter(sink, a.cfg.Sink.HTTP.Timeout, component(a.logger, "emitter"))

	var locator presence.Locator
	if a.cfg.Geo.URL != "" {
		locator = geo.New(a.cfg.Geo, component(a.logger, "geo"))
	}

	a.hub = presence.NewHub(a.cfg.Presence, a.emitter, locator, component(a.logger, "hub"))
	handler := appServer.NewHandler(a.hub, a.emitter, a.cfg.Socket, component(a.logger, "http"))

	a.server = appServer.New(handler)

	a.waitForServer()
	a.waitForPresence()

	if err = a.waiter.Wait(); err != nil {
		a.logger.Fatal().Err(err).Msg("App crash.")
	}
}

func (a *App) Stop() {
	a.cancelFn()
}

func (a *App) newSink() (ingest.Sink, func(), error) {
	l := component(a.logger, "sink").With().Str("kind", a.cfg.Sink.Kind).Logger()

	switch a.cfg.Sink.Kind {
	case ingest.KindHTTP:
		return ingest.NewHTTPSink(a.cfg.Sink.URL, a.cfg.Sink.HTTP, l), func() {}, nil
	case ingest.KindRedpanda:
		eventProducer, err := producer.NewProducer(a.ctx, a.cfg.EventProducer, l)
		if err != nil {
			return nil, nil, err
		}
		return eventProducer, func() { _ = eventProducer.Close() }, nil
	case ingest.KindLog:
		return ingest.NewLogSink(l), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink kind %q", a.cfg.Sink.Kind)
	}
}

func (a *App) waitForServer() {
	a.waiter.Add(func(ctx context.Context) error {
		defer a.logger.Debug().Msg("server has been shutdown")

		group, gCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			defer a.logger.Debug().Msg("public server exited")
			a.logger.Info().Str("starting server at: ", a.cfg.Addr).Send()
			err := a.server.ServePublic(a.cfg.Addr)
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})

		group.Go(func() error {
			<-gCtx.Done()
			defer close(a.serverStopped)
			a.logger.Debug().Msg("shutting down the server")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := a.server.ShutdownPublic(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("error while shutting down the server")
			}
			return nil
		})

		return group.Wait()
	})
}

// waitForPresence departs every connection once the server stops taking
// requests, then waits for the sink writes those departures produced.
func (a *App) waitForPresence() {
	a.waiter.Add(func(ctx context.Context) error {
		<-ctx.Done()
		<-a.serverStopped

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.hub.Close(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("error while closing rooms")
		}
		if err := a.emitter.Close(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("error while draining ingest writes")
		}
		a.logger.Debug().Msg("presence has been shutdown")
		return nil
	})
}
