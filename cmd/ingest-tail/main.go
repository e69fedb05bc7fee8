// Command ingest-tail prints the envelopes on the ingestion topic as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/leshachaplin/presence/app"
	"github.com/leshachaplin/presence/app/waiter"
	"github.com/leshachaplin/presence/internal/config"
	"github.com/leshachaplin/presence/internal/domain"
	"github.com/leshachaplin/presence/internal/ingest/redpanda/consumer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := app.NewZeroLogger(app.Level(cfg.LogLevel))
	if len(cfg.EventProducer.Brokers) == 0 {
		logger.Fatal().Msg("PRESENCE_REDPANDA_BROKERS is required")
	}

	errChan := make(chan error, 1)
	eventConsumer, err := consumer.NewConsumer(consumer.Config{
		Brokers:       cfg.EventProducer.Brokers,
		ConsumerGroup: cfg.ConsumerGroup,
		Topics:        []string{cfg.EventProducer.Topic},
	}, errChan)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not setup event consumer.")
	}
	defer eventConsumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := waiter.NewWaiter(ctx, cancel)

	envelopes := make(chan domain.Envelope)
	w.Add(
		func(ctx context.Context) error {
			eventConsumer.Consume(ctx, envelopes, nil)
			return nil
		},
		func(ctx context.Context) error {
			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case env := <-envelopes:
					if err := enc.Encode(env); err != nil {
						return err
					}
				case err := <-errChan:
					logger.Warn().Err(err).Msg("consume")
				}
			}
		},
	)

	if err := w.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("ingest-tail crashed")
	}
}
