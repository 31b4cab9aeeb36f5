package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvid-systems/streamcore/pkg/config"
	"github.com/corvid-systems/streamcore/pkg/logger"
	"github.com/corvid-systems/streamcore/pkg/redisstream"
	"github.com/corvid-systems/streamcore/pkg/telemetry"
)

// Config is the process-level configuration: the shared ambient sections
// (logging, tracing) plus the source/sink halves of the pipeline this
// worker relays messages through.
type Config struct {
	Logger    logger.Config
	Telemetry telemetry.Config
	Source    redisstream.SourceConfig
	Sink      redisstream.SinkConfig
}

// envelope is the one message shape this worker relays: an opaque bag of
// fields read from Source's streams and republished to Sink's stream
// unchanged, demonstrating the wiring rather than any particular domain.
type envelope struct {
	Data map[string]any `json:"data"`
}

const envelopeType = "envelope"

func newEnvelopeMapper() redisstream.TypeMapper {
	return redisstream.NewMapTypeMapper(
		map[string]func() any{envelopeType: func() any { return &envelope{} }},
		func(any) (string, error) { return envelopeType, nil },
	)
}

func main() {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	slogger := logger.Init(cfg.Logger)

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		slogger.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slogger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := redisstream.Deps{Types: newEnvelopeMapper(), Logger: slogger}

	client, err := redisstream.New(ctx, cfg.Source.Config, deps)
	if err != nil {
		slogger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	source, err := redisstream.NewSource(ctx, cfg.Source, client, deps)
	if err != nil {
		slogger.Error("failed to start source", "error", err)
		os.Exit(1)
	}

	sink := redisstream.NewSink(cfg.Sink, client)

	slogger.Info("streamworker started",
		"streams", cfg.Source.Streams, "group", cfg.Source.ConsumerGroup, "sink_stream", cfg.Sink.Stream)

	done := make(chan struct{})
	go relay(ctx, slogger, source, sink, done)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slogger.Info("streamworker shutting down")
	cancel()
	<-done
}

// relay pulls one message at a time from source, republishes it through
// sink, and acks it once the republish succeeds or fails terminally — a
// failed publish that Retriable still considers retriable leaves the message
// unacked so it's redelivered or reclaimed instead of lost, while a terminal
// failure is logged and the message acked to drop it.
func relay(ctx context.Context, slogger *slog.Logger, source *redisstream.Source, sink *redisstream.Sink, done chan<- struct{}) {
	defer close(done)
	for {
		ref, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slogger.ErrorContext(ctx, "source read failed", "error", err)
			continue
		}

		_, pubErr := sink.Publish(ctx, redisstream.OutboundMessage{
			Type:    ref.Message.Type,
			Payload: ref.Message.Payload,
		})
		if pubErr != nil && redisstream.Retriable(pubErr) {
			slogger.ErrorContext(ctx, "publish failed, leaving message pending for redelivery",
				"message_id", ref.Message.ID, "error", pubErr)
			_ = ref.Release(ctx, pubErr)
			continue
		}
		if pubErr != nil {
			slogger.ErrorContext(ctx, "publish failed terminally, acking to drop",
				"message_id", ref.Message.ID, "error", pubErr)
		}
		if err := ref.Release(ctx, nil); err != nil {
			slogger.ErrorContext(ctx, "release failed", "message_id", ref.Message.ID, "error", err)
		}
	}
}
