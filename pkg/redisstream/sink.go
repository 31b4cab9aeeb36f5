package redisstream

import (
	"context"
	stderrors "errors"

	"github.com/corvid-systems/streamcore/pkg/errors"
)

// Sink is the outbound adapter: for each outbound message it derives a
// target stream and invokes XAdd. No batching, no cross-message
// consistency, and publishing is not idempotent — Redis assigns a fresh id
// per call, so retries can duplicate (SPEC_FULL.md §4.2).
type Sink struct {
	cfg    SinkConfig
	client *RedisClient
}

// NewSink builds a Sink over an already-connected RedisClient.
func NewSink(cfg SinkConfig, client *RedisClient) *Sink {
	return &Sink{cfg: cfg.withDefaults(), client: client}
}

// Publish routes msg to its per-message stream override, or the sink's
// default stream when none is set, and writes it via XAdd.
func (s *Sink) Publish(ctx context.Context, msg OutboundMessage) (messageID string, err error) {
	stream := msg.Stream
	if stream == "" {
		stream = s.cfg.Stream
	}

	var opts []XAddOption
	if s.cfg.MaxStreamLength > 0 {
		opts = append(opts, WithMaxLen(s.cfg.MaxStreamLength))
	}

	id, err := s.client.XAdd(ctx, stream, msg.Type, msg.Payload, opts...)
	return id, err
}

// Retriable reports whether the outer framework's retrier should attempt
// publish again. Protocol-parse and aggregate errors are non-retriable (a
// malformed reply won't parse any better on a retry, and an aggregate means
// several independent sub-operations already failed together); everything
// else — chiefly connection errors — is retriable (SPEC_FULL.md §4.2).
func Retriable(err error) bool {
	if err == nil {
		return true
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code != CodeProtocol && appErr.Code != CodeAggregate
	}
	return true
}
