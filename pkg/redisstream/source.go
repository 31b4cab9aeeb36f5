package redisstream

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// sourcePhase is the StreamSource state machine's current phase
// (SPEC_FULL.md §4.3.4). Transitions are monotone per process lifetime:
// DrainOwnPEL -> ReadNew, with ReclaimOthers interleaved into the ReadNew
// steady state on a timer.
type sourcePhase int

const (
	phaseDrainOwnPEL sourcePhase = iota
	phaseSteadyState
)

// Source is the input generator: it yields MessageRef handles to a
// dispatcher by running the three-phase loop from SPEC_FULL.md §4.3 against
// a single consumer group. It is pull-driven — each XREADGROUP call blocks
// server-side for at most BlockTimeout, and Next keeps issuing reads until
// it has a message, Stop is observed, ctx is cancelled, or a call fails.
type Source struct {
	cfg      SourceConfig
	client   *RedisClient
	deps     Deps
	identity Identity

	phase         sourcePhase
	cursors       map[string]string // stream -> last-yielded id during PEL drain
	lastReclaimAt time.Time
	reclaimSet    bool

	buffer   []Message
	bufIndex int

	done atomic.Bool

	msgCounter metric.Int64Counter
	batchGauge metric.Int64Gauge
}

// NewSource creates the consumer groups for every configured stream
// (suppressing BUSYGROUP) and returns a ready Source positioned at the
// start of Phase A.
func NewSource(ctx context.Context, cfg SourceConfig, client *RedisClient, deps Deps) (*Source, error) {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()

	consumer := resolveConsumerID(cfg.ConsumerID)

	s := &Source{
		cfg:    cfg,
		client: client,
		deps:   deps,
		identity: Identity{
			Group:    cfg.ConsumerGroup,
			Consumer: consumer,
		},
		phase:   phaseDrainOwnPEL,
		cursors: make(map[string]string, len(cfg.Streams)),
	}

	for _, stream := range cfg.Streams {
		if _, err := client.XGroupCreate(ctx, stream, cfg.ConsumerGroup, cfg.ConsumerGroupStartID, true); err != nil {
			return nil, err
		}
		s.cursors[stream] = "0"
	}

	msgCounter, err := deps.Meter.Int64Counter("redisstream.msg_processed")
	if err != nil {
		return nil, err
	}
	batchGauge, err := deps.Meter.Int64Gauge("redisstream.incoming_batch_size")
	if err != nil {
		return nil, err
	}
	s.msgCounter = msgCounter
	s.batchGauge = batchGauge

	return s, nil
}

// Identity returns the (group, consumer) tuple this Source reads under.
func (s *Source) Identity() Identity {
	return s.identity
}

// Stop requests graceful shutdown: the loop's next iteration observes it
// and Next returns (nil, nil). In-flight blocking reads still return when
// the server-side block timer elapses (SPEC_FULL.md §4.3.4, §5).
func (s *Source) Stop() {
	s.done.Store(true)
}

// Next returns the next decoded message as a MessageRef, advancing the
// state machine as needed. It returns (nil, nil) once Stop has been called
// and the internal buffer is drained.
func (s *Source) Next(ctx context.Context) (*MessageRef, error) {
	for {
		if s.bufIndex < len(s.buffer) {
			msg := s.buffer[s.bufIndex]
			s.bufIndex++
			return s.wrap(ctx, msg), nil
		}

		if s.done.Load() {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var (
			msgs []Message
			err  error
		)
		switch s.phase {
		case phaseDrainOwnPEL:
			msgs, err = s.drainStep(ctx)
		default:
			msgs, err = s.steadyStep(ctx)
		}
		if err != nil {
			return nil, err
		}

		s.buffer = msgs
		s.bufIndex = 0
	}
}

// drainStep implements Phase A (SPEC_FULL.md §4.3.2): replay this
// consumer's own pending entries after each stream's cursor. An empty
// batch means every configured stream's PEL has been fully replayed, so
// the state machine advances to the steady state and never returns here.
func (s *Source) drainStep(ctx context.Context) ([]Message, error) {
	streams := make(map[string]string, len(s.cfg.Streams))
	for _, stream := range s.cfg.Streams {
		streams[stream] = s.cursors[stream]
	}

	msgs, err := s.client.XReadGroup(ctx, s.identity.Group, s.identity.Consumer, streams, s.cfg.BatchSize, s.cfg.BlockTimeout)
	if err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		s.phase = phaseSteadyState
		return nil, nil
	}

	for _, m := range msgs {
		s.cursors[m.Stream] = m.ID
	}
	return msgs, nil
}

// steadyStep implements Phase B (SPEC_FULL.md §4.3.2): either a gated
// reclaim pass or a live ">" read, never both in the same call.
func (s *Source) steadyStep(ctx context.Context) ([]Message, error) {
	if s.cfg.ReclaimMessageInterval > 0 && s.reclaimDue() {
		return s.reclaimPass(ctx)
	}

	streams := make(map[string]string, len(s.cfg.Streams))
	for _, stream := range s.cfg.Streams {
		streams[stream] = ">"
	}

	msgs, err := s.client.XReadGroup(ctx, s.identity.Group, s.identity.Consumer, streams, s.cfg.BatchSize, s.cfg.BlockTimeout)
	if err != nil {
		return nil, err
	}
	s.batchGauge.Record(ctx, int64(len(msgs)))
	return msgs, nil
}

func (s *Source) reclaimDue() bool {
	if !s.reclaimSet {
		return true
	}
	return time.Now().After(s.lastReclaimAt.Add(s.cfg.ReclaimMessageInterval))
}

// reclaimPass visits XPENDING + XCLAIM for every configured stream. The
// reclaim timer only advances on a pass that claims nothing, so backlog is
// drained greedily while entries that are pending but not yet idle long
// enough do not cause a hot loop.
func (s *Source) reclaimPass(ctx context.Context) ([]Message, error) {
	var claimed []Message

	for _, stream := range s.cfg.Streams {
		pending, err := s.client.XPendingRange(ctx, stream, s.identity.Group, s.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			continue
		}

		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.MessageID
		}

		msgs, err := s.client.XClaim(ctx, stream, s.identity.Group, s.identity.Consumer, s.cfg.IdleTimeout, ids)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msgs...)
	}

	if len(claimed) == 0 {
		s.lastReclaimAt = time.Now()
		s.reclaimSet = true
	}

	return claimed, nil
}

// wrap turns a decoded Message into a MessageRef: a child span of its
// propagated trace header if present, otherwise a fresh root (SPEC_FULL.md
// §9), and a one-shot Release callback that acks on success and leaves the
// entry in the PEL on failure (SPEC_FULL.md §4.3.3).
func (s *Source) wrap(ctx context.Context, msg Message) *MessageRef {
	spanCtx := extractTraceParent(context.Background(), msg.Metadata.TraceParent)
	tracer := s.deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("pkg/redisstream")
	}
	_, span := tracer.Start(spanCtx, "redisstream.message", trace.WithAttributes(
		attribute.String("redis.stream", msg.Stream),
		attribute.String("redis.message_id", msg.ID),
		attribute.String("redis.consumer_group", s.identity.Group),
	))

	return &MessageRef{
		Message: msg,
		source:  s,
		span:    span,
	}
}

// MessageRef is a one-shot handle carrying a decoded message and the right
// to acknowledge its underlying stream entry. Release must be called
// exactly once; subsequent calls are a no-op (SPEC_FULL.md §4.3.3).
type MessageRef struct {
	Message Message

	source   *Source
	span     trace.Span
	released atomic.Bool
}

// Release fires the one-shot "processed" event. cause == nil means success:
// the entry is acked and removed from the PEL. A non-nil cause means
// failure: no ack is issued, and the entry remains in the PEL for the next
// reclaim pass after IdleTimeout. Release performs at most one XAck call
// and does not block the generator.
func (r *MessageRef) Release(ctx context.Context, cause error) error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	defer r.span.End()

	if cause != nil {
		r.span.RecordError(cause)
		r.span.SetStatus(codes.Error, cause.Error())
		r.source.msgCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", "error"),
			attribute.String("stream", r.Message.Stream),
		))
		r.source.deps.Logger.DebugContext(ctx, "message released with error, leaving in PEL",
			"stream", r.Message.Stream, "message_id", r.Message.ID, "error", cause)
		return nil
	}

	_, err := r.source.client.XAck(ctx, r.Message.Stream, r.source.identity.Group, r.Message.ID)
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		r.source.msgCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", "error"),
			attribute.String("stream", r.Message.Stream),
		))
		return err
	}

	r.source.msgCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", "success"),
		attribute.String("stream", r.Message.Stream),
	))
	return nil
}
