// Package redisstream moves typed application messages through Redis
// Streams with at-least-once delivery: consumer groups, PEL inspection,
// and idle-message reclaim recover from consumer crashes or rescaling.
//
// # Dependencies
//
// This package requires: github.com/redis/go-redis/v9
package redisstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvid-systems/streamcore/pkg/concurrency"
	"github.com/corvid-systems/streamcore/pkg/logger"
)

// Deps bundles the external collaborators RedisClient calls through:
// encoding, a type-name mapper, and observability. All fields are optional;
// zero values fall back to sane process-wide defaults.
type Deps struct {
	Encoder Encoder
	Types   TypeMapper
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Meter   metric.Meter
}

func (d Deps) withDefaults() Deps {
	if d.Types == nil {
		d.Types = NewMapTypeMapper(nil, func(any) (string, error) { return "", fmt.Errorf("no type mapper configured") })
	}
	if d.Encoder == nil {
		d.Encoder = NewJSONEncoder(d.Types)
	}
	if d.Logger == nil {
		d.Logger = logger.L()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("pkg/redisstream")
	}
	if d.Meter == nil {
		d.Meter = otel.Meter("pkg/redisstream")
	}
	return d
}

// RedisClient is a thin, typed protocol wrapper over a Redis connection,
// translating RedisStreams operations into raw Redis commands and back with
// uniform tracing, metrics, and error classification (SPEC_FULL.md §4.1).
type RedisClient struct {
	cfg    Config
	deps   Deps
	rdb    *redis.Client
	mu     *concurrency.SmartRWMutex
	closed bool

	opsCounter metric.Int64Counter
	pelGauge   metric.Int64Gauge
}

// New dials Redis and returns a ready RedisClient.
func New(ctx context.Context, cfg Config, deps Deps) (*RedisClient, error) {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, ErrConnectionFailed(err)
	}

	c := &RedisClient{
		cfg:  cfg,
		deps: deps,
		rdb:  rdb,
		mu:   concurrency.NewSmartRWMutex(concurrency.MutexConfig{Name: "RedisClient"}),
	}

	opsCounter, err := deps.Meter.Int64Counter("redisstream.ops")
	if err != nil {
		return nil, err
	}
	pelGauge, err := deps.Meter.Int64Gauge("redisstream.pending_entries")
	if err != nil {
		return nil, err
	}
	c.opsCounter = opsCounter
	c.pelGauge = pelGauge

	return c, nil
}

// NewFromRedis wraps an already-constructed *redis.Client, e.g. one pointed
// at a miniredis instance in tests.
func NewFromRedis(rdb *redis.Client, cfg Config, deps Deps) *RedisClient {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()
	c := &RedisClient{
		cfg:  cfg,
		deps: deps,
		rdb:  rdb,
		mu:   concurrency.NewSmartRWMutex(concurrency.MutexConfig{Name: "RedisClient"}),
	}
	c.opsCounter, _ = deps.Meter.Int64Counter("redisstream.ops")
	c.pelGauge, _ = deps.Meter.Int64Gauge("redisstream.pending_entries")
	return c
}

// Close disconnects the underlying connection. Operations started after
// this returns fail with ErrClosed; operations already in flight fail with
// the underlying client's closed-connection error (SPEC_FULL.md §5).
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rdb.Close()
}

func (c *RedisClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// span starts an RPC-client span tagged with the operation name, db, and
// stream(s), the way pkg/concurrency/distlock's InstrumentedLock does.
func (c *RedisClient) span(ctx context.Context, op string, streams ...string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("redis.op", op),
		attribute.Int("redis.db", c.cfg.DB),
	}
	if len(streams) > 0 {
		attrs = append(attrs, attribute.StringSlice("redis.streams", streams))
	}
	return c.deps.Tracer.Start(ctx, "redisstream."+op, trace.WithAttributes(attrs...))
}

func (c *RedisClient) finish(span trace.Span, op, stream string, err error) {
	result := "success"
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = "error"
	}
	span.End()
	c.opsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("stream", stream),
		attribute.String("result", result),
	))
}

// encodePayload encodes payload via the configured Encoder and, if
// Base64Encode is set, base64-encodes the result for storage as field text
// (SPEC_FULL.md §6 encoding rule).
func (c *RedisClient) encodePayload(typeName string, payload any) ([]byte, error) {
	raw, err := c.deps.Encoder.Encode(typeName, payload)
	if err != nil {
		return nil, ErrEncodeDecode(err)
	}
	if c.cfg.Base64Encode {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
		base64.StdEncoding.Encode(encoded, raw)
		return encoded, nil
	}
	return raw, nil
}

func (c *RedisClient) decodePayload(typeName string, stored []byte) (any, error) {
	raw := stored
	if c.cfg.Base64Encode {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(stored)))
		n, err := base64.StdEncoding.Decode(decoded, stored)
		if err != nil {
			return nil, ErrEncodeDecode(err)
		}
		raw = decoded[:n]
	}
	payload, err := c.deps.Encoder.Decode(typeName, raw)
	if err != nil {
		return nil, ErrEncodeDecode(err)
	}
	return payload, nil
}

// PutObject stores a single encoded value under key via SET.
func (c *RedisClient) PutObject(ctx context.Context, key, typeName string, body any) error {
	if c.isClosed() {
		return ErrClosed(nil)
	}
	ctx, span := c.span(ctx, "PutObject", key)
	var err error
	defer func() { c.finish(span, "PutObject", key, err) }()

	encoded, encErr := c.encodePayload(typeName, body)
	if encErr != nil {
		err = encErr
		return err
	}
	err = c.rdb.Set(ctx, key, encoded, 0).Err()
	return err
}

// GetObject fetches and decodes the value stored under key, returning
// ok=false when the key is absent rather than an error.
func (c *RedisClient) GetObject(ctx context.Context, key, typeName string) (payload any, ok bool, err error) {
	if c.isClosed() {
		return nil, false, ErrClosed(nil)
	}
	ctx, span := c.span(ctx, "GetObject", key)
	defer func() { c.finish(span, "GetObject", key, err) }()

	raw, getErr := c.rdb.Get(ctx, key).Bytes()
	if getErr == redis.Nil {
		return nil, false, nil
	}
	if getErr != nil {
		err = ErrConnectionFailed(getErr)
		return nil, false, err
	}
	payload, err = c.decodePayload(typeName, raw)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// XAddOption configures a single XAdd call.
type XAddOption func(*xAddOptions)

type xAddOptions struct {
	id      string
	maxLen  int64
	hasTrim bool
}

// WithMessageID sets an explicit message id instead of the default "*".
func WithMessageID(id string) XAddOption {
	return func(o *xAddOptions) { o.id = id }
}

// WithMaxLen issues an approximate MAXLEN ~ N trim on this add.
func WithMaxLen(n int64) XAddOption {
	return func(o *xAddOptions) { o.maxLen = n; o.hasTrim = n > 0 }
}

// XAdd writes a two-field entry (payload, type name) to stream, returning
// the message id Redis assigned (SPEC_FULL.md §4.1).
func (c *RedisClient) XAdd(ctx context.Context, stream, typeName string, body any, opts ...XAddOption) (string, error) {
	if c.isClosed() {
		return "", ErrClosed(nil)
	}
	ctx, span := c.span(ctx, "XAdd", stream)
	var err error
	defer func() { c.finish(span, "XAdd", stream, err) }()

	options := xAddOptions{id: "*"}
	for _, opt := range opts {
		opt(&options)
	}

	encoded, encErr := c.encodePayload(typeName, body)
	if encErr != nil {
		err = encErr
		return "", err
	}

	values := map[string]any{
		c.cfg.PayloadKey:  encoded,
		c.cfg.TypeNameKey: typeName,
	}
	if tp := injectedTraceParent(ctx); tp != "" {
		values[traceParentField] = tp
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     options.id,
		Values: values,
	}
	if options.hasTrim {
		args.MaxLen = options.maxLen
		args.Approx = true
	}

	id, addErr := c.rdb.XAdd(ctx, args).Result()
	if addErr != nil {
		err = ErrConnectionFailed(addErr)
		return "", err
	}
	return id, nil
}

// XGroupCreate creates the consumer group (with MKSTREAM) and, by default,
// swallows a BUSYGROUP "already exists" error rather than surfacing it
// (SPEC_FULL.md §7 item 3).
func (c *RedisClient) XGroupCreate(ctx context.Context, stream, group, startID string, suppressExists bool) (string, error) {
	if c.isClosed() {
		return "", ErrClosed(nil)
	}
	ctx, span := c.span(ctx, "XGroupCreate", stream)
	var err error
	defer func() { c.finish(span, "XGroupCreate", stream, err) }()

	createErr := c.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if createErr == nil {
		return "OK", nil
	}
	if isBusyGroup(createErr) {
		if suppressExists {
			c.opsCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", "XGroupCreate"),
				attribute.String("stream", stream),
				attribute.String("result", "already_exists"),
			))
			return "OK", nil
		}
	}
	err = ErrConnectionFailed(createErr)
	return "", err
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// XAck acknowledges messageID against stream/group, removing it from the PEL.
func (c *RedisClient) XAck(ctx context.Context, stream, group, messageID string) (int64, error) {
	if c.isClosed() {
		return 0, ErrClosed(nil)
	}
	ctx, span := c.span(ctx, "XAck", stream)
	var err error
	defer func() { c.finish(span, "XAck", stream, err) }()

	n, ackErr := c.rdb.XAck(ctx, stream, group, messageID).Result()
	if ackErr != nil {
		err = ErrClaimFailed(ackErr)
		return 0, err
	}
	return n, nil
}

// XReadGroup reads from every (stream -> id) pair in streams under group as
// consumer. id is ">" for never-delivered messages, or an explicit id to
// replay this consumer's own pending entries after it (SPEC_FULL.md §4.1).
func (c *RedisClient) XReadGroup(ctx context.Context, group, consumer string, streams map[string]string, count int64, block time.Duration) ([]Message, error) {
	if c.isClosed() {
		return nil, ErrClosed(nil)
	}

	names := make([]string, 0, len(streams))
	for s := range streams {
		names = append(names, s)
	}
	ctx, span := c.span(ctx, "XReadGroup", names...)
	var err error
	defer func() { c.finish(span, "XReadGroup", joinStreams(names), err) }()

	streamArgs := make([]string, 0, 2*len(streams))
	for _, s := range names {
		streamArgs = append(streamArgs, s)
	}
	for _, s := range names {
		streamArgs = append(streamArgs, streams[s])
	}

	result, readErr := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streamArgs,
		Count:    count,
		Block:    block,
	}).Result()
	if readErr == redis.Nil {
		return nil, nil
	}
	if readErr != nil {
		err = ErrConnectionFailed(readErr)
		return nil, err
	}

	return c.decodeStreams(ctx, group, result)
}

// decodeStreams applies the decoding rule from SPEC_FULL.md §4.1: a missing
// payload field marks the entry malformed, which is auto-acked and logged,
// then excluded from the result.
func (c *RedisClient) decodeStreams(ctx context.Context, group string, streams []redis.XStream) ([]Message, error) {
	var out []Message
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			msg, ok, err := c.decodeEntry(ctx, group, stream.Stream, raw)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *RedisClient) decodeEntry(ctx context.Context, group, stream string, raw redis.XMessage) (Message, bool, error) {
	payloadField, hasPayload := raw.Values[c.cfg.PayloadKey]
	if !hasPayload {
		c.deps.Logger.ErrorContext(ctx, "malformed stream entry",
			"stream", stream, "message_id", raw.ID, "error", ErrMalformedEntry(raw.ID))
		if _, ackErr := c.rdb.XAck(ctx, stream, group, raw.ID).Result(); ackErr != nil {
			c.deps.Logger.ErrorContext(ctx, "failed to auto-ack malformed entry",
				"stream", stream, "message_id", raw.ID, "error", ackErr)
		}
		return Message{}, false, nil
	}

	typeName, _ := raw.Values[c.cfg.TypeNameKey].(string)

	payloadBytes, err := fieldBytes(payloadField)
	if err != nil {
		return Message{}, false, ErrProtocol(err)
	}

	payload, err := c.decodePayload(typeName, payloadBytes)
	if err != nil {
		return Message{}, false, err
	}

	traceParent, _ := raw.Values[traceParentField].(string)

	return Message{
		ID:      raw.ID,
		Stream:  stream,
		Type:    typeName,
		Payload: payload,
		Metadata: Metadata{
			MessageID:   raw.ID,
			Stream:      stream,
			ConsumerID:  group,
			TraceParent: traceParent,
		},
	}, true, nil
}

// traceParentField is a fixed, non-configurable field name: unlike the
// payload/type keys, trace propagation is an ambient concern the producer
// and consumer don't need to agree on via Config.
const traceParentField = "traceparent"

// injectedTraceParent returns the W3C traceparent header for ctx's current
// span, or "" if ctx carries no valid span context or the global
// propagator does not write a traceparent field.
func injectedTraceParent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get(traceParentField)
}

// extractTraceParent builds a context carrying the remote span described by
// traceParent as its parent, or ctx unchanged if traceParent is empty.
func extractTraceParent(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{traceParentField: traceParent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func fieldBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("unexpected field value type %T", v)
	}
}

// XPendingRange queries the full PEL range (- to +) for stream/group,
// returning up to count entries.
func (c *RedisClient) XPendingRange(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	if c.isClosed() {
		return nil, ErrClosed(nil)
	}
	ctx, span := c.span(ctx, "XPendingRange", stream)
	var err error
	defer func() { c.finish(span, "XPendingRange", stream, err) }()

	result, pendErr := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if pendErr != nil {
		err = ErrConnectionFailed(pendErr)
		return nil, err
	}

	c.pelGauge.Record(ctx, int64(len(result)), metric.WithAttributes(attribute.String("stream", stream)))

	entries := make([]PendingEntry, 0, len(result))
	for _, p := range result {
		entries = append(entries, PendingEntry{
			MessageID:     p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// XClaim transfers ownership of ids to consumer, provided they have been
// idle at least minIdle. Empty ids short-circuits without a round trip.
func (c *RedisClient) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if c.isClosed() {
		return nil, ErrClosed(nil)
	}
	ctx, span := c.span(ctx, "XClaim", stream)
	var err error
	defer func() { c.finish(span, "XClaim", stream, err) }()

	claimed, claimErr := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if claimErr != nil {
		err = ErrClaimFailed(claimErr)
		return nil, err
	}

	var out []Message
	for _, raw := range claimed {
		msg, ok, decErr := c.decodeEntry(ctx, group, stream, raw)
		if decErr != nil {
			return nil, decErr
		}
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func joinStreams(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
