package redisstream

import "time"

// Message is the decoded, typed view of a stream entry handed to a
// dispatcher. Payload is whatever the configured Encoder produced for Type.
type Message struct {
	ID      string
	Stream  string
	Type    string
	Payload any

	Metadata Metadata
}

// Metadata carries the per-message fields exposed on an inbound Message,
// per the wire contract in SPEC_FULL.md §6.
type Metadata struct {
	MessageID  string
	Stream     string
	ConsumerID string

	// TraceParent is the W3C trace-context header the publisher stamped on
	// the entry, if any. StreamSource uses it to make the yielded
	// MessageRef's span a child of the producing span (SPEC_FULL.md §9).
	TraceParent string
}

// OutboundMessage is what a producer hands to a Sink.
type OutboundMessage struct {
	Type    string
	Payload any

	// Stream overrides the sink's default target stream for this message
	// when non-empty (the "redis.stream" metadata key in SPEC_FULL.md §6).
	Stream string
}

// PendingEntry is a single row from XPENDING ... - + count, enriched with
// delivery count and idle time the way redis.XPendingExt reports it.
type PendingEntry struct {
	MessageID     string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}
