package redisstream

import (
	stderrors "errors"

	"github.com/corvid-systems/streamcore/pkg/errors"
)

// Error codes specific to the Redis Streams core, layered on pkg/errors'
// general-purpose AppError the same way pkg/messaging's adapters build
// their own Err* constructors on top of it.
const (
	CodeConnection     = "REDISSTREAM_CONNECTION"
	CodeProtocol       = "REDISSTREAM_PROTOCOL"
	CodeMalformedEntry = "REDISSTREAM_MALFORMED_ENTRY"
	CodeEncodeDecode   = "REDISSTREAM_ENCODE_DECODE"
	CodeClaimFailed    = "REDISSTREAM_CLAIM_FAILED"
	CodeClosed         = "REDISSTREAM_CLOSED"
	CodeInvalidConfig  = "REDISSTREAM_INVALID_CONFIG"
	CodeAggregate      = "REDISSTREAM_AGGREGATE"
)

// ErrConnectionFailed wraps a transport-level Redis error (§7 item 1).
func ErrConnectionFailed(err error) *errors.AppError {
	return errors.New(CodeConnection, "redis connection failed", err)
}

// ErrProtocol wraps a malformed Redis reply (§7 item 2).
func ErrProtocol(err error) *errors.AppError {
	return errors.New(CodeProtocol, "malformed redis reply", err)
}

// ErrMalformedEntry marks a stream entry missing its payload field (§7 item 4).
func ErrMalformedEntry(messageID string) *errors.AppError {
	return errors.New(CodeMalformedEntry, "stream entry missing payload field: "+messageID, nil)
}

// ErrEncodeDecode wraps a failure from the pluggable Encoder (§7 item 5).
func ErrEncodeDecode(err error) *errors.AppError {
	return errors.New(CodeEncodeDecode, "encode/decode failed", err)
}

// ErrClaimFailed wraps an XCLAIM/XACK failure (§7 item 7).
func ErrClaimFailed(err error) *errors.AppError {
	return errors.New(CodeClaimFailed, "claim or ack failed", err)
}

// ErrClosed is returned by any operation attempted after Close/Dispose.
func ErrClosed(err error) *errors.AppError {
	return errors.New(CodeClosed, "redis client closed", err)
}

// ErrInvalidConfig is returned when a Config fails validation or defaulting.
func ErrInvalidConfig(msg string, err error) *errors.AppError {
	return errors.New(CodeInvalidConfig, msg, err)
}

// ErrAggregate wraps several independent failures from a single fan-out
// call (e.g. a future multi-stream batch publish) into one AppError via
// errors.Join, so a caller sees one terminal error instead of racing
// individual ones (the "aggregate" case of §4.2's retry classification).
// Not reachable from anything Sink or Source
// do today, since neither issues more than one Redis command per logical
// operation; reserved for a batch-publish path.
func ErrAggregate(errs ...error) *errors.AppError {
	return errors.New(CodeAggregate, "multiple independent operations failed", stderrors.Join(errs...))
}
