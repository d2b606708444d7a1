// Package eventlog defines the transport contract between the pipeline and
// the event log. Drivers live in subpackages: eventlog/kafka speaks to a
// real cluster, eventlog/memory backs unit tests with the same delivery
// semantics (at-least-once, per-partition order, commit-after-handle).
package eventlog

import "context"

type (
	// Record is an outbound message.
	Record struct {
		Topic string
		// Key selects the destination partition; records sharing a key
		// share a partition and therefore an order.
		Key   []byte
		Value []byte
		// Headers carry transport-level annotations (event id, type).
		// The envelope itself lives in Value.
		Headers map[string]string
	}

	// Message is one consumed record together with its log coordinates,
	// which the dead-letter path records for operator replay.
	Message struct {
		Topic     string
		Partition int32
		Offset    int64
		Key       []byte
		Value     []byte
	}

	// Handler processes one message. A nil return acknowledges the
	// message; an error aborts the consume pass without acknowledging,
	// so the message is redelivered later.
	Handler func(ctx context.Context, msg Message) error

	// Publisher appends records to the log.
	Publisher interface {
		Publish(ctx context.Context, rec Record) error
	}

	// Consumer delivers messages for one consumer group, sequentially and
	// in partition order, acknowledging each message only after the
	// handler returns nil. Consume blocks until ctx is done (returning
	// ctx.Err()) or a handler error escapes (returning that error with
	// the failed message unacknowledged).
	Consumer interface {
		Consume(ctx context.Context, h Handler) error
	}
)
