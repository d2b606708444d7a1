package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/eventlog"
	"github.com/tutorlinkhq/tutorlink/store"
)

// DLQPublisher forwards exhausted messages to the dead-letter topic with
// enough context for operators to diagnose and replay them.
type DLQPublisher struct {
	store  store.Store
	pub    eventlog.Publisher
	source string
}

// NewDLQPublisher returns a publisher writing to the dead-letter topic.
func NewDLQPublisher(st store.Store, pub eventlog.Publisher, source string) *DLQPublisher {
	return &DLQPublisher{store: st, pub: pub, source: source}
}

// Forward publishes the dead-letter record and stamps the original step
// into the processed-events ledger, so redeliveries and duplicates of the
// poisoned message short-circuit instead of cycling through retries again.
// The caller acknowledges the original message only when Forward succeeds.
func (p *DLQPublisher) Forward(ctx context.Context, msg eventlog.Message, cause error, attempts int) error {
	// Best-effort envelope probe; a poison message may not have one.
	var probe struct {
		Type event.Type `json:"type"`
		Meta event.Meta `json:"_metadata"`
	}
	_ = json.Unmarshal(msg.Value, &probe)

	correlationID := probe.Meta.CorrelationID
	if correlationID == "" {
		correlationID = string(msg.Key)
	}

	dl := &event.DeadLetter{
		OriginalEvent:     msg.Value,
		OriginalType:      probe.Type,
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		FailureReason:     cause.Error(),
		FailureTimestamp:  time.Now().UnixMilli(),
		Attempts:          attempts,
		CorrelationID:     correlationID,
		EventID:           probe.Meta.EventID,
	}
	event.Stamp(dl, correlationID, p.source)
	payload, err := event.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	key := msg.Key
	if len(key) == 0 {
		key = []byte(correlationID)
	}
	if err := p.pub.Publish(ctx, eventlog.Record{
		Topic: event.TopicDeadLetter,
		Key:   key,
		Value: payload,
	}); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	log.Error(ctx, cause, log.KV{K: "msg", V: "message dead-lettered"},
		log.KV{K: "topic", V: msg.Topic},
		log.KV{K: "partition", V: msg.Partition},
		log.KV{K: "offset", V: msg.Offset},
		log.KV{K: "attempts", V: attempts})

	if probe.Type == "" || correlationID == "" {
		// Unidentifiable payload: nothing to key a ledger row on.
		return nil
	}
	row := store.ProcessedEvent{
		EventID:       dl.Meta.EventID,
		EventType:     probe.Type,
		CorrelationID: correlationID,
		Payload:       msg.Value,
		Source:        p.source,
		Version:       event.Version,
		Kind:          store.LedgerObserved,
		ProcessedAt:   time.Now(),
	}
	if err := p.store.Events().MarkProcessed(ctx, row); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("record dead-lettered step: %w", err)
	}
	return nil
}
