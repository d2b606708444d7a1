// Package memory implements the eventlog contract in process memory. It
// mirrors the delivery semantics the pipeline relies on from the Kafka
// driver: keys hash to partitions, delivery follows publish order, offsets
// advance only after the handler returns nil, and an error leaves the
// failed message uncommitted for redelivery. Unit tests run the full
// pipeline against it without a broker.
package memory

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/tutorlinkhq/tutorlink/eventlog"
)

type (
	// Log is an in-memory event log.
	Log struct {
		mu         sync.Mutex
		cond       *sync.Cond
		partitions int32
		entries    []eventlog.Message
		next       map[tp]int64
		committed  map[string]map[tp]int64
	}

	// Consumer delivers log entries for one consumer group.
	Consumer struct {
		log    *Log
		group  string
		topics map[string]bool
	}

	tp struct {
		topic     string
		partition int32
	}
)

// New returns an empty log with the given partition count per topic.
func New(partitions int32) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	l := &Log{
		partitions: partitions,
		next:       make(map[tp]int64),
		committed:  make(map[string]map[tp]int64),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Publish appends rec to the partition its key hashes to.
func (l *Log) Publish(_ context.Context, rec eventlog.Record) error {
	h := fnv.New32a()
	h.Write(rec.Key)
	part := int32(h.Sum32() % uint32(l.partitions))

	l.mu.Lock()
	defer l.mu.Unlock()
	key := tp{rec.Topic, part}
	msg := eventlog.Message{
		Topic:     rec.Topic,
		Partition: part,
		Offset:    l.next[key],
		Key:       rec.Key,
		Value:     rec.Value,
	}
	l.next[key]++
	l.entries = append(l.entries, msg)
	l.cond.Broadcast()
	return nil
}

// Messages returns a snapshot of everything published to topic, in publish
// order. Test helper.
func (l *Log) Messages(topic string) []eventlog.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventlog.Message
	for _, msg := range l.entries {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Consumer returns a consumer for the given group and topics.
func (l *Log) Consumer(group string, topics ...string) *Consumer {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &Consumer{log: l, group: group, topics: set}
}

var _ eventlog.Publisher = (*Log)(nil)
var _ eventlog.Consumer = (*Consumer)(nil)

// Consume delivers messages to h in publish order until ctx is done or h
// fails. Offsets are tracked per group, so a fresh Consume after a handler
// error resumes at the failed message.
func (c *Consumer) Consume(ctx context.Context, h eventlog.Handler) error {
	stop := context.AfterFunc(ctx, func() {
		c.log.mu.Lock()
		c.log.cond.Broadcast()
		c.log.mu.Unlock()
	})
	defer stop()

	for {
		msg, ok := c.take(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := h(ctx, msg); err != nil {
			return err
		}
		c.log.commit(c.group, tp{msg.Topic, msg.Partition}, msg.Offset+1)
	}
}

// take blocks until a message is pending for the group or ctx is done.
func (c *Consumer) take(ctx context.Context) (eventlog.Message, bool) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return eventlog.Message{}, false
		}
		offsets := c.log.committed[c.group]
		for _, msg := range c.log.entries {
			if !c.topics[msg.Topic] {
				continue
			}
			if msg.Offset < offsets[tp{msg.Topic, msg.Partition}] {
				continue
			}
			return msg, true
		}
		c.log.cond.Wait()
	}
}

func (l *Log) commit(group string, key tp, next int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	offsets := l.committed[group]
	if offsets == nil {
		offsets = make(map[tp]int64)
		l.committed[group] = offsets
	}
	if next > offsets[key] {
		offsets[key] = next
	}
}
