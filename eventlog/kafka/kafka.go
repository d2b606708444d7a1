// Package kafka implements the eventlog contract on a Kafka (or Redpanda)
// cluster using franz-go. One Log owns the produce client; each worker role
// gets its own Consumer with its own consumer group so the roles advance
// through the topics independently.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/eventlog"
)

type (
	// Log is a Kafka-backed event log.
	Log struct {
		client     *kgo.Client
		brokers    []string
		clientID   string
		partitions int32
		replicas   int16
	}

	// Consumer consumes a topic set on behalf of one consumer group.
	Consumer struct {
		log    *Log
		group  string
		topics []string
	}

	// Option configures a Log.
	Option func(*Log)
)

// Defaults match the topic layout the pipeline provisions.
const (
	DefaultPartitions = 3
	DefaultReplicas   = 1
)

// WithPartitions sets the partition count used when provisioning topics.
func WithPartitions(n int32) Option {
	return func(l *Log) { l.partitions = n }
}

// WithReplicas sets the replication factor used when provisioning topics.
func WithReplicas(n int16) Option {
	return func(l *Log) { l.replicas = n }
}

// WithClientID sets the client id reported to the brokers.
func WithClientID(id string) Option {
	return func(l *Log) { l.clientID = id }
}

// New dials the cluster and returns a Log ready to publish.
func New(brokers []string, opts ...Option) (*Log, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no seed brokers")
	}
	l := &Log{
		brokers:    brokers,
		clientID:   "tutorlink",
		partitions: DefaultPartitions,
		replicas:   DefaultReplicas,
	}
	for _, opt := range opts {
		opt(l)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(l.brokers...),
		kgo.ClientID(l.clientID),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	l.client = client
	return l, nil
}

// Close releases the produce client.
func (l *Log) Close() { l.client.Close() }

// EnsureTopics creates any missing topics with the configured partition
// count. Existing topics are left untouched.
func (l *Log) EnsureTopics(ctx context.Context, topics ...string) error {
	adm := kadm.NewClient(l.client)
	resp, err := adm.CreateTopics(ctx, l.partitions, l.replicas, nil, topics...)
	if err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	for _, res := range resp.Sorted() {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", res.Topic, res.Err)
		}
		log.Debug(ctx, log.KV{K: "msg", V: "topic ready"}, log.KV{K: "topic", V: res.Topic})
	}
	return nil
}

// Publish appends rec to its topic, keyed so records sharing a key share a
// partition. It blocks until the cluster acknowledges the write.
func (l *Log) Publish(ctx context.Context, rec eventlog.Record) error {
	headers := make([]kgo.RecordHeader, 0, len(rec.Headers))
	for k, v := range rec.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	krec := &kgo.Record{
		Topic:   rec.Topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: headers,
	}
	if err := l.client.ProduceSync(ctx, krec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce to %s: %w", rec.Topic, err)
	}
	return nil
}

// Consumer returns a consumer for the given group and topics. The group
// session is established when Consume is called.
func (l *Log) Consumer(group string, topics ...string) *Consumer {
	return &Consumer{log: l, group: group, topics: topics}
}

var _ eventlog.Publisher = (*Log)(nil)
var _ eventlog.Consumer = (*Consumer)(nil)

// Consume joins the group and delivers records to h sequentially, in
// partition order, committing each offset only after h returns nil. A
// handler error tears down the group session and is returned to the caller;
// the failed record stays uncommitted so the next session redelivers it.
func (c *Consumer) Consume(ctx context.Context, h eventlog.Handler) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.log.brokers...),
		kgo.ClientID(c.log.clientID),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeTopics(c.topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("kafka: consumer %s: %w", c.group, err)
	}
	defer client.Close()

	log.Info(ctx, log.KV{K: "msg", V: "consumer joined"},
		log.KV{K: "group", V: c.group},
		log.KV{K: "topics", V: c.topics})

	for {
		fetches := client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error(ctx, err, log.KV{K: "msg", V: "fetch error"},
				log.KV{K: "group", V: c.group},
				log.KV{K: "topic", V: topic},
				log.KV{K: "partition", V: partition})
		})

		var handleErr error
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if handleErr != nil {
				return
			}
			for _, rec := range p.Records {
				msg := eventlog.Message{
					Topic:     rec.Topic,
					Partition: rec.Partition,
					Offset:    rec.Offset,
					Key:       rec.Key,
					Value:     rec.Value,
				}
				if err := h(ctx, msg); err != nil {
					handleErr = fmt.Errorf("handle %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
					return
				}
				if err := client.CommitRecords(ctx, rec); err != nil {
					handleErr = fmt.Errorf("commit %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
					return
				}
			}
		})
		if handleErr != nil {
			return handleErr
		}
	}
}
