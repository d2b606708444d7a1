package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tutorlinkhq/tutorlink/eventlog"
)

func publish(t *testing.T, l *Log, topic, key, value string) {
	t.Helper()
	require.NoError(t, l.Publish(context.Background(), eventlog.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: []byte(value),
	}))
}

func TestSameKeySharesPartition(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		publish(t, l, "purchase-created", "pur-1", "v")
	}
	msgs := l.Messages("purchase-created")
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		require.Equal(t, msgs[0].Partition, msg.Partition)
		require.Equal(t, int64(i), msg.Offset)
	}
}

func TestConsumeDeliversInPublishOrder(t *testing.T) {
	l := New(3)
	publish(t, l, "a", "k1", "1")
	publish(t, l, "b", "k2", "2")
	publish(t, l, "a", "k3", "3")

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	err := l.Consumer("g", "a", "b").Consume(ctx, func(_ context.Context, msg eventlog.Message) error {
		got = append(got, string(msg.Value))
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"1", "2", "3"}, got)
}

func TestHandlerErrorLeavesMessageUncommitted(t *testing.T) {
	l := New(3)
	publish(t, l, "a", "k", "poison-then-fine")

	boom := errors.New("boom")
	c := l.Consumer("g", "a")
	err := c.Consume(context.Background(), func(context.Context, eventlog.Message) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// A fresh consume pass redelivers the same message.
	ctx, cancel := context.WithCancel(context.Background())
	var redelivered []string
	err = c.Consume(ctx, func(_ context.Context, msg eventlog.Message) error {
		redelivered = append(redelivered, string(msg.Value))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"poison-then-fine"}, redelivered)
}

func TestGroupsAdvanceIndependently(t *testing.T) {
	l := New(3)
	publish(t, l, "a", "k", "v")

	consume := func(group string) int {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		n := 0
		_ = l.Consumer(group, "a").Consume(ctx, func(context.Context, eventlog.Message) error {
			n++
			cancel()
			return nil
		})
		return n
	}
	require.Equal(t, 1, consume("g1"), "fresh group sees the message")
	require.Equal(t, 1, consume("g2"), "second group sees it too")
	require.Equal(t, 0, consume("g1"), "committed offsets persist per group")
}

func TestConsumeWakesOnLatePublish(t *testing.T) {
	l := New(3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		_ = l.Consumer("g", "a").Consume(ctx, func(_ context.Context, msg eventlog.Message) error {
			done <- string(msg.Value)
			cancel()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	publish(t, l, "a", "k", "late")

	select {
	case v := <-done:
		require.Equal(t, "late", v)
	case <-ctx.Done():
		t.Fatal("consumer never woke up")
	}
}
