package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisBroker(t *testing.T, catchupMax int64) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBrokerFromClient(rdb, catchupMax)
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	broker := newMiniredisBroker(t, 100)
	ctx := context.Background()

	msgs, stop, err := broker.Subscribe(ctx, ChannelLogs)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, broker.Publish(ctx, ChannelLogs, []byte(`{"type":"log"}`)))

	select {
	case msg := <-msgs:
		assert.Equal(t, ChannelLogs, msg.Channel)
		assert.JSONEq(t, `{"type":"log"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisBroker_CatchupWindow(t *testing.T) {
	broker := newMiniredisBroker(t, 3)
	ctx := context.Background()

	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`} {
		require.NoError(t, broker.Publish(ctx, ChannelPhase, []byte(p)))
	}

	got, err := broker.Catchup(ctx, ChannelPhase, 0)
	require.NoError(t, err)
	require.Len(t, got, 3, "list capped at catchupMax")
	assert.JSONEq(t, `{"n":2}`, string(got[0]), "oldest first, earliest evicted")
	assert.JSONEq(t, `{"n":4}`, string(got[2]))

	got, err = broker.Catchup(ctx, ChannelPhase, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"n":3}`, string(got[0]))
}

func TestRedisBroker_Ping(t *testing.T) {
	broker := newMiniredisBroker(t, 10)
	assert.NoError(t, broker.Ping(context.Background()))
}

func TestTopicCatchup_ReplaysRoutedEvents(t *testing.T) {
	broker := newMiniredisBroker(t, 100)
	ctx := context.Background()

	emit := func(eventType, channel, taskID string) {
		raw := envelope(t, eventType, channel, map[string]any{"task_id": taskID})
		require.NoError(t, broker.Publish(ctx, channel, raw))
	}
	emit(EventTypePhaseUpdate, ChannelPhase, "t1")
	emit(EventTypePhaseUpdate, ChannelPhase, "t2")
	emit(EventTypePhaseComplete, ChannelPhase, "t1")
	emit(EventTypeLog, ChannelLogs, "t1")

	catchup := NewTopicCatchup(broker)

	got, err := catchup.Recent(ctx, TaskTopic("t1"), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2, "only t1's phase events match its room")

	got, err = catchup.Recent(ctx, TopicPhaseComplete, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = catchup.Recent(ctx, TopicLiveLog, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = catchup.Recent(ctx, TopicPhaseUpdate, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2, "limit keeps the newest events")
}
