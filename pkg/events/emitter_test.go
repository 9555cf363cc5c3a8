package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/config"
)

// fakeBroker is an in-memory Broker for producer and ingestor tests.
type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	failing   bool
	feed      chan Message
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		published: make(map[string][][]byte),
		feed:      make(chan Message, 2048),
	}
}

func (f *fakeBroker) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *fakeBroker) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broker unavailable")
	}
	f.published[channel] = append(f.published[channel], payload)
	return nil
}

func (f *fakeBroker) Subscribe(context.Context, ...string) (<-chan Message, func(), error) {
	return f.feed, func() {}, nil
}

func (f *fakeBroker) Catchup(_ context.Context, channel string, _ int64) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published[channel]...), nil
}

func (f *fakeBroker) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broker unavailable")
	}
	return nil
}

func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) publishedCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[channel])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEventsConfig() *config.EventsConfig {
	cfg := config.DefaultEventsConfig()
	cfg.BufferSize = 5
	return cfg
}

func TestEmitter_LogSeqPerTask(t *testing.T) {
	broker := newFakeBroker()
	emitter := NewEmitter(broker, testEventsConfig(), discardLogger())
	ctx := context.Background()

	require.NoError(t, emitter.EmitLog(ctx, LogEvent{TaskID: "a", Message: "one"}))
	require.NoError(t, emitter.EmitLog(ctx, LogEvent{TaskID: "a", Message: "two"}))
	require.NoError(t, emitter.EmitLog(ctx, LogEvent{TaskID: "b", Message: "other task"}))

	payloads := broker.published[ChannelLogs]
	require.Len(t, payloads, 3)

	seqs := make([]float64, 0, 3)
	for _, raw := range payloads {
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, EventTypeLog, env.Type)
		assert.Equal(t, ChannelLogs, env.Channel)
		assert.NotEmpty(t, env.Timestamp)
		seqs = append(seqs, env.Data["seq"].(float64))
	}
	assert.Equal(t, []float64{1, 2, 1}, seqs, "seq is per-task")
}

func TestEmitter_PhaseKindToEventType(t *testing.T) {
	broker := newFakeBroker()
	emitter := NewEmitter(broker, testEventsConfig(), discardLogger())
	ctx := context.Background()

	for _, kind := range []string{PhaseKindStart, PhaseKindProgress, PhaseKindComplete, PhaseKindError} {
		require.NoError(t, emitter.EmitPhase(ctx, PhaseEvent{TaskID: "t", PhaseID: "cp_llm", Kind: kind}))
	}

	var types []string
	for _, raw := range broker.published[ChannelPhase] {
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		types = append(types, env.Type)
	}
	assert.Equal(t, []string{
		EventTypePhaseUpdate, EventTypePhaseUpdate,
		EventTypePhaseComplete, EventTypePhaseError,
	}, types)
}

func TestEmitter_ProgressPercentage(t *testing.T) {
	broker := newFakeBroker()
	emitter := NewEmitter(broker, testEventsConfig(), discardLogger())

	require.NoError(t, emitter.EmitProgress(context.Background(), ProgressEvent{
		TaskID: "t", Operation: "download", Current: 3, Total: 4,
	}))

	var env Envelope
	require.NoError(t, json.Unmarshal(broker.published[ChannelPhase][0], &env))
	assert.Equal(t, EventTypeProgressUpdate, env.Type)
	assert.InDelta(t, 75.0, env.Data["percentage"].(float64), 0.001)
}

func TestEmitter_BuffersWhileUnhealthyAndFlushesInOrder(t *testing.T) {
	broker := newFakeBroker()
	emitter := NewEmitter(broker, testEventsConfig(), discardLogger())
	ctx := context.Background()

	emitter.SetHealthy(false)
	for i := 0; i < 3; i++ {
		require.NoError(t, emitter.EmitLog(ctx, LogEvent{TaskID: "t", Message: "buffered"}))
	}
	assert.Zero(t, broker.publishedCount(ChannelLogs))
	assert.Equal(t, 3, emitter.BufferedCount())

	emitter.SetHealthy(true)
	assert.Equal(t, 3, broker.publishedCount(ChannelLogs))
	assert.Zero(t, emitter.BufferedCount())

	// Order preserved through the buffer.
	var seqs []float64
	for _, raw := range broker.published[ChannelLogs] {
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		seqs = append(seqs, env.Data["seq"].(float64))
	}
	assert.Equal(t, []float64{1, 2, 3}, seqs)
}

func TestEmitter_PublishFailureBuffers(t *testing.T) {
	broker := newFakeBroker()
	emitter := NewEmitter(broker, testEventsConfig(), discardLogger())

	broker.setFailing(true)
	require.NoError(t, emitter.EmitStatus(context.Background(), StatusEvent{TaskID: "t", IsRunning: true}))
	assert.Equal(t, 1, emitter.BufferedCount())

	broker.setFailing(false)
	emitter.SetHealthy(false)
	emitter.SetHealthy(true)
	assert.Zero(t, emitter.BufferedCount())
	assert.Equal(t, 1, broker.publishedCount(ChannelStatus))
}

func TestEmitter_BufferOverflowEvictsOldest(t *testing.T) {
	cfg := testEventsConfig() // BufferSize = 5
	broker := newFakeBroker()
	emitter := NewEmitter(broker, cfg, discardLogger())
	ctx := context.Background()

	emitter.SetHealthy(false)
	for i := 0; i < 8; i++ {
		require.NoError(t, emitter.EmitLog(ctx, LogEvent{TaskID: "t", Message: "x"}))
	}
	assert.Equal(t, 5, emitter.BufferedCount())

	emitter.SetHealthy(true)
	var seqs []float64
	for _, raw := range broker.published[ChannelLogs] {
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		seqs = append(seqs, env.Data["seq"].(float64))
	}
	assert.Equal(t, []float64{4, 5, 6, 7, 8}, seqs, "oldest three evicted")
}

func TestRingBuffer(t *testing.T) {
	r := newRingBuffer(2)
	assert.False(t, r.push([]byte("a")))
	assert.False(t, r.push([]byte("b")))
	assert.True(t, r.push([]byte("c")), "third push evicts")

	drained := r.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", string(drained[0]))
	assert.Equal(t, "c", string(drained[1]))
	assert.Zero(t, r.len())
}
