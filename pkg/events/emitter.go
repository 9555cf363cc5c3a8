package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbforge/kbforge/pkg/config"
)

// Emitter is the producer side of the event bus. Every emit is a bounded
// publish attempt: when the broker is down (or a publish fails) the event
// goes into a per-channel ring buffer and is re-flushed once health returns.
// Buffer overflow evicts the oldest event. Log events carry a per-task
// monotonically increasing seq.
type Emitter struct {
	broker Broker
	cfg    *config.EventsConfig
	logger *slog.Logger

	mu      sync.Mutex
	seqs    map[string]int64
	buffers map[string]*ringBuffer
	healthy bool
}

// NewEmitter creates an Emitter. The emitter starts healthy; the health
// monitor flips it via SetHealthy.
func NewEmitter(broker Broker, cfg *config.EventsConfig, logger *slog.Logger) *Emitter {
	return &Emitter{
		broker:  broker,
		cfg:     cfg,
		logger:  logger.With("component", "emitter"),
		seqs:    make(map[string]int64),
		buffers: make(map[string]*ringBuffer),
		healthy: true,
	}
}

// EmitLog publishes a log event on the logs channel, assigning the per-task
// sequence number.
func (e *Emitter) EmitLog(ctx context.Context, evt LogEvent) error {
	e.mu.Lock()
	e.seqs[evt.TaskID]++
	evt.Seq = e.seqs[evt.TaskID]
	e.mu.Unlock()

	if evt.Level == "" {
		evt.Level = LevelInfo
	}
	return e.emit(ctx, ChannelLogs, EventTypeLog, evt, evt.Timestamp == "")
}

// EmitPhase publishes a phase lifecycle event. The envelope type follows the
// kind: start and progress map to phase_update, complete and error to their
// own types.
func (e *Emitter) EmitPhase(ctx context.Context, evt PhaseEvent) error {
	eventType := EventTypePhaseUpdate
	switch evt.Kind {
	case PhaseKindComplete:
		eventType = EventTypePhaseComplete
	case PhaseKindError:
		eventType = EventTypePhaseError
	}
	return e.emit(ctx, ChannelPhase, eventType, evt, evt.Timestamp == "")
}

// EmitProgress publishes a fine-grained progress event on the phase channel.
func (e *Emitter) EmitProgress(ctx context.Context, evt ProgressEvent) error {
	if evt.Total > 0 && evt.Percentage == 0 {
		evt.Percentage = float64(evt.Current) / float64(evt.Total) * 100
	}
	return e.emit(ctx, ChannelPhase, EventTypeProgressUpdate, evt, evt.Timestamp == "")
}

// EmitStatus publishes a run status event on the status channel.
func (e *Emitter) EmitStatus(ctx context.Context, evt StatusEvent) error {
	return e.emit(ctx, ChannelStatus, EventTypeStatus, evt, evt.Timestamp == "")
}

// SetHealthy flips broker health. A transition to healthy flushes every
// buffered event in channel order; a flush failure re-buffers what remains.
func (e *Emitter) SetHealthy(healthy bool) {
	e.mu.Lock()
	was := e.healthy
	e.healthy = healthy
	e.mu.Unlock()

	if healthy && !was {
		e.flush()
	}
}

// BufferedCount reports how many events are currently buffered across all
// channels.
func (e *Emitter) BufferedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, buf := range e.buffers {
		n += buf.len()
	}
	return n
}

// emit stamps, wraps, marshals, and publishes one event.
func (e *Emitter) emit(ctx context.Context, channel, eventType string, payload any, stamp bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	data, err := toMap(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	if stamp {
		data["timestamp"] = now
	}

	env := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: now,
		Channel:   channel,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}

	e.publish(ctx, channel, raw)
	return nil
}

// publish attempts a bounded broker publish, falling back to the channel
// buffer. Publish failures never propagate to the emitting worker.
func (e *Emitter) publish(ctx context.Context, channel string, raw []byte) {
	e.mu.Lock()
	healthy := e.healthy
	e.mu.Unlock()

	if healthy {
		pubCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
		err := e.broker.Publish(pubCtx, channel, raw)
		cancel()
		if err == nil {
			return
		}
		e.logger.Warn("publish failed, buffering event", "channel", channel, "error", err)
	}
	e.buffer(channel, raw)
}

func (e *Emitter) buffer(channel string, raw []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[channel]
	if !ok {
		buf = newRingBuffer(e.cfg.BufferSize)
		e.buffers[channel] = buf
	}
	if buf.push(raw) {
		e.logger.Warn("event buffer overflow, oldest event evicted", "channel", channel)
	}
}

// flush re-publishes buffered events in channel order, preserving order
// within a channel. On a publish failure, the remaining events stay buffered
// and the emitter goes unhealthy again.
func (e *Emitter) flush() {
	for _, channel := range InboundChannels {
		e.mu.Lock()
		buf, ok := e.buffers[channel]
		var pending [][]byte
		if ok {
			pending = buf.drain()
		}
		e.mu.Unlock()
		if len(pending) == 0 {
			continue
		}

		for i, raw := range pending {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PublishTimeout)
			err := e.broker.Publish(ctx, channel, raw)
			cancel()
			if err != nil {
				e.logger.Warn("flush interrupted, re-buffering remainder",
					"channel", channel, "remaining", len(pending)-i, "error", err)
				e.mu.Lock()
				for _, rest := range pending[i:] {
					buf.push(rest)
				}
				e.healthy = false
				e.mu.Unlock()
				return
			}
		}
		e.logger.Info("flushed buffered events", "channel", channel, "count", len(pending))
	}
}

func toMap(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ringBuffer is a fixed-capacity FIFO that evicts the oldest entry on
// overflow.
type ringBuffer struct {
	entries [][]byte
	cap     int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ringBuffer{cap: capacity}
}

// push appends an entry, reporting whether an eviction happened.
func (r *ringBuffer) push(p []byte) bool {
	evicted := false
	if len(r.entries) >= r.cap {
		r.entries = r.entries[1:]
		evicted = true
	}
	r.entries = append(r.entries, p)
	return evicted
}

func (r *ringBuffer) drain() [][]byte {
	out := r.entries
	r.entries = nil
	return out
}

func (r *ringBuffer) len() int { return len(r.entries) }
