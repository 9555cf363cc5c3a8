package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/kbforge/kbforge/pkg/config"
)

// maxLogMessageLen is the message length above which the ingestor truncates.
const maxLogMessageLen = 10000

// truncatedLogMessageLen is what an over-long message is cut to.
const truncatedLogMessageLen = 9997

// Dispatcher receives routed, batched payloads for a subscriber topic.
// Implemented by the WebSocket ConnectionManager.
type Dispatcher interface {
	Deliver(topic string, payload []byte)
}

// IngestorMetrics is a snapshot of the ingestor's counters.
type IngestorMetrics struct {
	Received    int64 `json:"events_received"`
	Malformed   int64 `json:"events_malformed"`
	RateLimited int64 `json:"events_rate_limited"`
	Routed      int64 `json:"events_routed"`
	Delivered   int64 `json:"deliveries"`
}

// Ingestor consumes the inbound channels and validates, rate-limits, routes,
// and batches every event on its way to WebSocket subscribers. One pub/sub
// loop and one batch flush loop run per process.
type Ingestor struct {
	broker     Broker
	dispatcher Dispatcher
	cfg        *config.EventsConfig
	logger     *slog.Logger

	perSecond *rate.Limiter
	perMinute *rate.Limiter

	mu      sync.Mutex
	batches map[string]*topicBatch

	received    atomic.Int64
	malformed   atomic.Int64
	rateLimited atomic.Int64
	routed      atomic.Int64
	delivered   atomic.Int64
}

type topicBatch struct {
	events  []json.RawMessage
	firstAt time.Time
}

// NewIngestor creates an Ingestor delivering to the given dispatcher.
func NewIngestor(broker Broker, dispatcher Dispatcher, cfg *config.EventsConfig, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		broker:     broker,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "ingestor"),
		// Burst on top of the refill rate: any 1-second window forwards at
		// most max_events_per_second + burst_allowance events.
		perSecond: rate.NewLimiter(
			rate.Limit(cfg.MaxEventsPerSecond),
			cfg.BurstAllowance),
		perMinute: rate.NewLimiter(
			rate.Limit(float64(cfg.MaxEventsPerMinute)/60.0),
			cfg.MaxEventsPerMinute),
		batches: make(map[string]*topicBatch),
	}
}

// Metrics returns a snapshot of the counters.
func (in *Ingestor) Metrics() IngestorMetrics {
	return IngestorMetrics{
		Received:    in.received.Load(),
		Malformed:   in.malformed.Load(),
		RateLimited: in.rateLimited.Load(),
		Routed:      in.routed.Load(),
		Delivered:   in.delivered.Load(),
	}
}

// Run subscribes to the inbound channels and processes until the context
// ends. Blocks; run in a goroutine.
func (in *Ingestor) Run(ctx context.Context) error {
	msgs, stop, err := in.broker.Subscribe(ctx, InboundChannels...)
	if err != nil {
		return fmt.Errorf("ingestor failed to subscribe: %w", err)
	}
	defer stop()

	flushEvery := in.cfg.MaxBatchAge / 4
	if flushEvery < 25*time.Millisecond {
		flushEvery = 25 * time.Millisecond
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			in.flushAll(true)
			return nil
		case <-ticker.C:
			in.flushAll(false)
		case msg, ok := <-msgs:
			if !ok {
				in.flushAll(true)
				return nil
			}
			in.process(msg)
		}
	}
}

// process runs one message through validate, rate-limit, and route.
func (in *Ingestor) process(msg Message) {
	in.received.Add(1)

	env, ok := in.validate(msg)
	if !ok {
		in.malformed.Add(1)
		return
	}

	if !in.perSecond.Allow() || !in.perMinute.Allow() {
		in.rateLimited.Add(1)
		return
	}

	raw, err := json.Marshal(env)
	if err != nil {
		in.malformed.Add(1)
		return
	}
	for _, topic := range routeTopics(env) {
		in.routed.Add(1)
		in.enqueue(topic, raw)
	}
}

// validate parses and normalizes an inbound event per channel rules.
// Malformed envelopes (non-object data) are rejected; malformed fields inside
// an otherwise valid event are coerced or dropped, never fatal.
func (in *Ingestor) validate(msg Message) (*Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.Data == nil {
		in.logger.Warn("rejecting malformed event", "channel", msg.Channel)
		return nil, false
	}
	if env.Channel == "" {
		env.Channel = msg.Channel
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	switch env.Channel {
	case ChannelLogs:
		validateLogData(env.Data)
	case ChannelPhase:
		validatePhaseData(env.Data)
	case ChannelStatus:
		validateStatusData(env.Data)
	}
	return &env, true
}

func validateLogData(data map[string]any) {
	level := strings.ToUpper(stringify(data["level"]))
	if !AllowedLogLevels[level] {
		level = LevelInfo
	}
	data["level"] = level

	msg := stringify(data["message"])
	if len(msg) > maxLogMessageLen {
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := truncatedLogMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
		data["truncated"] = true
	}
	data["message"] = msg
}

func validatePhaseData(data map[string]any) {
	if status, ok := data["status"]; ok {
		s := strings.ToLower(stringify(status))
		if !AllowedPhaseStatuses[s] {
			s = "in_progress"
		}
		data["status"] = s
	}

	processed, pOK := asNonNegativeInt(data["processed_count"])
	total, tOK := asNonNegativeInt(data["total_count"])
	if _, present := data["processed_count"]; present && !pOK {
		delete(data, "processed_count")
	}
	if _, present := data["total_count"]; present && !tOK {
		delete(data, "total_count")
	}
	if pOK && tOK && processed > total {
		delete(data, "processed_count")
		delete(data, "total_count")
	}
}

func validateStatusData(data map[string]any) {
	data["current_phase_message"] = stringify(data["current_phase_message"])
	data["task_id"] = stringify(data["task_id"])
}

// routeTopics maps (channel, type) to the outbound subscriber topics.
// Task-scoped events additionally fan out to the per-task room.
func routeTopics(env *Envelope) []string {
	taskID := stringify(env.Data["task_id"])

	var topics []string
	switch env.Type {
	case EventTypePhaseUpdate, EventTypeProgressUpdate:
		topics = []string{TopicPhaseUpdate, TopicPhaseStatusUpdate, TopicTaskProgress}
	case EventTypePhaseComplete:
		topics = []string{TopicPhaseUpdate, TopicPhaseStatusUpdate, TopicTaskProgress, TopicPhaseComplete}
	case EventTypePhaseError:
		topics = []string{TopicPhaseUpdate, TopicPhaseStatusUpdate, TopicTaskProgress, TopicPhaseError}
	case EventTypeLog:
		topics = []string{TopicLog, TopicLiveLog}
	case EventTypeStatus:
		topics = []string{TopicAgentStatusUpdate, TopicStatusUpdate}
	default:
		// Unknown kinds still reach subscribers listening on the raw name.
		topics = []string{env.Type}
	}

	if taskID != "" && env.Channel == ChannelPhase {
		topics = append(topics, TaskTopic(taskID))
	}
	return topics
}

// enqueue adds an event to a topic batch, flushing on size.
func (in *Ingestor) enqueue(topic string, raw json.RawMessage) {
	in.mu.Lock()
	batch, ok := in.batches[topic]
	if !ok {
		batch = &topicBatch{firstAt: time.Now()}
		in.batches[topic] = batch
	}
	batch.events = append(batch.events, raw)
	full := len(batch.events) >= in.cfg.MaxBatchSize
	if full {
		delete(in.batches, topic)
	}
	in.mu.Unlock()

	if full {
		in.deliver(topic, batch.events)
	}
}

// flushAll delivers every batch older than the age bound, or everything when
// force is set (shutdown).
func (in *Ingestor) flushAll(force bool) {
	now := time.Now()
	var due []struct {
		topic  string
		events []json.RawMessage
	}

	in.mu.Lock()
	for topic, batch := range in.batches {
		if force || now.Sub(batch.firstAt) >= in.cfg.MaxBatchAge {
			due = append(due, struct {
				topic  string
				events []json.RawMessage
			}{topic, batch.events})
			delete(in.batches, topic)
		}
	}
	in.mu.Unlock()

	for _, d := range due {
		in.deliver(d.topic, d.events)
	}
}

// deliver hands a batch to the dispatcher: single events in scalar form,
// multiple as an array payload.
func (in *Ingestor) deliver(topic string, events []json.RawMessage) {
	if len(events) == 0 {
		return
	}

	var payload []byte
	if len(events) == 1 {
		payload = events[0]
	} else {
		wrapped, err := json.Marshal(map[string]any{
			"events":    events,
			"count":     len(events),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			in.logger.Warn("failed to marshal batch", "topic", topic, "error", err)
			return
		}
		payload = wrapped
	}

	in.delivered.Add(1)
	in.dispatcher.Deliver(topic, payload)
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asNonNegativeInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
