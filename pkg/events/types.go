// Package events implements the real-time event bus: the producer side used
// by pipeline workers (emit with buffering and per-task sequence numbers) and
// the ingestor/broadcaster that validates, rate-limits, routes, and batches
// events on their way to WebSocket subscribers.
//
// Transport is a Redis broker: pub/sub for live delivery plus per-channel
// lists for subscriber catch-up. Durable state never lives on the bus — on
// process death buffered events are lost and the stores remain the source of
// truth.
package events

// Inbound channels (producer → broker).
const (
	ChannelLogs   = "logs"
	ChannelPhase  = "phase"
	ChannelStatus = "status"
)

// InboundChannels lists every channel the ingestor subscribes to.
var InboundChannels = []string{ChannelLogs, ChannelPhase, ChannelStatus}

// Event kinds carried in the envelope type field.
const (
	EventTypeLog            = "log"
	EventTypePhaseUpdate    = "phase_update"
	EventTypePhaseComplete  = "phase_complete"
	EventTypePhaseError     = "phase_error"
	EventTypeProgressUpdate = "progress_update"
	EventTypeStatus         = "status"
)

// Outbound subscriber topics (broker → UI).
const (
	TopicPhaseUpdate       = "phase_update"
	TopicPhaseStatusUpdate = "phase_status_update"
	TopicTaskProgress      = "task_progress"
	TopicPhaseComplete     = "phase_complete"
	TopicPhaseError        = "phase_error"
	TopicLog               = "log"
	TopicLiveLog           = "live_log"
	TopicAgentStatusUpdate = "agent_status_update"
	TopicStatusUpdate      = "status_update"
)

// TaskTopic returns the per-task room name for task-scoped fan-out.
// Format: "task:{task_id}"
func TaskTopic(taskID string) string {
	return "task:" + taskID
}

// Envelope is the wire form of every event on the bus.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"` // RFC3339Nano
	Channel   string         `json:"channel"`
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "catchup", "ping"
	Topic   string `json:"topic,omitempty"`   // topic name (e.g. "task:abc-123")
	Limit   int    `json:"limit,omitempty"`   // catchup: max events to replay
}
