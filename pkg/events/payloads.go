package events

// Log levels accepted on the logs channel. Anything else is coerced to INFO
// by the ingestor.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// AllowedLogLevels is the coercion set for log validation.
var AllowedLogLevels = map[string]bool{
	LevelDebug:    true,
	LevelInfo:     true,
	LevelWarning:  true,
	LevelError:    true,
	LevelCritical: true,
}

// AllowedPhaseStatuses is the coercion set for phase validation. Anything
// else is coerced to "in_progress".
var AllowedPhaseStatuses = map[string]bool{
	"pending":     true,
	"active":      true,
	"in_progress": true,
	"completed":   true,
	"error":       true,
	"skipped":     true,
	"interrupted": true,
	"running":     true,
	"idle":        true,
	"starting":    true,
	"finishing":   true,
	"failed":      true,
}

// Phase event kinds accepted by EmitPhase.
const (
	PhaseKindStart    = "start"
	PhaseKindProgress = "progress"
	PhaseKindComplete = "complete"
	PhaseKindError    = "error"
)

// LogEvent is the payload for the logs channel.
type LogEvent struct {
	TaskID         string         `json:"task_id"`
	Seq            int64          `json:"seq"`
	Level          string         `json:"level"`
	Message        string         `json:"message"`
	Component      string         `json:"component"`
	Phase          string         `json:"phase,omitempty"`
	Timestamp      string         `json:"timestamp"`
	StructuredData map[string]any `json:"structured_data,omitempty"`
	Traceback      string         `json:"traceback,omitempty"`
}

// PhaseEvent is the payload for phase lifecycle events on the phase channel.
type PhaseEvent struct {
	TaskID            string  `json:"task_id"`
	PhaseID           string  `json:"phase_id"`
	Kind              string  `json:"kind"` // start, progress, complete, error
	Status            string  `json:"status,omitempty"`
	Message           string  `json:"message"`
	EstimatedDuration float64 `json:"estimated_duration,omitempty"`
	ProcessedCount    *int    `json:"processed_count,omitempty"`
	TotalCount        *int    `json:"total_count,omitempty"`
	ErrorCount        *int    `json:"error_count,omitempty"`
	ETASeconds        float64 `json:"eta_seconds,omitempty"`
	DurationSeconds   float64 `json:"duration_seconds,omitempty"`
	ErrorType         string  `json:"error_type,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	Traceback         string  `json:"traceback,omitempty"`
	Timestamp         string  `json:"timestamp"`
}

// ProgressEvent is the payload for fine-grained progress on the phase channel.
type ProgressEvent struct {
	TaskID     string  `json:"task_id"`
	Operation  string  `json:"operation"`
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	ETA        float64 `json:"eta,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

// StatusEvent is the payload for the status channel.
type StatusEvent struct {
	TaskID              string `json:"task_id"`
	IsRunning           bool   `json:"is_running"`
	CurrentPhaseMessage string `json:"current_phase_message"`
	CurrentPhase        string `json:"current_phase,omitempty"`
	StartedAt           string `json:"started_at,omitempty"`
	UpdatedAt           string `json:"updated_at,omitempty"`
	Timestamp           string `json:"timestamp"`
}
