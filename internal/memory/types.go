package memory

import "time"

// Schema version stamped into event metadata. Bump when the metadata
// layout changes so retention tooling can tell generations apart.
const eventSchemaVersion = "2"

// Job is one queued unit of ingestion work. It is written to disk exactly
// once at enqueue time; the only fields mutated afterwards are the retry
// bookkeeping ones, and only through queue transitions.
type Job struct {
	RequestID      string   `json:"request_id"`
	Sequence       int      `json:"sequence"`
	ActionNote     string   `json:"action_note,omitempty"`
	Observations   []string `json:"observations"`
	SenderID       string   `json:"sender_id"`
	GroupID        string   `json:"group_id,omitempty"`
	RequestType    string   `json:"request_type"`
	SourceMessage  string   `json:"source_message,omitempty"`
	RecentMessages []string `json:"recent_messages,omitempty"`
	Force          bool     `json:"force,omitempty"`
	TimestampUTC   string   `json:"timestamp_utc"`
	TimestampLocal string   `json:"timestamp_local"`
	Timezone       string   `json:"timezone,omitempty"`

	RetryCount int    `json:"retry_count,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Error      string `json:"error,omitempty"`
}

// QueueStats is the read-only queue snapshot served by the gateway.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// EventHit is one ranked retrieval result.
type EventHit struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Timestamp  string            `json:"timestamp"`
	Metadata   map[string]string `json:"metadata"`
	Similarity float64           `json:"similarity"`
	Score      float64           `json:"score"`
}

// ProfileDoc is the live summary document for one user or group.
type ProfileDoc struct {
	EntityType    string    `yaml:"entity_type"`
	EntityID      string    `yaml:"entity_id"`
	Name          string    `yaml:"name"`
	Tags          []string  `yaml:"tags"`
	UpdatedAt     time.Time `yaml:"updated_at"`
	SourceEventID string    `yaml:"source_event_id"`
	Summary       string    `yaml:"-"`
}

// RewriteResult is the rewrite call output: the canonical text plus whether
// it passed the deterministic normalization gate.
type RewriteResult struct {
	Text       string
	IsAbsolute bool
}

// MergeDecision is the structurally-constrained profile-merge output. The
// model either declares skip or targets exactly one entity.
type MergeDecision struct {
	Skip       bool     `json:"skip"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Name       string   `json:"name"`
	Tags       []string `json:"tags"`
	Summary    string   `json:"summary"`
}

// EnqueueInput is the turn-end payload handed to the façade.
type EnqueueInput struct {
	RequestID      string
	Sequence       int
	ActionNote     string
	Observations   []string
	SenderID       string
	GroupID        string
	RequestType    string
	SourceMessage  string
	RecentMessages []string
	Force          bool
}

// Scope restricts a retrieval call to one conversation's participants.
type Scope struct {
	SenderID string
	GroupID  string
}
