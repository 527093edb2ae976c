package broadcast

// Event kinds delivered to observers. Unknown kinds are ignored on the
// observer side.
const (
	EventProcessingProgress = "processingProgress"
	EventDownloadProgress   = "downloadProgress"
)

// Payload carries stage-specific progress data
type Payload struct {
	Stage   string         `json:"stage"`
	Stats   map[string]any `json:"stats,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Event is one advisory progress notification. Events are transient: they
// are never persisted and losing one must never affect pipeline correctness.
type Event struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

// Publisher is the injectable publish side of the broadcaster. The
// orchestrator and sync flow depend only on this interface.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher discards all events
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
