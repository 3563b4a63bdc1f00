package eventhub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Broadcaster delivers one named event to its consumers
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub is the single emission point for UI-facing events
type EventHub struct {
	ctx         context.Context
	broadcaster Broadcaster
	mu          sync.RWMutex
}

// New creates an EventHub. Events emitted after ctx is done are dropped.
func New(ctx context.Context) *EventHub {
	return &EventHub{ctx: ctx}
}

// SetBroadcaster sets the event sink
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	h.broadcaster = b
	h.mu.Unlock()
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	if h.ctx != nil && h.ctx.Err() != nil {
		return
	}

	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()

	if b != nil {
		b.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an arbitrary event
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// StatusEntry is one changed path
type StatusEntry struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// StatusChangedEvent describes the working tree after a change settles
type StatusChangedEvent struct {
	Path    string        `json:"path"`
	Branch  string        `json:"branch"`
	Head    string        `json:"head,omitempty"`
	Dirty   bool          `json:"dirty"`
	Entries []StatusEntry `json:"entries"`
}

const StatusChanged = "status:changed"

func (h *EventHub) EmitStatusChanged(event StatusChangedEvent) {
	h.emit(StatusChanged, event)
}

// Envelope is the on-the-wire form of one event
type Envelope struct {
	Event   string      `json:"event"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// JSONLines writes each event as one JSON object per line
type JSONLines struct {
	w   io.Writer
	enc *json.Encoder
	now func() time.Time
	mu  sync.Mutex
}

// NewJSONLines creates a broadcaster writing to w
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w, enc: json.NewEncoder(w), now: time.Now}
}

// BroadcastEvent implements Broadcaster. Encoding errors drop the event.
func (j *JSONLines) BroadcastEvent(eventType string, payload interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()

	_ = j.enc.Encode(Envelope{Event: eventType, Time: j.now().UTC(), Payload: payload})
}
