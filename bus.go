package ensemble

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a bus event. The set is fixed; observers switch on
// it to route UI updates, log indexing, and archival.
type EventType string

const (
	EventTaskCreated          EventType = "task_created"
	EventTaskUpdated          EventType = "task_updated"
	EventTaskCompleted        EventType = "task_completed"
	EventTaskLog              EventType = "task_log"
	EventAgentCreated         EventType = "agent_created"
	EventAgentUpdated         EventType = "agent_updated"
	EventAgentRemoved         EventType = "agent_removed"
	EventAgentLog             EventType = "agent_log"
	EventAgentStream          EventType = "agent_stream"
	EventAgentStreamClear     EventType = "agent_stream_clear"
	EventStepStatusChanged    EventType = "step_status_changed"
	EventExecutionFlowUpdated EventType = "execution_flow_updated"
	EventTaskProgress         EventType = "task_progress"
	EventOutputProgress       EventType = "output_progress"
)

// Event is one bus notification. Data is a type-specific payload (see the
// *Payload structs); it must be treated as read-only by subscribers.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogPayload is the data of task_log and agent_log events.
type LogPayload struct {
	Level   string `json:"level"` // "info", "warning", "error"
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// StreamPayload is the data of agent_stream events: one text delta from a
// running agent plus the buffer accumulated since the last clear.
type StreamPayload struct {
	AgentID string `json:"agent_id"`
	StepID  string `json:"step_id"`
	Delta   string `json:"delta"`
	Buffer  string `json:"buffer,omitempty"`
	Kind    string `json:"kind,omitempty"` // "thinking" or "answer"
}

// StepStatusPayload is the data of step_status_changed events.
type StepStatusPayload struct {
	StepID  string     `json:"step_id"`
	From    StepStatus `json:"from"`
	To      StepStatus `json:"to"`
	ErrKind ErrKind    `json:"error_kind,omitempty"`
	Detail  string     `json:"detail,omitempty"`
}

// OutputProgressPayload is the data of output_progress events: incremental
// final-answer text for direct answers and aggregation.
type OutputProgressPayload struct {
	Delta  string `json:"delta"`
	Buffer string `json:"buffer,omitempty"`
}

// defaultBacklog is the per-subscriber buffered event count. A subscriber
// that falls further behind starts losing events (dropped, with a warning
// log) rather than blocking publishers.
const defaultBacklog = 1000

// EventBus fans events out to subscribers in publish order. Publishing
// never blocks: each subscriber has a bounded queue and its own delivery
// goroutine, and a full queue drops the event for that subscriber only.
type EventBus struct {
	mu      sync.Mutex
	subs    map[int]*busSubscriber
	nextID  int
	backlog int
	logger  *slog.Logger
	closed  bool
}

type busSubscriber struct {
	ch      chan Event
	done    chan struct{}
	dropped int
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// BusBacklog sets the per-subscriber queue size (default 1000).
func BusBacklog(n int) BusOption {
	return func(b *EventBus) {
		if n > 0 {
			b.backlog = n
		}
	}
}

// BusLogger sets the logger used for drop warnings.
func BusLogger(l *slog.Logger) BusOption {
	return func(b *EventBus) { b.logger = l }
}

// NewEventBus builds a bus ready for Subscribe and Publish.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		subs:    make(map[int]*busSubscriber),
		backlog: defaultBacklog,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn to receive every subsequent event, in publish
// order, on a dedicated goroutine. The returned cancel function stops
// delivery and releases the subscription; it is safe to call more than
// once. fn must not call Subscribe or Close on the same bus.
func (b *EventBus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	sub := &busSubscriber{
		ch:   make(chan Event, b.backlog),
		done: make(chan struct{}),
	}
	b.subs[id] = sub
	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
		close(sub.done)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
			<-sub.done
		})
	}
}

// Publish delivers an event to all current subscribers. Slow subscribers
// past their backlog lose the event; the drop is logged as a lagging
// subscriber warning, counted per subscriber.
func (b *EventBus) Publish(taskID string, typ EventType, data any) {
	b.publish(Event{Type: typ, TaskID: taskID, Data: data, Timestamp: time.Now().UTC()})
}

func (b *EventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			b.logger.Warn("subscriber_lagged: event dropped",
				"subscriber", id,
				"event", string(ev.Type),
				"task_id", ev.TaskID,
				"dropped_total", sub.dropped)
		}
	}
}

// Close stops the bus. Queued events still drain to their subscribers;
// Close returns after every delivery goroutine has exited. Publish and
// Subscribe become no-ops afterwards.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*busSubscriber)
	for _, sub := range subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		<-sub.done
	}
}
