// Package events is the internal publish/subscribe hub every domain service
// emits its lifecycle events through. internal/infrastructure/eventstream's
// RedisPublisher subscribes here to fan events out to Redis (its Kafka audit
// sink is fed directly by the bus and workflow engine instead); nothing in
// internal/domain imports infrastructure code, so the dependency only ever
// points inward.
package events

import (
	"sync"
	"time"
)

// Event is one emitted occurrence (agent:registered, workflow:started,
// message:delivered, ...).
type Event struct {
	Name      string
	Data      any
	Timestamp time.Time
}

// Canonical event names observers can subscribe to.
const (
	MessageQueued        = "message:queued"
	MessageDropped       = "message:dropped"
	MessageDelivered     = "message:delivered"
	MessageFailed        = "message:failed"
	MessageRetry         = "message:retry"
	MessageError         = "message:error"
	WorkflowStarted      = "workflow:started"
	EvaluationProgress   = "evaluation:progress"
	EvaluationTimeout    = "evaluation:timeout"
	EvaluationFailed     = "evaluation:failed"
	WorkflowComplete     = "workflow:complete"
	WorkflowFailed       = "workflow:failed"
	AgentRecovered       = "agent:recovered"
	AgentRecoveryFailed  = "agent:recovery:failed"
	HealthDegraded       = "health:degraded"
	OrchestratorStarted  = "orchestrator:started"
	OrchestratorShutdown = "orchestrator:shutdown"

	// Finer-grained events used for internal wiring (e.g. the eventstream
	// Redis publisher) beyond the headline lifecycle events above.
	AgentRegistered     = "agent:registered"
	AgentUnregistered   = "agent:unregistered"
	WorkflowStageChange = "workflow:stage_changed"
	VoteRecorded        = "vote:recorded"
	ApprovalDecided     = "approval:decided"
	MilestoneCandidate  = "milestone:candidate"
)

// AllEventNames lists every canonical and supplemental event name, used by
// the composition root to subscribe an external fan-out publisher to
// everything this core emits.
var AllEventNames = []string{
	MessageQueued, MessageDropped, MessageDelivered, MessageFailed, MessageRetry, MessageError,
	WorkflowStarted, EvaluationProgress, EvaluationTimeout, EvaluationFailed,
	WorkflowComplete, WorkflowFailed,
	AgentRecovered, AgentRecoveryFailed, HealthDegraded,
	OrchestratorStarted, OrchestratorShutdown,
	AgentRegistered, AgentUnregistered, WorkflowStageChange, VoteRecorded, ApprovalDecided, MilestoneCandidate,
}

const subscriberBuffer = 64

// Emitter is a fan-out hub: each subscriber gets its own buffered channel, and
// a slow subscriber drops events rather than blocking the emitting goroutine.
type Emitter struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewEmitter constructs an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[string][]chan Event)}
}

// Subscribe registers for events of exactly `name`. The returned cancel func
// removes the subscription and closes the channel; callers must stop reading
// from it once called.
func (e *Emitter) Subscribe(name string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	e.mu.Lock()
	e.subs[name] = append(e.subs[name], ch)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		chans := e.subs[name]
		for i, c := range chans {
			if c == ch {
				e.subs[name] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Emit publishes an event to every current subscriber of name. Delivery is
// non-blocking: a full subscriber channel drops the event instead of
// stalling the caller.
func (e *Emitter) Emit(name string, data any) {
	evt := Event{Name: name, Data: data, Timestamp: time.Now()}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs[name] {
		select {
		case ch <- evt:
		default:
		}
	}
}
