// Package router implements the Message Router: it stamps message ids and
// timestamps, keeps a capped history, and dispatches to per-agent
// subscription channels, resolving broadcast (empty To) against the
// registry's currently active agents.
//
// Grounded on the per-agent channel subscription idiom of
// AgentCommunicationSystem (other_examples' mojosolo-mobot2025 catalog file):
// a map of subscriber channels, with unresolved recipients dropped rather
// than blocking the router.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
)

// AgentLister is the slice of Registry the router depends on, kept narrow so
// the router package never needs to know about registration/health.
type AgentLister interface {
	GetByType(entities.AgentType) []*entities.AgentInfo
	GetByStatus(entities.AgentStatus) []*entities.AgentInfo
	UpdateActivity(id string)
}

const defaultHistoryCap = 1000
const subscriberBuffer = 32

// Router dispatches Messages to subscriber channels and records a capped
// history for later inspection.
type Router struct {
	mu          sync.Mutex
	history     []entities.Message
	historyCap  int
	subscribers map[string]chan entities.Message

	registry AgentLister
	logger   *logging.Logger
}

// New constructs a Router. historyCap <= 0 falls back to the 1000-message default.
func New(registry AgentLister, logger *logging.Logger, historyCap int) *Router {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &Router{
		historyCap:  historyCap,
		subscribers: make(map[string]chan entities.Message),
		registry:    registry,
		logger:      logger.Named("router"),
	}
}

// Route stamps a message with an id/timestamp, appends it to history, and
// dispatches it to every resolved recipient's subscription channel. An empty
// To broadcasts to every currently active agent. The sender's last-activity
// is bumped on every successful route, same as each recipient's, so a
// purely-sending agent never goes stale in the health loop.
func (r *Router) Route(from entities.AgentType, to []entities.AgentType, msgType entities.MessageType, data any) entities.Message {
	msg := entities.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	r.history = append(r.history, msg)
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
	subs := r.resolveSubscribers(msg.To)
	r.mu.Unlock()

	for _, sender := range r.registry.GetByType(from) {
		r.registry.UpdateActivity(sender.ID)
	}

	for _, agentID := range subs {
		r.registry.UpdateActivity(agentID)
		r.mu.Lock()
		ch, ok := r.subscribers[agentID]
		r.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- msg:
		default:
			r.logger.Warn("subscriber channel full, dropping message",
				zap.String("agent_id", agentID), zap.String("message_id", msg.ID))
		}
	}

	return msg
}

// resolveSubscribers maps a To list of AgentTypes (or nil for broadcast) to
// the concrete agent ids currently subscribed. Caller must hold r.mu.
func (r *Router) resolveSubscribers(to []entities.AgentType) []string {
	if len(to) == 0 {
		active := r.registry.GetByStatus(entities.AgentStatusActive)
		out := make([]string, 0, len(active))
		for _, a := range active {
			out = append(out, a.ID)
		}
		return out
	}

	var out []string
	for _, t := range to {
		for _, a := range r.registry.GetByType(t) {
			out = append(out, a.ID)
		}
	}
	return out
}

// Subscribe registers a per-agent channel for inbound messages. Subscribing
// the same id twice replaces the previous channel.
func (r *Router) Subscribe(agentID string) <-chan entities.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan entities.Message, subscriberBuffer)
	r.subscribers[agentID] = ch
	return ch
}

// Unsubscribe removes an agent's subscription channel.
func (r *Router) Unsubscribe(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subscribers[agentID]; ok {
		delete(r.subscribers, agentID)
		close(ch)
	}
}

// HistoryFilter narrows History results by sender, recipient, message type,
// a since-timestamp, and an optional result limit.
type HistoryFilter struct {
	From  entities.AgentType // zero value means "any"
	To    entities.AgentType // zero value means "any"
	Type  entities.MessageType
	Since time.Time
	Limit int // <= 0 means "no limit"
}

// History returns a snapshot of recorded messages, newest last, optionally
// filtered by sender, recipient, message type and/or a minimum timestamp. A
// positive Limit returns at most that many of the newest matches.
func (r *Router) History(filter HistoryFilter) []entities.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]entities.Message, 0, len(r.history))
	for _, m := range r.history {
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.From != "" && m.From != filter.From {
			continue
		}
		if filter.To != "" && !containsType(m.To, filter.To) {
			continue
		}
		if !filter.Since.IsZero() && m.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, m)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// containsType reports whether a message's recipient list includes t, or
// whether the message was a broadcast (empty To always matches).
func containsType(to []entities.AgentType, t entities.AgentType) bool {
	if len(to) == 0 {
		return true
	}
	for _, v := range to {
		if v == t {
			return true
		}
	}
	return false
}

// Clear empties the recorded history without affecting subscriptions.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}
