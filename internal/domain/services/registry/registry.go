// Package registry implements the Agent Registry: the catalog of connected
// agents the Router and Bus resolve recipients against.
//
// Grounded on DefaultAgentRegistry in agent_registry.go: a single
// sync.RWMutex-guarded map, copy-on-read snapshots for anything handed to a
// caller, and an explicit availability check separate from existence.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/events"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
	"github.com/DimaJoyti/grantflow-orchestrator/pkg/apperror"
)

// Registry tracks every connected agent, keyed by id.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entities.AgentInfo

	logger  *logging.Logger
	emitter *events.Emitter
}

// New constructs an empty Registry.
func New(logger *logging.Logger, emitter *events.Emitter) *Registry {
	return &Registry{
		agents:  make(map[string]*entities.AgentInfo),
		logger:  logger.Named("registry"),
		emitter: emitter,
	}
}

// Register adds a new agent. Re-registering an id already present returns
// an apperror.DuplicateAgent error unless the caller goes through Reregister.
func (r *Registry) Register(id string, typ entities.AgentType) (*entities.AgentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return nil, apperror.DuplicateAgent(id).WithContext("agent_id", id)
	}

	info := entities.NewAgentInfo(id, typ)
	r.agents[id] = info
	r.logger.Info("agent registered", zap.String("agent_id", id), zap.String("type", string(typ)))
	r.emitter.Emit(events.AgentRegistered, info.Clone())
	return info.Clone(), nil
}

// Reregister is used by the orchestrator's health-recovery path: it replaces
// an existing record (bumping Generation) or creates a fresh one if the
// agent had been fully unregistered.
func (r *Registry) Reregister(id string, typ entities.AgentType) *entities.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := 0
	if existing, ok := r.agents[id]; ok {
		gen = existing.Generation + 1
	}
	info := entities.NewAgentInfo(id, typ)
	info.Generation = gen
	r.agents[id] = info
	r.logger.Info("agent recovered", zap.String("agent_id", id), zap.Int("generation", gen))
	r.emitter.Emit(events.AgentRecovered, info.Clone())
	return info.Clone()
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return apperror.NotFound("agent", id)
	}
	delete(r.agents, id)
	r.logger.Info("agent unregistered", zap.String("agent_id", id))
	r.emitter.Emit(events.AgentUnregistered, id)
	return nil
}

// Get returns a snapshot of one agent's record.
func (r *Registry) Get(id string) (*entities.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// byRegistrationOrder sorts agent snapshots by their Seq (registration order).
func byRegistrationOrder(agents []*entities.AgentInfo) {
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Seq() < agents[j].Seq()
	})
}

// GetByType returns every agent of a given type, oldest registration first.
func (r *Registry) GetByType(typ entities.AgentType) []*entities.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entities.AgentInfo
	for _, info := range r.agents {
		if info.Type == typ {
			out = append(out, info.Clone())
		}
	}
	byRegistrationOrder(out)
	return out
}

// GetByStatus returns every agent with a given status, oldest registration first.
func (r *Registry) GetByStatus(status entities.AgentStatus) []*entities.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entities.AgentInfo
	for _, info := range r.agents {
		if info.Status == status {
			out = append(out, info.Clone())
		}
	}
	byRegistrationOrder(out)
	return out
}

// All returns every registered agent, oldest registration first.
func (r *Registry) All() []*entities.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entities.AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info.Clone())
	}
	byRegistrationOrder(out)
	return out
}

// UpdateActivity bumps LastActivity, called whenever a message is routed
// to or from this agent.
func (r *Registry) UpdateActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[id]; ok {
		info.LastActivity = time.Now()
	}
}

// IncrementEvaluations bumps EvaluationsCount, called when an evaluation is recorded.
func (r *Registry) IncrementEvaluations(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[id]; ok {
		info.EvaluationsCount++
	}
}

// IncrementEvaluationsByType bumps EvaluationsCount on the oldest registered
// agent of a given type, whatever its status, used by the Workflow Engine when a vote_cast is recorded
// against an evaluator identified only by its AgentType. A no-op if no agent
// of that type is currently registered.
func (r *Registry) IncrementEvaluationsByType(typ entities.AgentType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *entities.AgentInfo
	for _, info := range r.agents {
		if info.Type != typ {
			continue
		}
		if oldest == nil || info.Seq() < oldest.Seq() {
			oldest = info
		}
	}
	if oldest != nil {
		oldest.EvaluationsCount++
	}
}

// SetStatus transitions an agent's status, e.g. active -> busy while
// processing an evaluation.
func (r *Registry) SetStatus(id string, status entities.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[id]
	if !ok {
		return apperror.NotFound("agent", id)
	}
	info.Status = status
	return nil
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
