// Package entities holds the plain data types shared across the evaluation
// core: agents, grants, evaluations, messages and workflow state. None of
// these types carry behavior beyond small invariant helpers — the services
// packages own the logic.
package entities

import (
	"sync/atomic"
	"time"
)

// AgentType identifies one of the fixed evaluator roles or a coordination role.
type AgentType string

const (
	AgentIntake       AgentType = "intake"
	AgentTechnical    AgentType = "technical"
	AgentImpact       AgentType = "impact"
	AgentDueDiligence AgentType = "due_diligence"
	AgentBudget       AgentType = "budget"
	AgentCommunity    AgentType = "community"
	AgentCoordinator  AgentType = "coordinator"
	AgentExecutor     AgentType = "executor"
)

// RequiredEvaluators is the fixed evaluator set a grant's voting stage waits on.
var RequiredEvaluators = []AgentType{
	AgentTechnical,
	AgentImpact,
	AgentDueDiligence,
	AgentBudget,
	AgentCommunity,
}

// AllAgentTypes is every role the orchestrator bootstraps one instance of at
// startup (spec §4.6 Start).
var AllAgentTypes = []AgentType{
	AgentIntake,
	AgentTechnical,
	AgentImpact,
	AgentDueDiligence,
	AgentBudget,
	AgentCommunity,
	AgentCoordinator,
	AgentExecutor,
}

// AgentStatus tracks an agent's liveness as seen by the registry.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusInactive AgentStatus = "inactive"
)

var agentSeq atomic.Int64

// AgentInfo is the registry's record for one connected agent.
type AgentInfo struct {
	ID               string
	Type             AgentType
	Status           AgentStatus
	ConnectedAt      time.Time
	LastActivity     time.Time
	EvaluationsCount int64
	Generation       int
	seq              int64
}

// NewAgentInfo constructs a registry record, stamping ConnectedAt/LastActivity
// and assigning a monotonic sequence number used to break registration-order
// ties when two agents share a timestamp.
func NewAgentInfo(id string, typ AgentType) *AgentInfo {
	now := time.Now()
	return &AgentInfo{
		ID:           id,
		Type:         typ,
		Status:       AgentStatusActive,
		ConnectedAt:  now,
		LastActivity: now,
		Generation:   0,
		seq:          agentSeq.Add(1),
	}
}

// Seq returns the registration-order sequence number.
func (a *AgentInfo) Seq() int64 {
	return a.seq
}

// Clone returns a value copy safe to hand to a caller outside the registry's lock.
func (a *AgentInfo) Clone() *AgentInfo {
	cp := *a
	return &cp
}
