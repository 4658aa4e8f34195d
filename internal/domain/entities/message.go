package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageType discriminates the payload carried in Message.Data.
type MessageType string

const (
	MessageNewGrant           MessageType = "new_grant"
	MessageEvaluationRequest  MessageType = "evaluation_request"
	MessageEvaluationComplete MessageType = "evaluation_complete"
	MessageVoteCast           MessageType = "vote_cast"
	MessageApprovalDecision   MessageType = "approval_decision"
	MessageMilestoneCreated   MessageType = "milestone_created"
	MessageSystemStatus       MessageType = "system_status"
)

// Priority orders messages inside the Bus's processing queue. Higher values
// are serviced first; ties break on QueuedMessage.CreatedAt ascending.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Message is one envelope routed between agents. To empty means broadcast to
// every currently active agent.
type Message struct {
	ID        string
	From      AgentType
	To        []AgentType
	Type      MessageType
	Data      any
	Timestamp time.Time
}

// QueuedMessage wraps a Message with Bus bookkeeping: priority, retry state
// and delivery timestamps.
type QueuedMessage struct {
	Message             Message
	Priority            Priority
	RetryCount          int
	MaxRetries          int
	CreatedAt           time.Time
	ProcessingStartedAt *time.Time
	DeliveredAt         *time.Time
	Error               string
}

// --- Typed payloads, one per MessageType (SPEC_FULL supplement #4) ---

// NewGrantPayload rides a MessageNewGrant message.
type NewGrantPayload struct {
	GrantID     int64
	Applicant   string
	ProjectName string
	Amount      decimal.Decimal
	IPFSHash    string
}

// EvaluationRequestPayload rides a MessageEvaluationRequest message, fanned
// out once per required evaluator.
type EvaluationRequestPayload struct {
	GrantID     int64
	ProjectName string
	Description string
	Amount      decimal.Decimal
	RequestedAt time.Time
	Timeout     time.Duration
}

// EvaluationCompletePayload rides a MessageEvaluationComplete message,
// emitted by the workflow engine once an evaluator's score is recorded.
type EvaluationCompletePayload struct {
	GrantID   int64
	AgentType AgentType
	Score     decimal.Decimal
}

// VoteCastPayload rides a MessageVoteCast message sent by an evaluator back
// to the coordinator once it has scored a grant.
type VoteCastPayload struct {
	GrantID         int64
	Score           decimal.Decimal
	Reasoning       string
	Confidence      decimal.Decimal
	Concerns        []string
	Recommendations []string
}

// ApprovalDecisionPayload rides a MessageApprovalDecision message once the
// workflow engine finalizes a VotingResult.
type ApprovalDecisionPayload struct {
	GrantID      int64
	Decision     GrantStatus
	VotingResult VotingResult
}

// MilestoneCreatedPayload rides a MessageMilestoneCreated message (SPEC_FULL
// supplement #3), giving the out-of-scope executor agent a typed contract.
type MilestoneCreatedPayload struct {
	GrantID        int64
	ApprovedAt     time.Time
	AmountReleased decimal.Decimal
}

// SystemStatusPayload rides a MessageSystemStatus broadcast.
type SystemStatusPayload struct {
	ActiveAgents    int
	ActiveWorkflows int
	QueueDepth      int
	EmittedAt       time.Time
}
