package entities

import "time"

// WorkflowStage is one of the six fixed stages a grant's evaluation workflow
// moves through. Unlike the teacher's generic step-graph workflow, this
// engine has a single fixed stage sequence.
type WorkflowStage string

const (
	StageSubmission WorkflowStage = "submission"
	StageEvaluation WorkflowStage = "evaluation"
	StageVoting     WorkflowStage = "voting"
	StageDecision   WorkflowStage = "decision"
	StageExecution  WorkflowStage = "execution"
	StageComplete   WorkflowStage = "complete"
	StageFailed     WorkflowStage = "failed"
)

// stageProgress is the floor progress percentage spec §4.5 assigns each stage.
var stageProgress = map[WorkflowStage]float64{
	StageSubmission: 10,
	StageEvaluation: 20,
	StageVoting:     70,
	StageDecision:   80,
	StageExecution:  90,
	StageComplete:   100,
	StageFailed:     0,
}

// StageFloor returns the minimum progress percentage for a stage.
func StageFloor(s WorkflowStage) float64 {
	return stageProgress[s]
}

// WorkflowStatus is the live, queryable state of one grant's workflow.
type WorkflowStatus struct {
	GrantID              int64
	Stage                WorkflowStage
	Progress             float64
	EvaluationsComplete  map[AgentType]bool
	EvaluationsPending   map[AgentType]bool
	StartedAt            time.Time
	UpdatedAt            time.Time
	Error                string
}

// NewWorkflowStatus constructs a WorkflowStatus in the submission stage with
// every required evaluator pending.
func NewWorkflowStatus(grantID int64, evaluators []AgentType) *WorkflowStatus {
	now := time.Now()
	pending := make(map[AgentType]bool, len(evaluators))
	for _, a := range evaluators {
		pending[a] = true
	}
	return &WorkflowStatus{
		GrantID:             grantID,
		Stage:               StageSubmission,
		Progress:            StageFloor(StageSubmission),
		EvaluationsComplete: make(map[AgentType]bool, len(evaluators)),
		EvaluationsPending:  pending,
		StartedAt:           now,
		UpdatedAt:           now,
	}
}

// Clone returns a value copy with its maps deep-copied, safe to hand outside
// the workflow engine's lock.
func (w *WorkflowStatus) Clone() *WorkflowStatus {
	cp := *w
	cp.EvaluationsComplete = make(map[AgentType]bool, len(w.EvaluationsComplete))
	for k, v := range w.EvaluationsComplete {
		cp.EvaluationsComplete[k] = v
	}
	cp.EvaluationsPending = make(map[AgentType]bool, len(w.EvaluationsPending))
	for k, v := range w.EvaluationsPending {
		cp.EvaluationsPending[k] = v
	}
	return &cp
}
