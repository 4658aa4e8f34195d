package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// Evaluation is one evaluator agent's scored opinion on a grant.
type Evaluation struct {
	ID              int64
	GrantID         int64
	AgentType       AgentType
	Score           decimal.Decimal
	Reasoning       string
	Confidence      decimal.Decimal
	Concerns        []string
	Recommendations []string
	CreatedAt       time.Time
}

// NewEvaluation constructs an Evaluation, stamping CreatedAt.
func NewEvaluation(id, grantID int64, agentType AgentType, score, confidence decimal.Decimal, reasoning string, concerns, recommendations []string) *Evaluation {
	return &Evaluation{
		ID:              id,
		GrantID:         grantID,
		AgentType:       agentType,
		Score:           score,
		Reasoning:       reasoning,
		Confidence:      confidence,
		Concerns:        concerns,
		Recommendations: recommendations,
		CreatedAt:       time.Now(),
	}
}

// Clone returns a value copy safe to hand out of the store's lock.
func (e *Evaluation) Clone() *Evaluation {
	cp := *e
	cp.Concerns = append([]string(nil), e.Concerns...)
	cp.Recommendations = append([]string(nil), e.Recommendations...)
	return &cp
}
