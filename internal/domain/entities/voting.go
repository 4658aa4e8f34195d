package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vote is one evaluator's recorded score, captured for the voting result.
type Vote struct {
	AgentType AgentType
	Score     decimal.Decimal
	Timestamp time.Time
}

// VotingResult is the outcome the decision law in spec §4.4 produces once
// every required evaluator (or the evaluation timeout) concludes voting.
type VotingResult struct {
	GrantID            int64
	Votes              []Vote
	TotalScore         decimal.Decimal
	MeanScore          decimal.Decimal
	ApprovalAboveCount int
	Approved           bool
	Finalized          bool
	FinalizedAt        time.Time
}
