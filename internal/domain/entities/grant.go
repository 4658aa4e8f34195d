package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// GrantStatus is the lifecycle status the external grants database tracks.
type GrantStatus string

const (
	GrantPending     GrantStatus = "pending"
	GrantUnderReview GrantStatus = "under_review"
	GrantApproved    GrantStatus = "approved"
	GrantRejected    GrantStatus = "rejected"
	GrantCompleted   GrantStatus = "completed"
)

// validGrantTransitions enumerates the legal GrantStatus edges. Any edge not
// listed here is illegal and UpdateGrantStatus rejects it.
var validGrantTransitions = map[GrantStatus][]GrantStatus{
	GrantPending:     {GrantUnderReview},
	GrantUnderReview: {GrantApproved, GrantRejected},
	GrantApproved:    {GrantCompleted},
	GrantRejected:    {},
	GrantCompleted:   {},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to GrantStatus) bool {
	for _, s := range validGrantTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Grant is one funding application moving through the evaluation workflow.
type Grant struct {
	ID          int64
	Applicant   string
	IPFSHash    string
	ProjectName string
	Description string
	Amount      decimal.Decimal
	Status      GrantStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewGrant constructs a Grant in the pending status, stamping CreatedAt/UpdatedAt.
func NewGrant(id int64, applicant, ipfsHash, projectName, description string, amount decimal.Decimal) *Grant {
	now := time.Now()
	return &Grant{
		ID:          id,
		Applicant:   applicant,
		IPFSHash:    ipfsHash,
		ProjectName: projectName,
		Description: description,
		Amount:      amount,
		Status:      GrantPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a value copy safe to hand out of the store's lock.
func (g *Grant) Clone() *Grant {
	cp := *g
	return &cp
}
