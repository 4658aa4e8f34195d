// Package store implements the Data Store: the in-memory system of record
// for grants and evaluations, with an optional write-through bridge to an
// external database.
//
// Grounded on workflow_engine.go's repository-interface style
// (Create/GetByID/Update/List) applied to Grant/Evaluation.
package store

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
	"github.com/DimaJoyti/grantflow-orchestrator/pkg/apperror"
)

// Bridge is the write-through hook to an external system of record. A nil
// Bridge is valid: the store then holds the only copy of the data.
type Bridge interface {
	UpdateGrantStatus(grantID int64, status entities.GrantStatus) error
}

// Store holds every grant and evaluation the evaluation core has seen.
type Store struct {
	mu          sync.RWMutex
	grants      map[int64]*entities.Grant
	evaluations map[int64][]*entities.Evaluation // grantID -> evaluations, insertion order

	nextID atomic.Int64

	bridge Bridge
	logger *logging.Logger
}

const startingGrantID = 1000

// New constructs an empty Store. Grant ids are minted from a monotonic
// counter starting above startingGrantID: a wall-clock id risks collisions
// under burst submission, an atomic counter cannot.
func New(bridge Bridge, logger *logging.Logger) *Store {
	s := &Store{
		grants:      make(map[int64]*entities.Grant),
		evaluations: make(map[int64][]*entities.Evaluation),
		bridge:      bridge,
		logger:      logger.Named("store"),
	}
	s.nextID.Store(startingGrantID)
	return s
}

// CreateGrant mints a new Grant in the pending status. If id is non-zero, it
// is honored as the caller-supplied id; a collision with an existing grant
// fails. id == 0 mints a fresh id from the monotonic counter instead.
func (s *Store) CreateGrant(id int64, applicant, ipfsHash, projectName, description string, amount decimal.Decimal) (*entities.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != 0 {
		if _, exists := s.grants[id]; exists {
			return nil, apperror.Validate(fmt.Sprintf("grant id %d already in use", id)).WithContext("grant_id", id)
		}
	} else {
		id = s.nextID.Add(1)
	}
	if id >= s.nextID.Load() {
		s.nextID.Store(id + 1)
	}

	grant := entities.NewGrant(id, applicant, ipfsHash, projectName, description, amount)
	s.grants[id] = grant

	s.logger.Info("grant created", zap.Int64("grant_id", id), zap.String("applicant", applicant))
	return grant.Clone(), nil
}

// GetGrant returns a snapshot of one grant.
func (s *Store) GetGrant(id int64) (*entities.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, apperror.NotFound("grant", itoa(id))
	}
	return g.Clone(), nil
}

// UpdateGrantStatus moves a grant to a new status, rejecting illegal
// transitions in the grant lifecycle (pending -> under_review ->
// approved|rejected, then approved -> completed). The external-DB bridge, if configured, is
// invoked best-effort: a bridge failure is logged, never returned, so a
// flaky external write never blocks the core's own state transition.
func (s *Store) UpdateGrantStatus(id int64, status entities.GrantStatus) error {
	s.mu.Lock()
	grant, ok := s.grants[id]
	if !ok {
		s.mu.Unlock()
		return apperror.NotFound("grant", itoa(id))
	}
	if !entities.CanTransition(grant.Status, status) {
		from := grant.Status
		s.mu.Unlock()
		return apperror.IllegalTransition(string(from), string(status)).
			WithContext("grant_id", id)
	}
	grant.Status = status
	grant.UpdatedAt = time.Now()
	s.mu.Unlock()

	if s.bridge != nil {
		if err := s.bridge.UpdateGrantStatus(id, status); err != nil {
			s.logger.Warn("external db write-through failed",
				zap.Int64("grant_id", id), zap.String("status", string(status)), zap.Error(err))
		}
	}
	return nil
}

// AddEvaluation records one evaluator's score against a grant. A second
// evaluation from the same AgentType for the same grant is rejected.
func (s *Store) AddEvaluation(eval *entities.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[eval.GrantID]; !ok {
		return apperror.NotFound("grant", itoa(eval.GrantID))
	}
	for _, existing := range s.evaluations[eval.GrantID] {
		if existing.AgentType == eval.AgentType {
			return apperror.DuplicateEvaluation(eval.GrantID, string(eval.AgentType))
		}
	}
	s.evaluations[eval.GrantID] = append(s.evaluations[eval.GrantID], eval)
	return nil
}

// GetEvaluations returns every evaluation for a grant, ordered by CreatedAt ascending.
func (s *Store) GetEvaluations(grantID int64) []*entities.Evaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evals := s.evaluations[grantID]
	out := make([]*entities.Evaluation, len(evals))
	for i, e := range evals {
		out[i] = e.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// VoteThresholds carries the decision law's parameters.
type VoteThresholds struct {
	ApprovalThreshold      decimal.Decimal
	MajorityRequired       int
	RequiredEvaluatorCount int
}

// CalculateVotingResult applies the decision law: approved iff
// mean(scores) >= ApprovalThreshold AND count(scores >= ApprovalThreshold) >= MajorityRequired.
// Finalized reports whether every required evaluator has voted; the caller
// must not act on Approved when Finalized is false.
func (s *Store) CalculateVotingResult(grantID int64, thresholds VoteThresholds) entities.VotingResult {
	evals := s.GetEvaluations(grantID)

	votes := make([]entities.Vote, 0, len(evals))
	sum := decimal.Zero
	aboveCount := 0
	for _, e := range evals {
		votes = append(votes, entities.Vote{AgentType: e.AgentType, Score: e.Score, Timestamp: e.CreatedAt})
		sum = sum.Add(e.Score)
		if e.Score.GreaterThanOrEqual(thresholds.ApprovalThreshold) {
			aboveCount++
		}
	}

	var mean decimal.Decimal
	if len(evals) > 0 {
		mean = sum.Div(decimal.NewFromInt(int64(len(evals))))
	}

	finalized := len(evals) >= thresholds.RequiredEvaluatorCount
	approved := finalized &&
		mean.GreaterThanOrEqual(thresholds.ApprovalThreshold) &&
		aboveCount >= thresholds.MajorityRequired

	return entities.VotingResult{
		GrantID:            grantID,
		Votes:              votes,
		TotalScore:         sum,
		MeanScore:          mean,
		ApprovalAboveCount: aboveCount,
		Approved:           approved,
		Finalized:          finalized,
		FinalizedAt:        time.Now(),
	}
}

// GetGrantsByStatus returns every grant currently in a given status.
func (s *Store) GetGrantsByStatus(status entities.GrantStatus) []*entities.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entities.Grant
	for _, g := range s.grants {
		if g.Status == status {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
