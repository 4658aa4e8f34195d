package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/events"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/bus"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/registry"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/router"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/store"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
)

func TestValidateVoteAcceptsInRangeValues(t *testing.T) {
	err := validateVote(entities.VoteCastPayload{Score: decimal.NewFromInt(80), Confidence: decimal.NewFromFloat(0.9)})
	assert.NoError(t, err)
}

func TestValidateVoteRejectsOutOfRangeScore(t *testing.T) {
	err := validateVote(entities.VoteCastPayload{Score: decimal.NewFromInt(101)})
	assert.Error(t, err)

	err = validateVote(entities.VoteCastPayload{Score: decimal.NewFromInt(-1)})
	assert.Error(t, err)
}

func TestValidateVoteRejectsOutOfRangeConfidence(t *testing.T) {
	err := validateVote(entities.VoteCastPayload{Score: decimal.NewFromInt(50), Confidence: decimal.NewFromFloat(1.5)})
	assert.Error(t, err)
}

// testHarness wires a real Registry/Router/Bus/Store/Engine, mirroring how
// the Orchestrator composes them, but without the Orchestrator's bootstrap
// and periodic loops — enough to drive a single grant's workflow directly.
type testHarness struct {
	reg     *registry.Registry
	b       *bus.Bus
	st      *store.Store
	engine  *Engine
	emitter *events.Emitter
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	emitter := events.NewEmitter()
	reg := registry.New(logging.NewNop(), emitter)
	rtr := router.New(reg, logging.NewNop(), 0)
	b := bus.New(reg, rtr, logging.NewNop(), emitter, nil, nil, bus.Config{
		ProcessingInterval: 5 * time.Millisecond,
		BatchSize:          50,
	})
	st := store.New(nil, logging.NewNop())
	eng := New(st, b, logging.NewNop(), emitter, cfg, nil, reg)

	for _, typ := range entities.AllAgentTypes {
		_, err := reg.Register(string(typ)+"-1", typ)
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		_ = eng.Stop()
		_ = b.Stop()
	})

	return &testHarness{reg: reg, b: b, st: st, engine: eng, emitter: emitter}
}

func (h *testHarness) castVote(t *testing.T, grantID int64, agentType entities.AgentType, scoreVal int64) {
	t.Helper()
	_, err := h.b.Send(agentType, []entities.AgentType{entities.AgentCoordinator}, entities.MessageVoteCast,
		entities.VoteCastPayload{GrantID: grantID, Score: decimal.NewFromInt(scoreVal), Confidence: decimal.NewFromFloat(0.8)},
		entities.PriorityNormal)
	require.NoError(t, err)
}

func waitForStage(t *testing.T, eng *Engine, grantID int64, stage entities.WorkflowStage) *entities.WorkflowStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := eng.GetStatus(grantID)
		if err == nil && status.Stage == stage {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow for grant %d never reached stage %s", grantID, stage)
	return nil
}

func TestStartWorkflowReachesCompleteOnAllVotes(t *testing.T) {
	h := newHarness(t, Config{EvaluationTimeout: time.Second})
	g, err := h.st.CreateGrant(1, "0x11", "", "Infra Grant", "desc", decimal.NewFromInt(50000))
	require.NoError(t, err)

	_, err = h.engine.StartWorkflow(g)
	require.NoError(t, err)

	votes := map[entities.AgentType]int64{
		entities.AgentTechnical:    80,
		entities.AgentImpact:      75,
		entities.AgentDueDiligence: 70,
		entities.AgentBudget:      60,
		entities.AgentCommunity:   55,
	}
	for typ, score := range votes {
		h.castVote(t, g.ID, typ, score)
	}

	status := waitForStage(t, h.engine, g.ID, entities.StageComplete)
	assert.Equal(t, 100.0, status.Progress)

	grant, err := h.st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.GrantApproved, grant.Status)
}

// TestGrantStatusMatchesStageThroughoutEvaluation is spec §3 global
// invariant 7 (pending<->submission/evaluation, under_review<->voting): the
// grant must stay pending while its workflow is in submission/evaluation,
// and only flip to under_review once voting starts.
func TestGrantStatusMatchesStageThroughoutEvaluation(t *testing.T) {
	h := newHarness(t, Config{EvaluationTimeout: time.Second})
	g, err := h.st.CreateGrant(1, "0x11", "", "Infra Grant", "desc", decimal.NewFromInt(1))
	require.NoError(t, err)

	_, err = h.engine.StartWorkflow(g)
	require.NoError(t, err)

	status, err := h.engine.GetStatus(g.ID)
	require.NoError(t, err)
	require.Equal(t, entities.StageEvaluation, status.Stage)

	grant, err := h.st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.GrantPending, grant.Status, "grant must stay pending during submission/evaluation")

	h.castVote(t, g.ID, entities.AgentTechnical, 80)
	h.castVote(t, g.ID, entities.AgentImpact, 75)
	h.castVote(t, g.ID, entities.AgentDueDiligence, 70)
	h.castVote(t, g.ID, entities.AgentBudget, 60)
	h.castVote(t, g.ID, entities.AgentCommunity, 55)

	waitForStage(t, h.engine, g.ID, entities.StageComplete)
	grant, err = h.st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.GrantApproved, grant.Status)
}

// TestDuplicateVoteIsIdempotent is testable property 7: resending the same
// vote_cast does not change the stored evaluation nor advance the workflow
// twice.
func TestDuplicateVoteIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{EvaluationTimeout: time.Second})
	g, err := h.st.CreateGrant(1, "0x11", "", "Infra Grant", "desc", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = h.engine.StartWorkflow(g)
	require.NoError(t, err)

	h.castVote(t, g.ID, entities.AgentTechnical, 80)
	time.Sleep(50 * time.Millisecond)
	h.castVote(t, g.ID, entities.AgentTechnical, 10) // resend, different score

	time.Sleep(50 * time.Millisecond)
	evals := h.st.GetEvaluations(g.ID)
	require.Len(t, evals, 1, "a duplicate (grant_id, agent_type) vote must not be recorded twice")
	assert.True(t, evals[0].Score.Equal(decimal.NewFromInt(80)), "the original score must be preserved")

	status, err := h.engine.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StageEvaluation, status.Stage, "workflow must not advance on the duplicate")
}

// TestEvaluationTimeout is seed scenario S4: after the evaluation deadline,
// a workflow with missing votes fails with the missing agents listed.
func TestEvaluationTimeout(t *testing.T) {
	h := newHarness(t, Config{EvaluationTimeout: 80 * time.Millisecond})
	g, err := h.st.CreateGrant(1, "0x11", "", "Infra Grant", "desc", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = h.engine.StartWorkflow(g)
	require.NoError(t, err)

	h.castVote(t, g.ID, entities.AgentTechnical, 80)
	h.castVote(t, g.ID, entities.AgentImpact, 75)

	status := waitForStage(t, h.engine, g.ID, entities.StageFailed)
	assert.Contains(t, status.Error, "timeout")
	for _, missing := range []string{"due_diligence", "budget", "community"} {
		assert.True(t, strings.Contains(status.Error, missing), "missing evaluator %s must be listed in the error", missing)
	}
}

// TestProgressMonotonicity is testable property 2: progress never decreases
// across a workflow's lifetime.
func TestProgressMonotonicity(t *testing.T) {
	h := newHarness(t, Config{EvaluationTimeout: time.Second})
	g, err := h.st.CreateGrant(1, "0x11", "", "Infra Grant", "desc", decimal.NewFromInt(1))
	require.NoError(t, err)

	progressCh, cancel := h.emitter.Subscribe(events.EvaluationProgress)
	defer cancel()

	_, err = h.engine.StartWorkflow(g)
	require.NoError(t, err)

	for typ, score := range map[entities.AgentType]int64{
		entities.AgentTechnical: 80, entities.AgentImpact: 75, entities.AgentDueDiligence: 70,
		entities.AgentBudget: 60, entities.AgentCommunity: 55,
	} {
		h.castVote(t, g.ID, typ, score)
	}
	waitForStage(t, h.engine, g.ID, entities.StageComplete)

	last := 0.0
	for {
		select {
		case evt := <-progressCh:
			status := evt.Data.(*entities.WorkflowStatus)
			assert.GreaterOrEqual(t, status.Progress, last)
			last = status.Progress
		default:
			return
		}
	}
}

func TestAbortWorkflowForcesFailed(t *testing.T) {
	h := newHarness(t, Config{EvaluationTimeout: time.Second})
	g, err := h.st.CreateGrant(1, "0x11", "", "Infra Grant", "desc", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = h.engine.StartWorkflow(g)
	require.NoError(t, err)

	require.NoError(t, h.engine.AbortWorkflow(g.ID, "operator requested abort"))

	status, err := h.engine.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StageFailed, status.Stage)
	assert.Equal(t, "operator requested abort", status.Error)
}

func TestAbortWorkflowUnknownGrantFails(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.engine.AbortWorkflow(999, "x")
	assert.Error(t, err)
}
