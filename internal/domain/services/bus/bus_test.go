package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/events"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/registry"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/router"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
)

func newTestBus(t *testing.T, cfg Config) (*Bus, *registry.Registry, *events.Emitter) {
	t.Helper()
	emitter := events.NewEmitter()
	reg := registry.New(logging.NewNop(), emitter)
	rtr := router.New(reg, logging.NewNop(), 0)
	b := New(reg, rtr, logging.NewNop(), emitter, nil, nil, cfg)
	return b, reg, emitter
}

// TestPriorityOrderingWithinBatch is seed scenario S5: five normal messages
// enqueued before one critical message must still be delivered with the
// critical message first.
func TestPriorityOrderingWithinBatch(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{})
	_, err := reg.Register("coordinator-1", entities.AgentCoordinator)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Send(entities.AgentIntake, nil, entities.MessageSystemStatus, i, entities.PriorityNormal)
		require.NoError(t, err)
	}
	_, err = b.Send(entities.AgentIntake, nil, entities.MessageSystemStatus, "critical-payload", entities.PriorityCritical)
	require.NoError(t, err)

	require.Len(t, b.queue, 6)
	b.processBatch()

	stats := b.Stats()
	assert.Equal(t, int64(6), stats.TotalDelivered)
	assert.Equal(t, 0, len(b.queue))

	// The router records messages in the order the bus delivered them, so
	// the critical message must head the history despite being enqueued last.
	history := b.router.History(router.HistoryFilter{})
	require.Len(t, history, 6)
	assert.Equal(t, "critical-payload", history[0].Data)
}

// TestPriorityPopOrderIsDeterministic exercises the priority queue directly:
// pop order must be priority desc, then CreatedAt asc, matching spec §4.3.
func TestPriorityPopOrderIsDeterministic(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{})
	_, err := reg.Register("coordinator-1", entities.AgentCoordinator)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Send(entities.AgentIntake, nil, entities.MessageSystemStatus, i, entities.PriorityNormal)
		require.NoError(t, err)
	}
	_, err = b.Send(entities.AgentIntake, nil, entities.MessageSystemStatus, "critical-payload", entities.PriorityCritical)
	require.NoError(t, err)

	batch := b.drainBatch()
	require.Len(t, batch, 6)
	assert.Equal(t, entities.PriorityCritical, batch[0].Priority, "critical message must be popped first")
	for _, qm := range batch[1:] {
		assert.Equal(t, entities.PriorityNormal, qm.Priority)
	}
}

// TestRetryThenFail is seed scenario S6: an unresolvable recipient retries
// up to MaxRetries times, then fails with RetryCount == MaxRetries.
func TestRetryThenFail(t *testing.T) {
	b, _, emitter := newTestBus(t, Config{MaxRetries: 2})
	// Deliberately do not register any "technical" agent.

	retryCh, cancelRetry := emitter.Subscribe(events.MessageRetry)
	defer cancelRetry()
	failCh, cancelFail := emitter.Subscribe(events.MessageFailed)
	defer cancelFail()

	_, err := b.Send(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest, nil, entities.PriorityHigh)
	require.NoError(t, err)

	b.processBatch() // retry 1
	b.processBatch() // retry 2
	b.processBatch() // fails, retry_count stays at 2

	retries := drainAll(retryCh)
	fails := drainAll(failCh)
	assert.Len(t, retries, 2, "expected exactly two message:retry events")
	assert.Len(t, fails, 1, "expected exactly one message:failed event")

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, int64(2), stats.TotalRetried)
	assert.Equal(t, int64(0), stats.TotalDelivered)
}

func drainAll(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestSendFailsWhenQueueFull(t *testing.T) {
	b, reg, emitter := newTestBus(t, Config{MaxQueueSize: 1})
	_, err := reg.Register("coordinator-1", entities.AgentCoordinator)
	require.NoError(t, err)

	dropped, cancel := emitter.Subscribe(events.MessageDropped)
	defer cancel()

	_, err = b.Send(entities.AgentIntake, nil, entities.MessageSystemStatus, nil, entities.PriorityNormal)
	require.NoError(t, err)

	_, err = b.Send(entities.AgentIntake, nil, entities.MessageSystemStatus, nil, entities.PriorityNormal)
	require.Error(t, err)

	events := drainAll(dropped)
	assert.Len(t, events, 1)
}

func TestBroadcastExcludesNothingButResolvesActiveAgents(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{})
	_, err := reg.Register("technical-1", entities.AgentTechnical)
	require.NoError(t, err)
	_, err = reg.Register("impact-1", entities.AgentImpact)
	require.NoError(t, err)

	_, err = b.Broadcast(entities.AgentIntake, entities.MessageNewGrant, nil, entities.PriorityNormal)
	require.NoError(t, err)

	b.processBatch()
	assert.Equal(t, int64(1), b.Stats().TotalDelivered)
}

func TestRequestEvaluationFansOutToAllEvaluators(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{})
	for _, typ := range entities.RequiredEvaluators {
		_, err := reg.Register(string(typ)+"-1", typ)
		require.NoError(t, err)
	}

	sent, err := b.RequestEvaluation(1, entities.EvaluationRequestPayload{GrantID: 1}, entities.RequiredEvaluators)
	require.NoError(t, err)
	assert.Len(t, sent, len(entities.RequiredEvaluators))
	for _, qm := range sent {
		assert.Equal(t, entities.PriorityHigh, qm.Priority)
	}
}

func TestDiscoverAgentsAndFindByCapability(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{})
	_, err := reg.Register("technical-1", entities.AgentTechnical)
	require.NoError(t, err)

	b.refreshDiscovery()
	snap := b.DiscoverAgents()
	require.Contains(t, snap, entities.AgentTechnical)
	assert.Len(t, snap[entities.AgentTechnical], 1)

	found := FindByCapability("code_review")
	assert.Contains(t, found, entities.AgentTechnical)
}

func TestGetMessageAndGetMessagesForGrant(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{})
	_, err := reg.Register("technical-1", entities.AgentTechnical)
	require.NoError(t, err)

	qm, err := b.Send(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest,
		entities.EvaluationRequestPayload{GrantID: 42}, entities.PriorityHigh)
	require.NoError(t, err)
	b.processBatch()

	_, ok := b.GetMessage(qm.Message.ID)
	require.True(t, ok)

	forGrant := b.GetMessagesForGrant(42)
	require.Len(t, forGrant, 1)

	assert.Empty(t, b.GetMessagesForGrant(999))
}

func TestClearHistoryEmptiesTrackedMessages(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{})
	_, err := reg.Register("technical-1", entities.AgentTechnical)
	require.NoError(t, err)

	qm, err := b.Send(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest, nil, entities.PriorityNormal)
	require.NoError(t, err)
	b.processBatch()

	_, ok := b.GetMessage(qm.Message.ID)
	require.True(t, ok)

	b.ClearHistory()
	_, ok = b.GetMessage(qm.Message.ID)
	assert.False(t, ok)
}

// TestDeliveryAccounting is testable property 5: total_sent =
// total_delivered + total_failed + queued/processing.
func TestDeliveryAccounting(t *testing.T) {
	b, reg, _ := newTestBus(t, Config{MaxRetries: 0})
	_, err := reg.Register("technical-1", entities.AgentTechnical)
	require.NoError(t, err)

	_, err = b.Send(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest, nil, entities.PriorityNormal)
	require.NoError(t, err)
	_, err = b.Send(entities.AgentCoordinator, []entities.AgentType{entities.AgentBudget}, entities.MessageEvaluationRequest, nil, entities.PriorityNormal)
	require.NoError(t, err)

	b.processBatch()

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.TotalSent)
	assert.Equal(t, stats.TotalSent, stats.TotalDelivered+stats.TotalFailed+int64(stats.QueueSize))
}
