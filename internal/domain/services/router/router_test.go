package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
)

// fakeLister is a minimal in-test AgentLister, avoiding a real registry
// dependency so the router's own message-dispatch logic is isolated.
type fakeLister struct {
	byType      map[entities.AgentType][]*entities.AgentInfo
	byStatus    map[entities.AgentStatus][]*entities.AgentInfo
	activityLog []string
}

func newFakeLister() *fakeLister {
	return &fakeLister{
		byType:   make(map[entities.AgentType][]*entities.AgentInfo),
		byStatus: make(map[entities.AgentStatus][]*entities.AgentInfo),
	}
}

func (f *fakeLister) add(id string, typ entities.AgentType, status entities.AgentStatus) {
	info := &entities.AgentInfo{ID: id, Type: typ, Status: status}
	f.byType[typ] = append(f.byType[typ], info)
	f.byStatus[status] = append(f.byStatus[status], info)
}

func (f *fakeLister) GetByType(t entities.AgentType) []*entities.AgentInfo   { return f.byType[t] }
func (f *fakeLister) GetByStatus(s entities.AgentStatus) []*entities.AgentInfo { return f.byStatus[s] }
func (f *fakeLister) UpdateActivity(id string)                              { f.activityLog = append(f.activityLog, id) }

func TestRouteStampsIDAndTimestamp(t *testing.T) {
	lister := newFakeLister()
	lister.add("technical-1", entities.AgentTechnical, entities.AgentStatusActive)
	r := New(lister, logging.NewNop(), 0)

	msg := r.Route(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest, "payload")

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, entities.AgentCoordinator, msg.From)
}

func TestRouteDispatchesToSubscriber(t *testing.T) {
	lister := newFakeLister()
	lister.add("technical-1", entities.AgentTechnical, entities.AgentStatusActive)
	r := New(lister, logging.NewNop(), 0)

	ch := r.Subscribe("technical-1")
	r.Route(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest, nil)

	select {
	case msg := <-ch:
		assert.Equal(t, entities.MessageEvaluationRequest, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive routed message")
	}
	assert.Contains(t, lister.activityLog, "technical-1")
}

func TestRouteBroadcastReachesEveryActiveAgent(t *testing.T) {
	lister := newFakeLister()
	lister.add("technical-1", entities.AgentTechnical, entities.AgentStatusActive)
	lister.add("impact-1", entities.AgentImpact, entities.AgentStatusActive)
	lister.add("budget-1", entities.AgentBudget, entities.AgentStatusInactive)
	r := New(lister, logging.NewNop(), 0)

	chTech := r.Subscribe("technical-1")
	chImpact := r.Subscribe("impact-1")
	chBudget := r.Subscribe("budget-1")

	r.Route(entities.AgentIntake, nil, entities.MessageNewGrant, nil)

	for _, ch := range []<-chan entities.Message{chTech, chImpact} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("active agent did not receive broadcast")
		}
	}
	select {
	case <-chBudget:
		t.Fatal("inactive agent must not receive broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryRespectsCapAndFilters(t *testing.T) {
	lister := newFakeLister()
	r := New(lister, logging.NewNop(), 2)

	r.Route(entities.AgentCoordinator, nil, entities.MessageSystemStatus, 1)
	r.Route(entities.AgentCoordinator, nil, entities.MessageSystemStatus, 2)
	r.Route(entities.AgentIntake, nil, entities.MessageNewGrant, 3)

	all := r.History(HistoryFilter{})
	require.Len(t, all, 2, "history must prune to the configured cap")

	filtered := r.History(HistoryFilter{From: entities.AgentIntake})
	require.Len(t, filtered, 1)
	assert.Equal(t, entities.MessageNewGrant, filtered[0].Type)
}

func TestHistoryLimitReturnsNewest(t *testing.T) {
	lister := newFakeLister()
	r := New(lister, logging.NewNop(), 0)

	for i := 0; i < 5; i++ {
		r.Route(entities.AgentCoordinator, nil, entities.MessageSystemStatus, i)
	}

	limited := r.History(HistoryFilter{Limit: 2})
	require.Len(t, limited, 2)
}

func TestClearEmptiesHistoryButKeepsSubscribers(t *testing.T) {
	lister := newFakeLister()
	lister.add("technical-1", entities.AgentTechnical, entities.AgentStatusActive)
	r := New(lister, logging.NewNop(), 0)
	ch := r.Subscribe("technical-1")

	r.Route(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest, nil)
	<-ch

	r.Clear()
	assert.Empty(t, r.History(HistoryFilter{}))

	r.Route(entities.AgentCoordinator, []entities.AgentType{entities.AgentTechnical}, entities.MessageEvaluationRequest, nil)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscription should survive Clear")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	lister := newFakeLister()
	r := New(lister, logging.NewNop(), 0)
	ch := r.Subscribe("technical-1")

	r.Unsubscribe("technical-1")

	_, ok := <-ch
	assert.False(t, ok)
}
