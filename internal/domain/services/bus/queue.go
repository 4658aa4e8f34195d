package bus

import (
	"container/heap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
)

// priorityQueue orders *entities.QueuedMessage by priority descending, then
// by CreatedAt ascending, matching spec §4.3's (priority desc, created_at asc)
// ordering. Generalized from the priority-bucket idea in the
// mojosolo-mobot2025 catalog file's MessageQueue into a single heap.
type priorityQueue []*entities.QueuedMessage

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(*entities.QueuedMessage))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)
