// Package bus implements the Message Bus: a priority-ordered processing
// queue sitting in front of the Router, responsible for recipient
// resolution, retry-on-unavailability, capability-based agent discovery and
// delivery statistics.
//
// Grounded on the priority-bucket idea in the mojosolo-mobot2025 catalog
// file's MessageQueue (generalized here into a single container/heap,
// ordered per spec §4.3) and on pkg/messaging/kafka.go's retry-with-attempts
// loop for the per-message retry_count/max_retries semantics.
package bus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/events"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/registry"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/router"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
	"github.com/DimaJoyti/grantflow-orchestrator/pkg/apperror"
)

// capabilities is the fixed capability table FindByCapability searches.
var capabilities = map[entities.AgentType][]string{
	entities.AgentIntake:       {"triage", "normalization"},
	entities.AgentTechnical:    {"code_review", "architecture_review", "security_review"},
	entities.AgentImpact:       {"impact_assessment", "community_reach"},
	entities.AgentDueDiligence: {"background_check", "compliance"},
	entities.AgentBudget:       {"budget_review", "cost_modeling"},
	entities.AgentCommunity:    {"sentiment_analysis", "governance_fit"},
	entities.AgentCoordinator:  {"orchestration"},
	entities.AgentExecutor:     {"milestone_execution", "fund_release"},
}

const defaultMaxQueueSize = 10000

// Config tunes the Bus's processing/discovery loops.
type Config struct {
	ProcessingInterval time.Duration
	BatchSize          int
	MaxRetries         int
	DiscoveryInterval  time.Duration
	MaxQueueSize       int
}

// AuditSink receives a best-effort durable record of every message the bus
// accepts onto its queue, independent of whether delivery later succeeds.
// A nil sink is valid; the bus then has no audit trail beyond the Emitter.
type AuditSink interface {
	RecordQueuedMessage(ctx context.Context, qm *entities.QueuedMessage)
}

// Stats is a point-in-time snapshot of delivery statistics.
type Stats struct {
	TotalSent       int64
	TotalDelivered  int64
	TotalFailed     int64
	TotalRetried    int64
	QueueSize       int
	AvgDeliveryTime time.Duration
	ByPriority      map[entities.Priority]int64
}

// Bus is the priority queue + delivery engine sitting atop a Router and Registry.
type Bus struct {
	mu      sync.Mutex
	queue   priorityQueue
	tracked map[string]*entities.QueuedMessage // id -> message, including delivered/failed, pruned by ClearHistory

	registry *registry.Registry
	router   *router.Router
	logger   *logging.Logger
	emitter  *events.Emitter
	metrics  *metrics
	sink     AuditSink

	cfg Config

	sentCount      int64
	deliveredCount int64
	failedCount    int64
	retriedCount   int64
	byPriority     map[entities.Priority]int64
	deliveryNanos  int64

	discoveryMu   sync.RWMutex
	discoverySnap map[entities.AgentType][]*entities.AgentInfo

	eventSubsMu sync.Mutex
	eventSubs   map[string][]func()

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu2     sync.Mutex // guards start/stop idempotency
	running bool
}

// New constructs a Bus. Pass a nil prometheus.Registerer to build metrics
// without registering them anywhere (useful for tests), and a nil sink to
// run with no durable audit trail.
func New(reg *registry.Registry, rtr *router.Router, logger *logging.Logger, emitter *events.Emitter, promReg prometheus.Registerer, sink AuditSink, cfg Config) *Bus {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = 100 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Second
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}

	return &Bus{
		tracked:       make(map[string]*entities.QueuedMessage),
		registry:      reg,
		router:        rtr,
		logger:        logger.Named("bus"),
		emitter:       emitter,
		metrics:       newMetrics(promReg),
		sink:          sink,
		cfg:           cfg,
		byPriority:    make(map[entities.Priority]int64),
		discoverySnap: make(map[entities.AgentType][]*entities.AgentInfo),
		eventSubs:     make(map[string][]func()),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the processing and discovery loops. Calling Start twice is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu2.Lock()
	defer b.mu2.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.stopCh = make(chan struct{})

	b.refreshDiscovery()

	b.wg.Add(2)
	go b.processingLoop(ctx)
	go b.discoveryLoop(ctx)
	b.logger.Info("bus started",
		zap.Duration("processing_interval", b.cfg.ProcessingInterval),
		zap.Duration("discovery_interval", b.cfg.DiscoveryInterval))
	return nil
}

// Stop halts the background loops and waits for them to exit.
func (b *Bus) Stop() error {
	b.mu2.Lock()
	defer b.mu2.Unlock()
	if !b.running {
		return nil
	}
	close(b.stopCh)
	b.wg.Wait()
	b.running = false
	b.logger.Info("bus stopped")
	return nil
}

// Send enqueues a message addressed to a specific set of agent types.
func (b *Bus) Send(from entities.AgentType, to []entities.AgentType, msgType entities.MessageType, data any, priority entities.Priority) (*entities.QueuedMessage, error) {
	return b.enqueue(from, to, msgType, data, priority)
}

// Broadcast enqueues a message addressed to every currently active agent.
func (b *Bus) Broadcast(from entities.AgentType, msgType entities.MessageType, data any, priority entities.Priority) (*entities.QueuedMessage, error) {
	return b.enqueue(from, nil, msgType, data, priority)
}

// RequestEvaluation fans out one evaluation_request message per required
// evaluator type, matching spec §4.4's parallel fan-out.
func (b *Bus) RequestEvaluation(grantID int64, payload entities.EvaluationRequestPayload, evaluators []entities.AgentType) ([]*entities.QueuedMessage, error) {
	out := make([]*entities.QueuedMessage, 0, len(evaluators))
	for _, evaluator := range evaluators {
		qm, err := b.Send(entities.AgentCoordinator, []entities.AgentType{evaluator}, entities.MessageEvaluationRequest, payload, entities.PriorityHigh)
		if err != nil {
			return out, err
		}
		out = append(out, qm)
	}
	return out, nil
}

func (b *Bus) enqueue(from entities.AgentType, to []entities.AgentType, msgType entities.MessageType, data any, priority entities.Priority) (*entities.QueuedMessage, error) {
	b.mu.Lock()

	if len(b.queue) >= b.cfg.MaxQueueSize {
		size := len(b.queue)
		b.mu.Unlock()
		b.emitter.Emit(events.MessageDropped, map[string]any{"type": msgType, "from": from, "to": to, "queue_size": size})
		return nil, apperror.QueueFull(size)
	}

	qm := &entities.QueuedMessage{
		Message: entities.Message{
			From:      from,
			To:        to,
			Type:      msgType,
			Data:      data,
			Timestamp: time.Now(),
		},
		Priority:   priority,
		MaxRetries: b.cfg.MaxRetries,
		CreatedAt:  time.Now(),
	}
	heap.Push(&b.queue, qm)
	b.sentCount++
	b.byPriority[priority]++
	b.metrics.sent.Inc()
	b.metrics.queueSize.Set(float64(len(b.queue)))
	b.mu.Unlock()

	b.emitter.Emit(events.MessageQueued, qm.Message)
	if b.sink != nil {
		go b.sink.RecordQueuedMessage(context.Background(), qm)
	}
	return qm, nil
}

// processingLoop pops up to BatchSize messages per tick and resolves delivery.
func (b *Bus) processingLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.processBatch()
		}
	}
}

func (b *Bus) processBatch() {
	batch := b.drainBatch()
	for _, qm := range batch {
		b.process(qm)
	}
}

func (b *Bus) drainBatch() []*entities.QueuedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.cfg.BatchSize
	if n > len(b.queue) {
		n = len(b.queue)
	}
	out := make([]*entities.QueuedMessage, 0, n)
	for i := 0; i < n; i++ {
		qm := heap.Pop(&b.queue).(*entities.QueuedMessage)
		out = append(out, qm)
	}
	b.metrics.queueSize.Set(float64(len(b.queue)))
	return out
}

func (b *Bus) process(qm *entities.QueuedMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic processing message", zap.Any("recover", r), zap.String("type", string(qm.Message.Type)))
			b.emitter.Emit(events.MessageError, map[string]any{"type": qm.Message.Type, "error": r})
		}
	}()

	now := time.Now()
	qm.ProcessingStartedAt = &now

	hasRecipients, unavailable := b.partitionRecipients(qm.Message.To)
	if len(unavailable) > 0 || !hasRecipients {
		b.retryOrFail(qm)
		return
	}

	delivered := b.router.Route(qm.Message.From, qm.Message.To, qm.Message.Type, qm.Message.Data)
	qm.Message = delivered
	deliveredAt := time.Now()
	qm.DeliveredAt = &deliveredAt

	b.mu.Lock()
	b.deliveredCount++
	b.tracked[delivered.ID] = qm
	elapsed := deliveredAt.Sub(qm.CreatedAt)
	b.deliveryNanos += elapsed.Nanoseconds()
	b.mu.Unlock()

	b.metrics.delivered.Inc()
	b.metrics.deliveryMS.Observe(float64(elapsed.Milliseconds()))
	b.emitter.Emit(events.MessageDelivered, delivered)
}

// retryOrFail handles one unavailable-recipient outcome. qm.RetryCount never
// exceeds qm.MaxRetries (spec §8 invariant 4): once MaxRetries retries have
// already been emitted, the next attempt fails the message without bumping
// RetryCount any further.
func (b *Bus) retryOrFail(qm *entities.QueuedMessage) {
	if qm.RetryCount >= qm.MaxRetries {
		qm.Error = "recipients unavailable after max retries"
		b.mu.Lock()
		b.failedCount++
		b.tracked[b.provisionalID(qm)] = qm
		b.mu.Unlock()
		b.metrics.failed.Inc()
		b.emitter.Emit(events.MessageFailed, qm.Message)
		b.logger.Warn("message delivery failed permanently",
			zap.String("type", string(qm.Message.Type)), zap.Int("retry_count", qm.RetryCount))
		return
	}

	qm.RetryCount++
	b.mu.Lock()
	heap.Push(&b.queue, qm)
	b.retriedCount++
	b.mu.Unlock()
	b.metrics.retried.Inc()
	b.emitter.Emit(events.MessageRetry, map[string]any{"type": qm.Message.Type, "retry_count": qm.RetryCount, "max_retries": qm.MaxRetries})
}

// provisionalID gives an unrouted (never-delivered) message a stable key for
// the tracked map, since Route is what normally assigns Message.ID.
func (b *Bus) provisionalID(qm *entities.QueuedMessage) string {
	if qm.Message.ID != "" {
		return qm.Message.ID
	}
	return qm.CreatedAt.Format(time.RFC3339Nano)
}

// partitionRecipients reports whether a message has at least one resolvable
// recipient and lists the To types with zero active agents. Nil/empty To
// (broadcast) resolves against every currently active agent regardless of type.
func (b *Bus) partitionRecipients(to []entities.AgentType) (hasRecipients bool, unavailable []entities.AgentType) {
	if len(to) == 0 {
		return len(b.registry.GetByStatus(entities.AgentStatusActive)) > 0, nil
	}
	for _, t := range to {
		hasActive := false
		for _, a := range b.registry.GetByType(t) {
			if a.Status == entities.AgentStatusActive {
				hasActive = true
				break
			}
		}
		if !hasActive {
			unavailable = append(unavailable, t)
		}
	}
	return len(unavailable) == 0, unavailable
}

// discoveryLoop refreshes the capability discovery snapshot on a timer.
func (b *Bus) discoveryLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.refreshDiscovery()
		}
	}
}

func (b *Bus) refreshDiscovery() {
	snap := make(map[entities.AgentType][]*entities.AgentInfo, len(capabilities))
	for typ := range capabilities {
		snap[typ] = b.registry.GetByType(typ)
	}
	b.discoveryMu.Lock()
	b.discoverySnap = snap
	b.discoveryMu.Unlock()
}

// DiscoverAgents returns the most recent capability discovery snapshot.
func (b *Bus) DiscoverAgents() map[entities.AgentType][]*entities.AgentInfo {
	b.discoveryMu.RLock()
	defer b.discoveryMu.RUnlock()
	out := make(map[entities.AgentType][]*entities.AgentInfo, len(b.discoverySnap))
	for k, v := range b.discoverySnap {
		out[k] = v
	}
	return out
}

// FindByCapability returns every AgentType whose static capability table
// includes the given capability.
func FindByCapability(capability string) []entities.AgentType {
	var out []entities.AgentType
	for typ, caps := range capabilities {
		for _, c := range caps {
			if c == capability {
				out = append(out, typ)
				break
			}
		}
	}
	return out
}

// GetMessage looks up a tracked (delivered or permanently failed) message by id.
func (b *Bus) GetMessage(id string) (*entities.QueuedMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qm, ok := b.tracked[id]
	return qm, ok
}

// GetMessagesForGrant returns every tracked message whose payload references
// the given grant id.
func (b *Bus) GetMessagesForGrant(grantID int64) []*entities.QueuedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entities.QueuedMessage
	for _, qm := range b.tracked {
		if id, ok := grantIDOf(qm.Message.Data); ok && id == grantID {
			out = append(out, qm)
		}
	}
	return out
}

func grantIDOf(data any) (int64, bool) {
	switch p := data.(type) {
	case entities.NewGrantPayload:
		return p.GrantID, true
	case entities.EvaluationRequestPayload:
		return p.GrantID, true
	case entities.EvaluationCompletePayload:
		return p.GrantID, true
	case entities.VoteCastPayload:
		return p.GrantID, true
	case entities.ApprovalDecisionPayload:
		return p.GrantID, true
	case entities.MilestoneCreatedPayload:
		return p.GrantID, true
	default:
		return 0, false
	}
}

// ClearHistory drops every tracked delivered/failed message.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracked = make(map[string]*entities.QueuedMessage)
}

// SubscribeDelivered returns a channel of every message of msgType the bus
// delivers from now on, used by the workflow engine to intake vote_cast
// messages without becoming a registered agent itself.
func (b *Bus) SubscribeDelivered(msgType entities.MessageType) (<-chan entities.Message, func()) {
	ch, cancel := b.emitter.Subscribe(events.MessageDelivered)
	out := make(chan entities.Message, 32)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				msg, ok := evt.Data.(entities.Message)
				if !ok || msg.Type != msgType {
					continue
				}
				select {
				case out <- msg:
				default:
				}
			}
		}
	}()

	return out, func() {
		close(stop)
		cancel()
	}
}

// SubscribeToEvent lets a registered agent subscribe to every delivered
// message of a given MessageType, identified by the agentID under which its
// subscription can later be torn down with UnsubscribeEvents. The handler
// runs on its own goroutine per subscription and stops when UnsubscribeEvents
// is called for that agentID.
func (b *Bus) SubscribeToEvent(agentID string, msgType entities.MessageType, handler func(entities.Message)) {
	ch, cancel := b.SubscribeDelivered(msgType)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			handler(msg)
		}
	}()

	stop := func() {
		cancel()
		<-done
	}

	b.eventSubsMu.Lock()
	b.eventSubs[agentID] = append(b.eventSubs[agentID], stop)
	b.eventSubsMu.Unlock()
}

// UnsubscribeEvents tears down every SubscribeToEvent registration made under
// the given agentID.
func (b *Bus) UnsubscribeEvents(agentID string) {
	b.eventSubsMu.Lock()
	stops := b.eventSubs[agentID]
	delete(b.eventSubs, agentID)
	b.eventSubsMu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Stats returns a snapshot of delivery statistics.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var avg time.Duration
	if b.deliveredCount > 0 {
		avg = time.Duration(b.deliveryNanos / b.deliveredCount)
	}
	byPriority := make(map[entities.Priority]int64, len(b.byPriority))
	for k, v := range b.byPriority {
		byPriority[k] = v
	}
	return Stats{
		TotalSent:       b.sentCount,
		TotalDelivered:  b.deliveredCount,
		TotalFailed:     b.failedCount,
		TotalRetried:    b.retriedCount,
		QueueSize:       len(b.queue),
		AvgDeliveryTime: avg,
		ByPriority:      byPriority,
	}
}
