// Package orchestrator is the composition root: it wires the Registry,
// Router, Bus, Store and Workflow Engine together and owns the two
// background loops (health, milestone) plus graceful startup/shutdown.
//
// Grounded on workflow_engine.go's Start/Stop lifecycle (goroutines for
// periodic loops, a stopChan, graceful drain) and cmd/order-service/main.go's
// composition-root wiring style.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/events"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/bus"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/registry"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/router"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/store"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/workflow"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
	"github.com/DimaJoyti/grantflow-orchestrator/pkg/apperror"
)

// Config collects every tunable knob of the composition root.
type Config struct {
	RouterHistoryCap int

	BusProcessingInterval time.Duration
	BusBatchSize          int
	BusMaxRetries         int
	BusDiscoveryInterval  int

	EvaluationTimeout   time.Duration
	RequiredEvaluators  []entities.AgentType
	ParallelEvaluations bool
	ApprovalThreshold   decimal.Decimal
	MajorityRequired    int

	HealthCheckInterval    time.Duration
	MilestoneCheckInterval time.Duration
	ShutdownGrace          time.Duration

	SubmissionBurst         int
	SubmissionRatePerSecond float64

	// MaxConsecutiveFailures is how many failed health probes trigger the
	// unregister+re-register recovery path.
	MaxConsecutiveFailures int
}

// HealthProber lets an operator wire an active health check beyond the
// registry's passive last-activity tracking; nil means passive-only.
type HealthProber interface {
	Probe(ctx context.Context, agent *entities.AgentInfo) error
}

// Stats is the aggregate snapshot GetStats exposes, combining the Workflow
// Engine's outcome counters with live workflow and agent-health counts.
type Stats struct {
	GrantsProcessed       int64
	GrantsApproved        int64
	GrantsRejected        int64
	AverageEvaluationTime time.Duration
	ActiveWorkflows       int
	AgentsHealthy         int
	AgentsUnhealthy       int
}

// Orchestrator is the single composition root for the evaluation core.
type Orchestrator struct {
	Registry *registry.Registry
	Router   *router.Router
	Bus      *bus.Bus
	Store    *store.Store
	Workflow *workflow.Engine
	Emitter  *events.Emitter

	cfg     Config
	logger  *logging.Logger
	limiter *rate.Limiter
	prober  HealthProber

	healthMu       sync.Mutex
	failureStreaks map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup

	startMu   sync.Mutex
	started   bool
	startedAt time.Time
}

// New wires every domain service together. promReg, auditSink and
// decisionSink may all be nil: metrics are then built but never exposed, and
// the bus/workflow engine run with no durable audit trail beyond the Emitter.
func New(cfg Config, logger *logging.Logger, promReg prometheus.Registerer, bridge store.Bridge, prober HealthProber, auditSink bus.AuditSink, decisionSink workflow.DecisionSink) *Orchestrator {
	emitter := events.NewEmitter()
	reg := registry.New(logger, emitter)
	rtr := router.New(reg, logger, cfg.RouterHistoryCap)
	b := bus.New(reg, rtr, logger, emitter, promReg, auditSink, bus.Config{
		ProcessingInterval: cfg.BusProcessingInterval,
		BatchSize:          cfg.BusBatchSize,
		MaxRetries:         cfg.BusMaxRetries,
		DiscoveryInterval:  time.Duration(cfg.BusDiscoveryInterval) * time.Millisecond,
	})
	st := store.New(bridge, logger)
	wf := workflow.New(st, b, logger, emitter, workflow.Config{
		RequiredEvaluators:  cfg.RequiredEvaluators,
		EvaluationTimeout:   cfg.EvaluationTimeout,
		ParallelEvaluations: cfg.ParallelEvaluations,
		ApprovalThreshold:   cfg.ApprovalThreshold,
		MajorityRequired:    cfg.MajorityRequired,
	}, decisionSink, reg)

	burst := cfg.SubmissionBurst
	if burst <= 0 {
		burst = 20
	}
	ratePerSec := cfg.SubmissionRatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 5
	}

	return &Orchestrator{
		Registry:       reg,
		Router:         rtr,
		Bus:            b,
		Store:          st,
		Workflow:       wf,
		Emitter:        emitter,
		cfg:            cfg,
		logger:         logger.Named("orchestrator"),
		limiter:        rate.NewLimiter(rate.Limit(ratePerSec), burst),
		prober:         prober,
		failureStreaks: make(map[string]int),
		stopCh:         make(chan struct{}),
	}
}

// Start registers one instance of each agent role, boots the Bus and
// Workflow Engine, and launches the health/milestone loops. Idempotent: a
// second call is a no-op rather than re-registering agents and failing with
// DuplicateAgent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if o.started {
		return nil
	}

	o.startedAt = time.Now()

	for _, typ := range entities.AllAgentTypes {
		if _, err := o.Registry.Register(fmt.Sprintf("%s-1", typ), typ); err != nil {
			return fmt.Errorf("bootstrap agent %s: %w", typ, err)
		}
	}

	if err := o.Bus.Start(ctx); err != nil {
		return err
	}
	if err := o.Workflow.Start(ctx); err != nil {
		return err
	}

	o.stopCh = make(chan struct{})
	o.wg.Add(2)
	go o.healthLoop(ctx)
	go o.milestoneLoop(ctx)

	o.started = true
	o.Emitter.Emit(events.OrchestratorStarted, map[string]any{"started_at": o.startedAt, "agents": len(entities.AllAgentTypes)})
	o.logger.Info("orchestrator started")
	return nil
}

// Shutdown stops the background loops and the Bus/Workflow Engine within a
// bounded grace period (30s default).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace := o.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Warn("shutdown grace period elapsed before loops drained")
	}

	if err := o.Workflow.Stop(); err != nil {
		o.logger.Warn("workflow engine stop error", zap.Error(err))
	}
	if err := o.Bus.Stop(); err != nil {
		o.logger.Warn("bus stop error", zap.Error(err))
	}
	o.Emitter.Emit(events.OrchestratorShutdown, map[string]any{"uptime": time.Since(o.startedAt)})
	o.logger.Info("orchestrator shut down")
	return nil
}

// ProcessNewGrant admits a new grant submission, guarded by a token-bucket
// limiter that bounds submission bursts. id == 0 mints a fresh grant id; a
// non-zero id is honored as the caller-provided id, failing on collision.
func (o *Orchestrator) ProcessNewGrant(id int64, applicant, ipfsHash, projectName, description string, amount decimal.Decimal) (*entities.Grant, error) {
	if !o.limiter.Allow() {
		return nil, apperror.New(apperror.Capacity, "submission_rate_exceeded", "grant submission rate limit exceeded")
	}

	grant, err := o.Store.CreateGrant(id, applicant, ipfsHash, projectName, description, amount)
	if err != nil {
		return nil, err
	}

	if _, err := o.Bus.Broadcast(entities.AgentIntake, entities.MessageNewGrant,
		entities.NewGrantPayload{GrantID: grant.ID, Applicant: applicant, ProjectName: projectName, Amount: amount, IPFSHash: ipfsHash},
		entities.PriorityNormal); err != nil {
		o.logger.Warn("failed to broadcast new grant", zap.Error(err), zap.Int64("grant_id", grant.ID))
	}

	if _, err := o.Workflow.StartWorkflow(grant); err != nil {
		return grant, err
	}
	return grant, nil
}

// AbortWorkflow cancels an in-flight evaluation workflow.
func (o *Orchestrator) AbortWorkflow(grantID int64, reason string) error {
	return o.Workflow.AbortWorkflow(grantID, reason)
}

// GetWorkflowStatus returns one grant's live workflow status.
func (o *Orchestrator) GetWorkflowStatus(grantID int64) (*entities.WorkflowStatus, error) {
	return o.Workflow.GetStatus(grantID)
}

// GetActiveWorkflows returns every non-terminal workflow.
func (o *Orchestrator) GetActiveWorkflows() []*entities.WorkflowStatus {
	return o.Workflow.GetActive()
}

// GetAgentHealth returns a health snapshot for every registered agent,
// derived from passive activity tracking (and active probing, if a
// HealthProber was configured).
func (o *Orchestrator) GetAgentHealth() []entities.AgentHealth {
	agents := o.Registry.All()
	out := make([]entities.AgentHealth, 0, len(agents))
	now := time.Now()
	for _, a := range agents {
		status := entities.HealthHealthy
		if now.Sub(a.LastActivity) > o.cfg.HealthCheckInterval*3 {
			status = entities.HealthDegraded
		}
		o.healthMu.Lock()
		streak := o.failureStreaks[a.ID]
		o.healthMu.Unlock()
		if streak >= o.maxConsecutiveFailures() {
			status = entities.HealthUnhealthy
		}
		out = append(out, entities.AgentHealth{
			AgentID:             a.ID,
			Type:                a.Type,
			Status:              status,
			LastCheck:           now,
			ConsecutiveFailures: streak,
		})
	}
	return out
}

// GetSystemHealth aggregates individual agent health into one verdict.
func (o *Orchestrator) GetSystemHealth() entities.SystemHealth {
	health := o.GetAgentHealth()
	status := entities.HealthHealthy
	healthyCount := 0
	var issues []string
	for _, h := range health {
		if h.Status == entities.HealthHealthy {
			healthyCount++
			continue
		}
		issues = append(issues, fmt.Sprintf("%s (%s): %s", h.AgentID, h.Type, h.Status))
		if h.Status == entities.HealthUnhealthy {
			status = entities.HealthUnhealthy
		} else if status != entities.HealthUnhealthy {
			status = entities.HealthDegraded
		}
	}
	return entities.SystemHealth{
		Status:       status,
		CheckedAt:    time.Now(),
		AgentCount:   len(health),
		HealthyCount: healthyCount,
		Issues:       issues,
	}
}

// GetStats returns the aggregate snapshot: grants processed/approved/
// rejected, average evaluation time, active workflow count, and agent
// health counts.
func (o *Orchestrator) GetStats() Stats {
	wfStats := o.Workflow.Stats()
	health := o.GetAgentHealth()
	healthy := 0
	for _, h := range health {
		if h.Status == entities.HealthHealthy {
			healthy++
		}
	}
	return Stats{
		GrantsProcessed:       wfStats.GrantsProcessed,
		GrantsApproved:        wfStats.GrantsApproved,
		GrantsRejected:        wfStats.GrantsRejected,
		AverageEvaluationTime: wfStats.AverageEvaluationTime,
		ActiveWorkflows:       len(o.GetActiveWorkflows()),
		AgentsHealthy:         healthy,
		AgentsUnhealthy:       len(health) - healthy,
	}
}

// GetBusStats exposes the Message Bus's own delivery statistics, a narrower
// view than GetStats.
func (o *Orchestrator) GetBusStats() bus.Stats {
	return o.Bus.Stats()
}

func (o *Orchestrator) maxConsecutiveFailures() int {
	if o.cfg.MaxConsecutiveFailures <= 0 {
		return 3
	}
	return o.cfg.MaxConsecutiveFailures
}

// healthLoop runs passively by default (derived from registry activity
// timestamps); when a HealthProber is configured it also actively probes
// each agent and recovers it via unregister+re-register after three
// consecutive failures, bumping AgentInfo.Generation so observers can tell
// a recovered agent apart from the one it replaced.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.runHealthCheck(ctx)
		}
	}
}

func (o *Orchestrator) runHealthCheck(ctx context.Context) {
	if o.prober == nil {
		return
	}
	for _, agent := range o.Registry.All() {
		err := o.prober.Probe(ctx, agent)
		o.healthMu.Lock()
		if err != nil {
			o.failureStreaks[agent.ID]++
			streak := o.failureStreaks[agent.ID]
			o.healthMu.Unlock()

			o.Emitter.Emit(events.HealthDegraded, map[string]any{"agent_id": agent.ID, "type": agent.Type, "failures": streak})

			if streak >= o.maxConsecutiveFailures() {
				o.logger.Warn("agent unhealthy, recovering",
					zap.String("agent_id", agent.ID), zap.Int("failures", streak))
				if err := o.Registry.Unregister(agent.ID); err != nil {
					o.logger.Warn("failed to unregister unhealthy agent before recovery",
						zap.String("agent_id", agent.ID), zap.Error(err))
					o.Emitter.Emit(events.AgentRecoveryFailed, map[string]any{"agent_id": agent.ID, "type": agent.Type, "error": err.Error()})
					continue
				}
				recovered := o.Registry.Reregister(agent.ID, agent.Type)
				o.healthMu.Lock()
				o.failureStreaks[recovered.ID] = 0
				o.healthMu.Unlock()
			}
		} else {
			o.failureStreaks[agent.ID] = 0
			o.healthMu.Unlock()
		}
	}
}

// milestoneLoop scans approved grants and emits milestone-check events
// carrying a typed MilestoneCreatedPayload for the downstream executor to
// deserialize.
func (o *Orchestrator) milestoneLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.MilestoneCheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.scanMilestones()
		}
	}
}

func (o *Orchestrator) scanMilestones() {
	approved := o.Store.GetGrantsByStatus(entities.GrantApproved)
	for _, g := range approved {
		payload := entities.MilestoneCreatedPayload{
			GrantID:        g.ID,
			ApprovedAt:     g.UpdatedAt,
			AmountReleased: g.Amount,
		}
		o.Emitter.Emit(events.MilestoneCandidate, payload)
		if _, err := o.Bus.Send(entities.AgentCoordinator, []entities.AgentType{entities.AgentExecutor},
			entities.MessageMilestoneCreated, payload, entities.PriorityNormal); err != nil {
			o.logger.Warn("failed to send milestone message", zap.Error(err), zap.Int64("grant_id", g.ID))
		}
	}
}
