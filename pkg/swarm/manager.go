package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/delegation"
	"github.com/wardenhq/warden/pkg/models"
)

// Manager executes swarm runs over the delegation layer.
type Manager struct {
	cfg      Config
	store    Store
	registry TemplateRegistry
	runner   DelegationRunner
	router   ModelRouter // nil = profile defaults always win
	chain    *audit.Chain
	logger   *slog.Logger

	// Run cancel registry: run_id → cancel function.
	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
}

// NewManager creates a swarm manager. router may be nil.
func NewManager(cfg Config, store Store, registry TemplateRegistry, runner DelegationRunner,
	router ModelRouter, chain *audit.Chain) *Manager {
	if cfg.DefaultTokenBudget <= 0 {
		cfg.DefaultTokenBudget = DefaultConfig().DefaultTokenBudget
	}
	if cfg.DefaultCoordinatorProfile == "" {
		cfg.DefaultCoordinatorProfile = DefaultConfig().DefaultCoordinatorProfile
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		runner:     runner,
		router:     router,
		chain:      chain,
		logger:     slog.Default().With("component", "swarm-manager"),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// memberOutcome pairs a member row with its original launch index for the
// parallel strategy's ordered join.
type memberOutcome struct {
	index  int
	member models.SwarmMember
}

// ExecuteSwarm runs a template to a terminal state and returns the run with
// its members. The run is cancellable through CancelSwarm while in flight.
func (m *Manager) ExecuteSwarm(ctx context.Context, req ExecuteRequest) (*models.SwarmRun, error) {
	template, ok := m.registry.GetTemplate(req.TemplateID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, req.TemplateID)
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = m.cfg.DefaultTokenBudget
	}

	run := &models.SwarmRun{
		ID:          models.NewID(),
		TemplateID:  template.ID,
		Task:        req.Task,
		Context:     req.Context,
		Strategy:    template.Strategy,
		Status:      models.SwarmStatusPending,
		TokenBudget: budget,
		InitiatedBy: req.InitiatedBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist swarm run: %w", err)
	}

	now := time.Now().UTC()
	run.Status = models.SwarmStatusRunning
	run.StartedAt = &now
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist running transition: %w", err)
	}

	m.chain.MustRecord(ctx, audit.Entry{
		Event:   models.AuditEventSwarmStarted,
		Message: fmt.Sprintf("swarm run %s started (%s, %s)", run.ID, template.ID, template.Strategy),
		UserID:  req.InitiatedBy,
		Metadata: map[string]any{
			"template_id":  template.ID,
			"strategy":     string(template.Strategy),
			"token_budget": budget,
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.activeRuns[run.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.activeRuns, run.ID)
		m.mu.Unlock()
	}()

	var result string
	var dispatchErr error
	switch template.Strategy {
	case models.StrategySequential:
		result, dispatchErr = m.runSequential(runCtx, run, template)
	case models.StrategyParallel:
		result, dispatchErr = m.runParallel(runCtx, run, template)
	case models.StrategyDynamic:
		result, dispatchErr = m.runDynamic(runCtx, run, template)
	default:
		dispatchErr = fmt.Errorf("unknown strategy %q", template.Strategy)
	}

	// Cancellation through CancelSwarm owns the terminal state; the
	// dispatcher's partial results stay as recorded.
	if runCtx.Err() != nil {
		fresh, err := m.store.GetRun(context.Background(), run.ID)
		if err == nil && fresh.Status == models.SwarmStatusCancelled {
			return fresh, nil
		}
	}

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Tokens = m.collectTokenTotals(context.Background(), run.ID)

	if dispatchErr != nil {
		run.Status = models.SwarmStatusFailed
		run.Error = dispatchErr.Error()
		m.chain.MustRecord(context.Background(), audit.Entry{
			Level:    models.AuditLevelError,
			Event:    models.AuditEventSwarmFailed,
			Message:  fmt.Sprintf("swarm run %s failed: %s", run.ID, dispatchErr),
			UserID:   req.InitiatedBy,
			Metadata: map[string]any{"template_id": template.ID},
		})
	} else {
		run.Status = models.SwarmStatusCompleted
		run.Result = result
		m.chain.MustRecord(context.Background(), audit.Entry{
			Event:   models.AuditEventSwarmCompleted,
			Message: fmt.Sprintf("swarm run %s completed", run.ID),
			UserID:  req.InitiatedBy,
			Metadata: map[string]any{
				"template_id":  template.ID,
				"tokens_total": run.Tokens.Total,
			},
		})
	}

	// Terminal writes use a background context — ctx may be cancelled.
	if err := m.store.UpdateRun(context.Background(), run); err != nil {
		m.logger.Error("Failed to persist swarm terminal state",
			"run_id", run.ID, "status", run.Status, "error", err)
	}

	return m.store.GetRun(context.Background(), run.ID)
}

// ────────────────────────────────────────────────────────────
// Sequential strategy
// ────────────────────────────────────────────────────────────

// runSequential executes roles in declared order. A role failure is recorded
// as "Error: <msg>" and the chain continues, so downstream roles observe the
// failure in their context. The run result is the last non-empty output.
func (m *Manager) runSequential(ctx context.Context, run *models.SwarmRun, template *models.SwarmTemplate) (string, error) {
	if len(template.Roles) == 0 {
		return "", fmt.Errorf("template %q has no roles", template.ID)
	}

	perBudget := run.TokenBudget / len(template.Roles)
	var completed []models.SwarmMember
	lastResult := ""

	for i, role := range template.Roles {
		if ctx.Err() != nil {
			return lastResult, ctx.Err()
		}

		member, err := m.startMember(ctx, run.ID, i, role)
		if err != nil {
			return lastResult, err
		}

		roleCtx := buildRoleContext(run.Context, completed)
		deleg := m.invokeRole(ctx, run, role, roleCtx, perBudget, "")
		m.finishMember(member, deleg)
		completed = append(completed, *member)

		if member.Result != "" {
			lastResult = member.Result
		}
	}

	return lastResult, nil
}

// ────────────────────────────────────────────────────────────
// Parallel strategy
// ────────────────────────────────────────────────────────────

// runParallel creates all member rows first, runs every role concurrently
// with isolated failures, then either synthesises through the coordinator or
// concatenates outputs in seq order.
func (m *Manager) runParallel(ctx context.Context, run *models.SwarmRun, template *models.SwarmTemplate) (string, error) {
	if len(template.Roles) == 0 {
		return "", fmt.Errorf("template %q has no roles", template.ID)
	}

	divisor := len(template.Roles)
	if template.CoordinatorProfile != "" {
		divisor++
	}
	perBudget := run.TokenBudget / divisor

	// Create all member rows before any delegation starts so the run's
	// shape is visible to observers immediately.
	members := make([]*models.SwarmMember, len(template.Roles))
	for i, role := range template.Roles {
		member, err := m.startMember(ctx, run.ID, i, role)
		if err != nil {
			return "", err
		}
		members[i] = member
	}

	results := make(chan memberOutcome, len(members))
	var wg sync.WaitGroup
	for i, role := range template.Roles {
		wg.Add(1)
		go func(idx int, role models.SwarmRole, member *models.SwarmMember) {
			defer wg.Done()
			deleg := m.invokeRole(ctx, run, role, run.Context, perBudget, "")
			m.finishMember(member, deleg)
			results <- memberOutcome{index: idx, member: *member}
		}(i, role, members[i])
	}
	wg.Wait()
	close(results)

	ordered := make([]models.SwarmMember, len(members))
	for outcome := range results {
		ordered[outcome.index] = outcome.member
	}

	if template.CoordinatorProfile == "" {
		return joinResults(ordered), nil
	}

	// Coordinator member sits at seq_order = |roles| and synthesises the
	// joined member outputs (error strings included).
	coordRole := models.SwarmRole{Role: "coordinator", ProfileName: template.CoordinatorProfile}
	coordMember, err := m.startMember(ctx, run.ID, len(template.Roles), coordRole)
	if err != nil {
		return "", err
	}
	synthContext := joinResults(ordered)
	deleg := m.invokeRole(ctx, run, coordRole, synthContext, perBudget, "")
	m.finishMember(coordMember, deleg)

	if coordMember.Status != models.DelegationStatusCompleted {
		return "", fmt.Errorf("coordinator failed: %s", coordMember.Result)
	}
	return coordMember.Result, nil
}

// ────────────────────────────────────────────────────────────
// Dynamic strategy
// ────────────────────────────────────────────────────────────

// runDynamic hands the whole budget and the original context to a single
// coordinator member at seq 0. The coordinator spawns further delegations
// internally; each inherits depth+1 through the delegation layer.
func (m *Manager) runDynamic(ctx context.Context, run *models.SwarmRun, template *models.SwarmTemplate) (string, error) {
	profile := template.CoordinatorProfile
	if profile == "" {
		profile = m.cfg.DefaultCoordinatorProfile
	}

	coordRole := models.SwarmRole{Role: "coordinator", ProfileName: profile}
	member, err := m.startMember(ctx, run.ID, 0, coordRole)
	if err != nil {
		return "", err
	}

	deleg := m.invokeRole(ctx, run, coordRole, run.Context, run.TokenBudget, "")
	m.finishMember(member, deleg)

	if member.Status != models.DelegationStatusCompleted {
		return "", fmt.Errorf("dynamic coordinator failed: %s", member.Result)
	}
	return member.Result, nil
}

// ────────────────────────────────────────────────────────────
// Member helpers
// ────────────────────────────────────────────────────────────

// startMember persists a running member row at the given seq order.
func (m *Manager) startMember(ctx context.Context, runID string, seq int, role models.SwarmRole) (*models.SwarmMember, error) {
	now := time.Now().UTC()
	member := &models.SwarmMember{
		ID:          models.NewID(),
		RunID:       runID,
		SeqOrder:    seq,
		Role:        role.Role,
		ProfileName: role.ProfileName,
		Status:      models.DelegationStatusRunning,
		StartedAt:   &now,
	}
	if err := m.store.InsertMember(ctx, member); err != nil {
		return nil, fmt.Errorf("persist member %d: %w", seq, err)
	}
	return member, nil
}

// invokeRole runs one delegation for a role, applying the cost router's
// model override when it is confident enough. Failures are folded into a
// synthetic failed delegation so callers have a single shape to record.
func (m *Manager) invokeRole(ctx context.Context, run *models.SwarmRun, role models.SwarmRole,
	roleContext string, budget int, modelOverride string) *models.Delegation {

	if modelOverride == "" && m.router != nil {
		decision, err := m.router.Route(ctx, run.Task, RouteConstraints{
			TokenBudget: budget,
			Context:     roleContext,
		})
		if err != nil {
			m.logger.Warn("Model router failed, using profile default",
				"run_id", run.ID, "role", role.Role, "error", err)
		} else if decision.Confidence >= routeConfidenceFloor {
			modelOverride = decision.SelectedModel
		}
	}

	deleg, err := m.runner.Delegate(ctx, delegation.Request{
		ProfileName:    role.ProfileName,
		Task:           run.Task,
		Context:        roleContext,
		MaxTokenBudget: budget,
		ModelOverride:  modelOverride,
	})
	if err != nil {
		status := models.DelegationStatusFailed
		if ctx.Err() != nil {
			status = models.DelegationStatusCancelled
		}
		return &models.Delegation{
			Status: status,
			Error:  err.Error(),
		}
	}
	return deleg
}

// finishMember copies a delegation outcome onto the member row and persists
// it. Failed delegations record "Error: <msg>" as the member result so the
// failure is visible in downstream contexts.
func (m *Manager) finishMember(member *models.SwarmMember, deleg *models.Delegation) {
	now := time.Now().UTC()
	member.CompletedAt = &now
	member.DelegationID = deleg.ID
	member.Status = deleg.Status

	if deleg.Status == models.DelegationStatusCompleted {
		member.Result = deleg.Result
	} else {
		msg := deleg.Error
		if msg == "" {
			msg = string(deleg.Status)
		}
		member.Result = "Error: " + msg
	}

	// Member rows are progress records; persistence failure must not abort
	// the run, so it is logged and execution continues.
	if err := m.store.UpdateMember(context.Background(), member); err != nil {
		m.logger.Error("Failed to persist member outcome",
			"member_id", member.ID, "run_id", member.RunID, "error", err)
	}
}

// collectTokenTotals aggregates token usage across the run's member
// delegations.
func (m *Manager) collectTokenTotals(ctx context.Context, runID string) models.TokenTotals {
	members, err := m.store.MembersByRun(ctx, runID)
	if err != nil {
		m.logger.Warn("Failed to load members for token aggregation", "run_id", runID, "error", err)
		return models.TokenTotals{}
	}

	var totals models.TokenTotals
	for _, member := range members {
		if member.DelegationID == "" {
			continue
		}
		deleg, err := m.delegationByID(ctx, member.DelegationID)
		if err != nil {
			continue
		}
		totals.Prompt += deleg.TokensPrompt
		totals.Completion += deleg.TokensCompletion
		totals.Total += deleg.TokensUsed
	}
	return totals
}

// delegationByID resolves a member's delegation through the runner when it
// also exposes lookup; swarm stores do not own delegation rows.
func (m *Manager) delegationByID(ctx context.Context, id string) (*models.Delegation, error) {
	type getter interface {
		Get(ctx context.Context, id string) (*models.Delegation, error)
	}
	g, ok := m.runner.(getter)
	if !ok {
		return nil, fmt.Errorf("delegation lookup not supported")
	}
	return g.Get(ctx, id)
}

// ────────────────────────────────────────────────────────────
// Run management
// ────────────────────────────────────────────────────────────

// GetRun returns a run with its members.
func (m *Manager) GetRun(ctx context.Context, id string) (*models.SwarmRun, error) {
	return m.store.GetRun(ctx, id)
}

// ListRuns returns persisted runs, newest first.
func (m *Manager) ListRuns(ctx context.Context, limit, offset int) ([]models.SwarmRun, int, error) {
	return m.store.ListRuns(ctx, limit, offset)
}

// Templates returns the registered templates.
func (m *Manager) Templates() []models.SwarmTemplate {
	return m.registry.Templates()
}

// CancelSwarm cancels a pending or running swarm. Cancelling a terminal run
// returns ErrNotCancellable. Running members are flipped to cancelled
// best-effort; their delegations' contexts fire through the run context.
func (m *Manager) CancelSwarm(ctx context.Context, runID string) (*models.SwarmRun, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.SwarmStatusPending && run.Status != models.SwarmStatusRunning {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, run.Status)
	}

	now := time.Now().UTC()
	run.Status = models.SwarmStatusCancelled
	run.CompletedAt = &now
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}

	for i := range run.Members {
		member := &run.Members[i]
		if member.Status == models.DelegationStatusRunning || member.Status == models.DelegationStatusPending {
			member.Status = models.DelegationStatusCancelled
			member.CompletedAt = &now
			if err := m.store.UpdateMember(ctx, member); err != nil {
				m.logger.Warn("Failed to flip member to cancelled",
					"member_id", member.ID, "error", err)
			}
		}
	}

	// Fire the run context so in-flight delegations observe the abort.
	m.mu.RLock()
	cancel, active := m.activeRuns[runID]
	m.mu.RUnlock()
	if active {
		cancel()
	}

	m.chain.MustRecord(ctx, audit.Entry{
		Event:    models.AuditEventSwarmCancelled,
		Message:  fmt.Sprintf("swarm run %s cancelled", runID),
		Metadata: map[string]any{"was_active": active},
	})

	return run, nil
}

// ────────────────────────────────────────────────────────────
// Cost estimation
// ────────────────────────────────────────────────────────────

// EstimateSwarmCost returns the pre-execution total and per-role routing
// decisions without side effects.
func (m *Manager) EstimateSwarmCost(ctx context.Context, templateID, task string, budget int, taskContext string) (*CostEstimate, error) {
	if m.router == nil {
		return nil, ErrRouterUnavailable
	}
	template, ok := m.registry.GetTemplate(templateID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}
	if budget <= 0 {
		budget = m.cfg.DefaultTokenBudget
	}

	roles := template.Roles
	if template.Strategy == models.StrategyDynamic {
		profile := template.CoordinatorProfile
		if profile == "" {
			profile = m.cfg.DefaultCoordinatorProfile
		}
		roles = []models.SwarmRole{{Role: "coordinator", ProfileName: profile}}
	}

	divisor := len(roles)
	if template.Strategy == models.StrategyParallel && template.CoordinatorProfile != "" {
		divisor++
		roles = append(append([]models.SwarmRole{}, roles...),
			models.SwarmRole{Role: "coordinator", ProfileName: template.CoordinatorProfile})
	}
	if template.Strategy == models.StrategyDynamic {
		divisor = 1
	}
	if divisor == 0 {
		return nil, fmt.Errorf("template %q has no roles", templateID)
	}
	perBudget := budget / divisor

	estimate := &CostEstimate{TemplateID: templateID}
	for _, role := range roles {
		decision, err := m.router.Route(ctx, task, RouteConstraints{
			TokenBudget: perBudget,
			Context:     taskContext,
		})
		if err != nil {
			return nil, fmt.Errorf("route role %q: %w", role.Role, err)
		}
		estimate.Roles = append(estimate.Roles, RoleEstimate{
			Role:        role.Role,
			ProfileName: role.ProfileName,
			Budget:      perBudget,
			Decision:    decision,
		})
		estimate.TotalCostUSD += decision.EstimatedCostUSD
	}
	return estimate, nil
}
