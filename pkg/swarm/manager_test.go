package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/delegation"
	"github.com/wardenhq/warden/pkg/models"
)

// memSwarmStore is an in-memory Store for manager tests.
type memSwarmStore struct {
	mu      sync.Mutex
	runs    map[string]models.SwarmRun
	members map[string][]models.SwarmMember // run_id → members
}

func newMemSwarmStore() *memSwarmStore {
	return &memSwarmStore{
		runs:    make(map[string]models.SwarmRun),
		members: make(map[string][]models.SwarmMember),
	}
}

func (s *memSwarmStore) InsertRun(_ context.Context, run *models.SwarmRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *memSwarmStore) UpdateRun(_ context.Context, run *models.SwarmRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memSwarmStore) GetRun(_ context.Context, id string) (*models.SwarmRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	members := append([]models.SwarmMember(nil), s.members[id]...)
	sortMembers(members)
	run.Members = members
	return &run, nil
}

func (s *memSwarmStore) ListRuns(_ context.Context, _, _ int) ([]models.SwarmRun, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SwarmRun
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out, len(out), nil
}

func (s *memSwarmStore) InsertMember(_ context.Context, m *models.SwarmMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.RunID] = append(s.members[m.RunID], *m)
	return nil
}

func (s *memSwarmStore) UpdateMember(_ context.Context, m *models.SwarmMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.members[m.RunID] {
		if existing.ID == m.ID {
			s.members[m.RunID][i] = *m
			return nil
		}
	}
	return fmt.Errorf("swarm member %s not found", m.ID)
}

func (s *memSwarmStore) MembersByRun(_ context.Context, runID string) ([]models.SwarmMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := append([]models.SwarmMember(nil), s.members[runID]...)
	sortMembers(members)
	return members, nil
}

func sortMembers(members []models.SwarmMember) {
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j].SeqOrder < members[j-1].SeqOrder; j-- {
			members[j], members[j-1] = members[j-1], members[j]
		}
	}
}

// memRegistry resolves templates from a map.
type memRegistry map[string]*models.SwarmTemplate

func (r memRegistry) GetTemplate(id string) (*models.SwarmTemplate, bool) {
	t, ok := r[id]
	return t, ok
}

func (r memRegistry) Templates() []models.SwarmTemplate {
	var out []models.SwarmTemplate
	for _, t := range r {
		out = append(out, *t)
	}
	return out
}

// fakeRunner executes delegations in memory with scripted behaviour.
type fakeRunner struct {
	mu       sync.Mutex
	requests []delegation.Request
	rows     map[string]*models.Delegation
	// respond decides the outcome per profile; nil means succeed with a
	// deterministic result.
	respond func(req delegation.Request) (string, error)
	// blockCtx makes the runner wait on ctx, for cancellation tests.
	blockCtx bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{rows: make(map[string]*models.Delegation)}
}

func (f *fakeRunner) Delegate(ctx context.Context, req delegation.Request) (*models.Delegation, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	result := fmt.Sprintf("%s output", req.ProfileName)
	if f.respond != nil {
		var err error
		result, err = f.respond(req)
		if err != nil {
			return nil, err
		}
	}

	d := &models.Delegation{
		ID:               models.NewID(),
		ProfileName:      req.ProfileName,
		Task:             req.Task,
		Context:          req.Context,
		TokenBudget:      req.MaxTokenBudget,
		Status:           models.DelegationStatusCompleted,
		Result:           result,
		TokensPrompt:     100,
		TokensCompletion: 50,
		TokensUsed:       150,
	}
	f.mu.Lock()
	f.rows[d.ID] = d
	f.mu.Unlock()
	return d, nil
}

// Get lets the manager aggregate token totals from the fake rows.
func (f *fakeRunner) Get(_ context.Context, id string) (*models.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return nil, delegation.ErrNotFound
	}
	return d, nil
}

func (f *fakeRunner) requestFor(profile string) (delegation.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.ProfileName == profile {
			return req, true
		}
	}
	return delegation.Request{}, false
}

func newTestManager(t *testing.T, templates memRegistry, runner DelegationRunner, router ModelRouter) (*Manager, *memSwarmStore) {
	t.Helper()
	store := newMemSwarmStore()
	chain, err := audit.NewChain(audit.NewMemoryStore(), []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return NewManager(Config{DefaultTokenBudget: 300_000}, store, templates, runner, router, chain), store
}

func sequentialTemplate() memRegistry {
	return memRegistry{
		"research-chain": {
			ID:       "research-chain",
			Name:     "Research chain",
			Strategy: models.StrategySequential,
			Roles: []models.SwarmRole{
				{Role: "researcher", ProfileName: "researcher"},
				{Role: "coder", ProfileName: "coder"},
				{Role: "reviewer", ProfileName: "reviewer"},
			},
		},
	}
}

func TestSequentialSwarmThreadsContextAndReturnsLastResult(t *testing.T) {
	runner := newFakeRunner()
	mgr, _ := newTestManager(t, sequentialTemplate(), runner, nil)

	run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{
		TemplateID:  "research-chain",
		Task:        "Build a web scraper",
		TokenBudget: 500_000,
	})
	require.NoError(t, err)

	assert.Equal(t, models.SwarmStatusCompleted, run.Status)
	require.Len(t, run.Members, 3)
	for i, member := range run.Members {
		assert.Equal(t, i, member.SeqOrder)
		assert.Equal(t, models.DelegationStatusCompleted, member.Status)
	}

	// Budget division: floor(500000/3).
	req, ok := runner.requestFor("coder")
	require.True(t, ok)
	assert.Equal(t, 166_666, req.MaxTokenBudget)

	// The coder saw the researcher's output; the reviewer saw both.
	assert.Contains(t, req.Context, "[researcher] researcher output")
	reviewerReq, ok := runner.requestFor("reviewer")
	require.True(t, ok)
	assert.Contains(t, reviewerReq.Context, "[researcher] researcher output")
	assert.Contains(t, reviewerReq.Context, "[coder] coder output")

	// Run result is the last role's output.
	assert.Equal(t, "reviewer output", run.Result)

	// Token totals aggregate member delegations.
	assert.Equal(t, 450, run.Tokens.Total)
	assert.Equal(t, 300, run.Tokens.Prompt)
	assert.Equal(t, 150, run.Tokens.Completion)
}

func TestSequentialSwarmContinuesPastFailures(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(req delegation.Request) (string, error) {
		if req.ProfileName == "coder" {
			return "", fmt.Errorf("compile error")
		}
		return req.ProfileName + " output", nil
	}
	mgr, _ := newTestManager(t, sequentialTemplate(), runner, nil)

	run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{
		TemplateID: "research-chain",
		Task:       "build",
	})
	require.NoError(t, err)

	require.Len(t, run.Members, 3)
	assert.Equal(t, models.DelegationStatusFailed, run.Members[1].Status)
	assert.True(t, strings.HasPrefix(run.Members[1].Result, "Error: "), "got %q", run.Members[1].Result)

	// The reviewer still ran and saw the failure in its context.
	reviewerReq, ok := runner.requestFor("reviewer")
	require.True(t, ok)
	assert.Contains(t, reviewerReq.Context, "Error: compile error")

	// Last non-empty result wins.
	assert.Equal(t, models.SwarmStatusCompleted, run.Status)
	assert.Equal(t, "reviewer output", run.Result)
}

func parallelTemplate(coordinator string) memRegistry {
	return memRegistry{
		"panel": {
			ID:       "panel",
			Strategy: models.StrategyParallel,
			Roles: []models.SwarmRole{
				{Role: "a", ProfileName: "a"},
				{Role: "b", ProfileName: "b"},
				{Role: "c", ProfileName: "c"},
			},
			CoordinatorProfile: coordinator,
		},
	}
}

func TestParallelSwarmWithCoordinator(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(req delegation.Request) (string, error) {
		if req.ProfileName == "c" {
			return "", fmt.Errorf("c blew up")
		}
		if req.ProfileName == "synth" {
			return "synthesis: " + req.Context, nil
		}
		return req.ProfileName + " result", nil
	}
	mgr, _ := newTestManager(t, parallelTemplate("synth"), runner, nil)

	run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{
		TemplateID:  "panel",
		Task:        "investigate",
		TokenBudget: 400_000,
	})
	require.NoError(t, err)

	// Four members: a, b, c, coordinator at seq |roles|.
	require.Len(t, run.Members, 4)
	assert.Equal(t, 3, run.Members[3].SeqOrder)
	assert.Equal(t, "coordinator", run.Members[3].Role)

	// c's failure did not prevent a and b.
	assert.Equal(t, models.DelegationStatusCompleted, run.Members[0].Status)
	assert.Equal(t, models.DelegationStatusCompleted, run.Members[1].Status)
	assert.Equal(t, models.DelegationStatusFailed, run.Members[2].Status)

	// Budget divided by |roles| + coordinator.
	req, ok := runner.requestFor("a")
	require.True(t, ok)
	assert.Equal(t, 100_000, req.MaxTokenBudget)

	// The coordinator saw every member block, error string included.
	synthReq, ok := runner.requestFor("synth")
	require.True(t, ok)
	assert.Contains(t, synthReq.Context, "[a]\na result")
	assert.Contains(t, synthReq.Context, "[b]\nb result")
	assert.Contains(t, synthReq.Context, "[c]\nError: c blew up")

	// Run result is the coordinator output.
	assert.Equal(t, models.SwarmStatusCompleted, run.Status)
	assert.True(t, strings.HasPrefix(run.Result, "synthesis: "))
}

func TestParallelSwarmWithoutCoordinatorJoinsInSeqOrder(t *testing.T) {
	runner := newFakeRunner()
	mgr, _ := newTestManager(t, parallelTemplate(""), runner, nil)

	run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{
		TemplateID:  "panel",
		Task:        "investigate",
		TokenBudget: 300_000,
	})
	require.NoError(t, err)

	require.Len(t, run.Members, 3)
	// Budget divided by |roles| only.
	req, ok := runner.requestFor("a")
	require.True(t, ok)
	assert.Equal(t, 100_000, req.MaxTokenBudget)

	// Stable order by seq_order regardless of completion order.
	aIdx := strings.Index(run.Result, "[a]")
	bIdx := strings.Index(run.Result, "[b]")
	cIdx := strings.Index(run.Result, "[c]")
	require.True(t, aIdx >= 0 && bIdx >= 0 && cIdx >= 0)
	assert.Less(t, aIdx, bIdx)
	assert.Less(t, bIdx, cIdx)
}

func TestDynamicSwarmUsesCoordinatorWithFullBudget(t *testing.T) {
	templates := memRegistry{
		"dyn": {ID: "dyn", Strategy: models.StrategyDynamic, CoordinatorProfile: "planner"},
	}
	runner := newFakeRunner()
	mgr, _ := newTestManager(t, templates, runner, nil)

	run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{
		TemplateID:  "dyn",
		Task:        "plan the work",
		Context:     "original context",
		TokenBudget: 250_000,
	})
	require.NoError(t, err)

	require.Len(t, run.Members, 1)
	assert.Equal(t, 0, run.Members[0].SeqOrder)
	assert.Equal(t, "planner", run.Members[0].ProfileName)

	req, ok := runner.requestFor("planner")
	require.True(t, ok)
	assert.Equal(t, 250_000, req.MaxTokenBudget)
	assert.Equal(t, "original context", req.Context)
	assert.Equal(t, "planner output", run.Result)
}

func TestDynamicSwarmFallsBackToDefaultCoordinator(t *testing.T) {
	templates := memRegistry{
		"dyn": {ID: "dyn", Strategy: models.StrategyDynamic},
	}
	runner := newFakeRunner()
	mgr, _ := newTestManager(t, templates, runner, nil)

	run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{TemplateID: "dyn", Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, "researcher", run.Members[0].ProfileName)
}

func TestExecuteSwarmUnknownTemplate(t *testing.T) {
	mgr, _ := newTestManager(t, memRegistry{}, newFakeRunner(), nil)
	_, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{TemplateID: "ghost", Task: "x"})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestCancelSwarmRejectedForTerminalStates(t *testing.T) {
	runner := newFakeRunner()
	mgr, store := newTestManager(t, sequentialTemplate(), runner, nil)

	run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{TemplateID: "research-chain", Task: "x"})
	require.NoError(t, err)
	require.Equal(t, models.SwarmStatusCompleted, run.Status)

	_, err = mgr.CancelSwarm(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	// A pending run is cancellable.
	pending := &models.SwarmRun{ID: "pending-run", TemplateID: "research-chain",
		Status: models.SwarmStatusPending, CreatedAt: time.Now()}
	require.NoError(t, store.InsertRun(context.Background(), pending))
	cancelled, err := mgr.CancelSwarm(context.Background(), "pending-run")
	require.NoError(t, err)
	assert.Equal(t, models.SwarmStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
}

func TestCancelSwarmAbortsInFlightRun(t *testing.T) {
	runner := newFakeRunner()
	runner.blockCtx = true
	mgr, _ := newTestManager(t, sequentialTemplate(), runner, nil)

	type result struct {
		run *models.SwarmRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{
			TemplateID: "research-chain", Task: "x",
		})
		done <- result{run, err}
	}()

	// Wait for the run to register, then cancel it.
	var runID string
	require.Eventually(t, func() bool {
		mgr.mu.RLock()
		defer mgr.mu.RUnlock()
		for id := range mgr.activeRuns {
			runID = id
		}
		return runID != ""
	}, 2*time.Second, 10*time.Millisecond)

	_, err := mgr.CancelSwarm(context.Background(), runID)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, models.SwarmStatusCancelled, res.run.Status)
		// Completed members stay completed; the in-flight one is cancelled.
		for _, member := range res.run.Members {
			assert.NotEqual(t, models.DelegationStatusRunning, member.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("swarm did not unwind after cancellation")
	}
}

// stubRouter returns a fixed decision.
type stubRouter struct {
	decision RouteDecision
	calls    int
}

func (r *stubRouter) Route(_ context.Context, _ string, _ RouteConstraints) (RouteDecision, error) {
	r.calls++
	return r.decision, nil
}

func TestRouterOverrideAppliedOnlyWhenConfident(t *testing.T) {
	runner := newFakeRunner()
	router := &stubRouter{decision: RouteDecision{SelectedModel: "cheap-model", Confidence: 0.9}}
	mgr, _ := newTestManager(t, sequentialTemplate(), runner, router)

	_, err := mgr.ExecuteSwarm(context.Background(), ExecuteRequest{TemplateID: "research-chain", Task: "x"})
	require.NoError(t, err)
	req, ok := runner.requestFor("researcher")
	require.True(t, ok)
	assert.Equal(t, "cheap-model", req.ModelOverride)

	// Below the confidence floor the profile default wins.
	runner2 := newFakeRunner()
	router2 := &stubRouter{decision: RouteDecision{SelectedModel: "cheap-model", Confidence: 0.4}}
	mgr2, _ := newTestManager(t, sequentialTemplate(), runner2, router2)
	_, err = mgr2.ExecuteSwarm(context.Background(), ExecuteRequest{TemplateID: "research-chain", Task: "x"})
	require.NoError(t, err)
	req, ok = runner2.requestFor("researcher")
	require.True(t, ok)
	assert.Empty(t, req.ModelOverride)
}

func TestEstimateSwarmCostHasNoSideEffects(t *testing.T) {
	runner := newFakeRunner()
	router := &stubRouter{decision: RouteDecision{SelectedModel: "m", EstimatedCostUSD: 0.25, Confidence: 0.8}}
	mgr, store := newTestManager(t, sequentialTemplate(), runner, router)

	estimate, err := mgr.EstimateSwarmCost(context.Background(), "research-chain", "task", 300_000, "")
	require.NoError(t, err)
	assert.Len(t, estimate.Roles, 3)
	assert.InDelta(t, 0.75, estimate.TotalCostUSD, 1e-9)
	assert.Equal(t, 100_000, estimate.Roles[0].Budget)

	// No runs, members, or delegations were created.
	runs, total, err := store.ListRuns(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, runs)
	assert.Empty(t, runner.requests)
}

func TestEstimateSwarmCostWithoutRouter(t *testing.T) {
	mgr, _ := newTestManager(t, sequentialTemplate(), newFakeRunner(), nil)
	_, err := mgr.EstimateSwarmCost(context.Background(), "research-chain", "task", 0, "")
	assert.ErrorIs(t, err, ErrRouterUnavailable)
}
