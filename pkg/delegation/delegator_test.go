package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/models"
)

// memStore is an in-memory Store for delegator tests.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]models.Delegation
	messages map[string][]models.DelegationMessage
}

func newMemStore() *memStore {
	return &memStore{
		rows:     make(map[string]models.Delegation),
		messages: make(map[string][]models.DelegationMessage),
	}
}

func (m *memStore) Insert(_ context.Context, d *models.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[d.ID] = *d
	return nil
}

func (m *memStore) Update(_ context.Context, d *models.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[d.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	m.rows[d.ID] = *d
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &d, nil
}

func (m *memStore) InsertMessages(_ context.Context, msgs []models.DelegationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.messages[msg.DelegationID] = append(m.messages[msg.DelegationID], msg)
	}
	return nil
}

func (m *memStore) Messages(_ context.Context, id string) ([]models.DelegationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id], nil
}

func (m *memStore) TreeTokensUsed(_ context.Context, rootID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	var walk func(id string)
	walk = func(id string) {
		d, ok := m.rows[id]
		if !ok {
			return
		}
		total += d.TokensUsed
		for childID, child := range m.rows {
			if child.ParentDelegationID == id {
				walk(childID)
			}
		}
	}
	walk(rootID)
	return total, nil
}

// fakeRegistry resolves profiles from a map.
type fakeRegistry map[string]*models.AgentProfile

func (f fakeRegistry) GetProfile(name string) (*models.AgentProfile, bool) {
	p, ok := f[name]
	return p, ok
}

// fakeLLM returns canned responses and records requests.
type fakeLLM struct {
	mu       sync.Mutex
	requests []CompletionRequest
	respond  func(req CompletionRequest) (*CompletionResponse, error)
}

func (f *fakeLLM) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return &CompletionResponse{Text: "answer", TokensPrompt: 10, TokensCompletion: 20}, nil
}

func testProfiles() fakeRegistry {
	return fakeRegistry{
		"researcher": {
			Name:           "researcher",
			SystemPrompt:   "You research things.",
			MaxTokenBudget: 1000,
			AllowedTools:   []string{"web_search"},
			DefaultModel:   "small-model",
			Kind:           models.ProfileKindLLM,
		},
	}
}

func TestDelegateHappyPath(t *testing.T) {
	store := newMemStore()
	llm := &fakeLLM{}
	d := New(Config{}, store, testProfiles(), llm)

	deleg, err := d.Delegate(context.Background(), Request{
		ProfileName: "researcher",
		Task:        "find the answer",
		Context:     "prior findings",
	})
	require.NoError(t, err)

	assert.Equal(t, models.DelegationStatusCompleted, deleg.Status)
	assert.Equal(t, "answer", deleg.Result)
	assert.Equal(t, 30, deleg.TokensUsed)
	assert.Equal(t, 0, deleg.Depth)
	require.NotNil(t, deleg.StartedAt)
	require.NotNil(t, deleg.CompletedAt)

	// The client saw the profile's prompt, tools, model, and budget.
	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	assert.Equal(t, "You research things.", req.System)
	assert.Equal(t, "find the answer", req.User)
	assert.Equal(t, []string{"web_search"}, req.Tools)
	assert.Equal(t, "small-model", req.Model)
	assert.Equal(t, 1000, req.MaxTokens)

	// Trace includes system, user, context, assistant.
	msgs, err := d.Messages(context.Background(), deleg.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[3].Role)
}

func TestDelegateUnknownProfile(t *testing.T) {
	d := New(Config{}, newMemStore(), testProfiles(), &fakeLLM{})
	_, err := d.Delegate(context.Background(), Request{ProfileName: "ghost", Task: "x"})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestDelegateBudgetIsMinOfRequestAndProfile(t *testing.T) {
	llm := &fakeLLM{}
	d := New(Config{}, newMemStore(), testProfiles(), llm)

	_, err := d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "x", MaxTokenBudget: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, llm.requests[0].MaxTokens)

	// A request above the profile ceiling is clamped down.
	_, err = d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "x", MaxTokenBudget: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, llm.requests[1].MaxTokens)
}

func TestDelegateDepthIncreasesAndIsBounded(t *testing.T) {
	store := newMemStore()
	llm := &fakeLLM{}
	d := New(Config{MaxDepth: 2}, store, testProfiles(), llm)

	root, err := d.Delegate(context.Background(), Request{ProfileName: "researcher", Task: "root"})
	require.NoError(t, err)

	child, err := d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "child", ParentDelegationID: root.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)

	grandchild, err := d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "grandchild", ParentDelegationID: child.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Depth)

	_, err = d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "too deep", ParentDelegationID: grandchild.ID,
	})
	var depthErr *MaxDepthError
	assert.ErrorAs(t, err, &depthErr)
}

func TestDelegateTreeBudgetAdmission(t *testing.T) {
	store := newMemStore()
	llm := &fakeLLM{respond: func(req CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Text: "big", TokensPrompt: 300, TokensCompletion: 200}, nil
	}}
	d := New(Config{}, store, testProfiles(), llm)

	root, err := d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "root", MaxTokenBudget: 600,
	})
	require.NoError(t, err)
	require.Equal(t, 500, root.TokensUsed)

	// First child fits under the root budget at admission.
	_, err = d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "child", ParentDelegationID: root.ID,
	})
	require.NoError(t, err)

	// The tree has now spent 1000 >= 600; further children are refused.
	_, err = d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "child2", ParentDelegationID: root.ID,
	})
	var budgetErr *BudgetExceededError
	assert.ErrorAs(t, err, &budgetErr)
}

func TestDelegateClientFailureRecordsFailedRow(t *testing.T) {
	store := newMemStore()
	llm := &fakeLLM{respond: func(req CompletionRequest) (*CompletionResponse, error) {
		return nil, errors.New("provider unavailable")
	}}
	d := New(Config{}, store, testProfiles(), llm)

	deleg, err := d.Delegate(context.Background(), Request{ProfileName: "researcher", Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.DelegationStatusFailed, deleg.Status)
	assert.Contains(t, deleg.Error, "provider unavailable")

	persisted, err := store.Get(context.Background(), deleg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationStatusFailed, persisted.Status)
}

func TestDelegateTimeout(t *testing.T) {
	llm := &fakeLLM{respond: func(req CompletionRequest) (*CompletionResponse, error) {
		time.Sleep(time.Second)
		return nil, context.DeadlineExceeded
	}}
	d := New(Config{}, newMemStore(), testProfiles(), llm)

	deleg, err := d.Delegate(context.Background(), Request{
		ProfileName: "researcher", Task: "slow", TimeoutMs: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DelegationStatusTimeout, deleg.Status)
}

func TestDelegateSuppressesDisallowedTools(t *testing.T) {
	store := newMemStore()
	llm := &fakeLLM{respond: func(req CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{
			Text:             "done",
			TokensPrompt:     5,
			TokensCompletion: 5,
			ToolInvocations: []ToolInvocation{
				{Name: "web_search", Arguments: `{"q":"x"}`, Result: `{"hits":1}`},
				{Name: "shell_exec", Arguments: `{"cmd":"rm -rf /"}`},
			},
		}, nil
	}}
	d := New(Config{}, store, testProfiles(), llm)

	deleg, err := d.Delegate(context.Background(), Request{ProfileName: "researcher", Task: "x"})
	require.NoError(t, err)

	msgs, err := d.Messages(context.Background(), deleg.ID)
	require.NoError(t, err)

	var toolMsgs []models.DelegationMessage
	for _, m := range msgs {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "web_search", toolMsgs[0].Content)
	assert.Contains(t, toolMsgs[1].Content, "suppressed")
	assert.Contains(t, toolMsgs[1].ToolCalls, `"suppressed":true`)
	assert.Empty(t, toolMsgs[1].ToolResult)
}

func TestDelegateTokenOverrunFailsCompletion(t *testing.T) {
	llm := &fakeLLM{respond: func(req CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Text: "verbose", TokensPrompt: 900, TokensCompletion: 900}, nil
	}}
	d := New(Config{}, newMemStore(), testProfiles(), llm)

	deleg, err := d.Delegate(context.Background(), Request{ProfileName: "researcher", Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.DelegationStatusFailed, deleg.Status)
	assert.Contains(t, deleg.Error, "token budget exceeded")
}
