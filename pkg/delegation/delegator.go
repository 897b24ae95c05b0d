package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// Delegator executes delegations against registered agent profiles.
type Delegator struct {
	cfg      Config
	store    Store
	profiles ProfileRegistry
	client   LLMClient
	logger   *slog.Logger
}

// New creates a delegator.
func New(cfg Config, store Store, profiles ProfileRegistry, client LLMClient) *Delegator {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Delegator{
		cfg:      cfg,
		store:    store,
		profiles: profiles,
		client:   client,
		logger:   slog.Default().With("component", "delegator"),
	}
}

// Delegate performs one profile invocation. The returned delegation is in a
// terminal state; invocation failures are recorded on the row, while
// admission failures (unknown profile, depth, budget) return an error and
// persist nothing.
func (d *Delegator) Delegate(ctx context.Context, req Request) (*models.Delegation, error) {
	profile, ok := d.profiles.GetProfile(req.ProfileName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, req.ProfileName)
	}

	// Depth is parent.depth + 1, or 0 at the root. The tree stays acyclic
	// because depth strictly increases and maxDepth bounds it.
	depth := 0
	var parent *models.Delegation
	if req.ParentDelegationID != "" {
		var err error
		parent, err = d.store.Get(ctx, req.ParentDelegationID)
		if err != nil {
			return nil, fmt.Errorf("resolve parent delegation: %w", err)
		}
		depth = parent.Depth + 1
	}
	if depth > d.cfg.MaxDepth {
		return nil, &MaxDepthError{Depth: depth, MaxDepth: d.cfg.MaxDepth}
	}

	// Budget: min(caller-requested, profile ceiling).
	budget := profile.MaxTokenBudget
	if req.MaxTokenBudget > 0 && req.MaxTokenBudget < budget {
		budget = req.MaxTokenBudget
	}

	// Tree budget admission: the tree rooted at this delegation's root must
	// not already have spent the root's budget. Enforced here, not
	// preemptively during streaming.
	if parent != nil {
		root, err := d.resolveRoot(ctx, parent)
		if err != nil {
			return nil, err
		}
		used, err := d.store.TreeTokensUsed(ctx, root.ID)
		if err != nil {
			return nil, fmt.Errorf("sum tree token usage: %w", err)
		}
		if used >= root.TokenBudget {
			return nil, &BudgetExceededError{Used: used, Budget: root.TokenBudget}
		}
	}

	timeout := d.cfg.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	deleg := &models.Delegation{
		ID:                 models.NewID(),
		ProfileName:        profile.Name,
		ParentDelegationID: req.ParentDelegationID,
		Task:               req.Task,
		Context:            req.Context,
		Depth:              depth,
		MaxDepth:           d.cfg.MaxDepth,
		TokenBudget:        budget,
		TimeoutMs:          int(timeout.Milliseconds()),
		Status:             models.DelegationStatusPending,
	}
	if err := d.store.Insert(ctx, deleg); err != nil {
		return nil, fmt.Errorf("persist delegation: %w", err)
	}

	now := time.Now().UTC()
	deleg.Status = models.DelegationStatusRunning
	deleg.StartedAt = &now
	if err := d.store.Update(ctx, deleg); err != nil {
		return nil, fmt.Errorf("persist running transition: %w", err)
	}

	model := profile.DefaultModel
	if req.ModelOverride != "" {
		model = req.ModelOverride
	}

	llmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.client.Complete(llmCtx, CompletionRequest{
		System:    profile.SystemPrompt,
		User:      req.Task,
		Context:   req.Context,
		Tools:     profile.AllowedTools,
		Model:     model,
		MaxTokens: budget,
	})

	completed := time.Now().UTC()
	deleg.CompletedAt = &completed

	switch {
	case err != nil && errors.Is(llmCtx.Err(), context.DeadlineExceeded):
		deleg.Status = models.DelegationStatusTimeout
		deleg.Error = fmt.Sprintf("delegation timed out after %s", timeout)
	case err != nil && llmCtx.Err() != nil:
		deleg.Status = models.DelegationStatusCancelled
		deleg.Error = context.Canceled.Error()
	case err != nil:
		deleg.Status = models.DelegationStatusFailed
		deleg.Error = err.Error()
	default:
		deleg.TokensPrompt = resp.TokensPrompt
		deleg.TokensCompletion = resp.TokensCompletion
		deleg.TokensUsed = resp.TokensPrompt + resp.TokensCompletion
		if deleg.TokensUsed > budget {
			// A successful completion must respect its budget; the client
			// was asked for at most `budget` tokens.
			deleg.Status = models.DelegationStatusFailed
			deleg.Error = fmt.Sprintf("token budget exceeded: used %d of %d", deleg.TokensUsed, budget)
		} else {
			deleg.Status = models.DelegationStatusCompleted
			deleg.Result = resp.Text
		}
	}

	// Terminal writes use a background context — ctx may be cancelled.
	if uerr := d.store.Update(context.Background(), deleg); uerr != nil {
		d.logger.Error("Failed to persist delegation terminal state",
			"delegation_id", deleg.ID, "status", deleg.Status, "error", uerr)
	}

	d.recordTrace(context.Background(), deleg, profile, req, resp)

	return deleg, nil
}

// Get returns a persisted delegation.
func (d *Delegator) Get(ctx context.Context, id string) (*models.Delegation, error) {
	return d.store.Get(ctx, id)
}

// Messages returns a delegation's conversation trace.
func (d *Delegator) Messages(ctx context.Context, id string) ([]models.DelegationMessage, error) {
	return d.store.Messages(ctx, id)
}

// resolveRoot walks parent links to the tree root. Depth is bounded, so the
// walk is too.
func (d *Delegator) resolveRoot(ctx context.Context, start *models.Delegation) (*models.Delegation, error) {
	current := start
	for current.ParentDelegationID != "" {
		next, err := d.store.Get(ctx, current.ParentDelegationID)
		if err != nil {
			return nil, fmt.Errorf("walk delegation tree: %w", err)
		}
		current = next
	}
	return current, nil
}

// recordTrace persists the role-tagged conversation trace. Disallowed tool
// invocations are suppressed from results but recorded for audit.
func (d *Delegator) recordTrace(ctx context.Context, deleg *models.Delegation,
	profile *models.AgentProfile, req Request, resp *CompletionResponse) {

	now := time.Now().UTC()
	msgs := []models.DelegationMessage{
		{DelegationID: deleg.ID, Seq: 0, Role: "system", Content: profile.SystemPrompt, CreatedAt: now},
		{DelegationID: deleg.ID, Seq: 1, Role: "user", Content: req.Task, CreatedAt: now},
	}
	if req.Context != "" {
		msgs = append(msgs, models.DelegationMessage{
			DelegationID: deleg.ID, Seq: len(msgs), Role: "user", Content: req.Context, CreatedAt: now,
		})
	}

	if resp != nil {
		for _, inv := range resp.ToolInvocations {
			toolMsg := models.DelegationMessage{
				DelegationID: deleg.ID,
				Seq:          len(msgs),
				Role:         "tool",
				CreatedAt:    now,
			}
			if len(profile.AllowedTools) > 0 && !slices.Contains(profile.AllowedTools, inv.Name) {
				toolMsg.Content = fmt.Sprintf("suppressed disallowed tool call: %s", inv.Name)
				toolMsg.ToolCalls = marshalJSON(map[string]any{"name": inv.Name, "suppressed": true})
			} else {
				toolMsg.Content = inv.Name
				toolMsg.ToolCalls = marshalJSON(map[string]any{"name": inv.Name, "arguments": inv.Arguments})
				toolMsg.ToolResult = inv.Result
			}
			msgs = append(msgs, toolMsg)
		}

		msgs = append(msgs, models.DelegationMessage{
			DelegationID: deleg.ID,
			Seq:          len(msgs),
			Role:         "assistant",
			Content:      resp.Text,
			TokenCount:   resp.TokensCompletion,
			CreatedAt:    now,
		})
	}

	if err := d.store.InsertMessages(ctx, msgs); err != nil {
		d.logger.Error("Failed to persist delegation trace",
			"delegation_id", deleg.ID, "messages", len(msgs), "error", err)
	}
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
