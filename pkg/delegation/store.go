package delegation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wardenhq/warden/pkg/database"
	"github.com/wardenhq/warden/pkg/models"
)

// SQLStore persists delegations through the database façade.
type SQLStore struct {
	store *database.Store
}

// NewSQLStore creates the delegation SQL store.
func NewSQLStore(store *database.Store) *SQLStore {
	return &SQLStore{store: store}
}

const delegationColumns = `id, profile_name, parent_delegation_id, task, context, depth, max_depth,
	token_budget, timeout_ms, status, result, error, tokens_prompt, tokens_completion, tokens_used,
	started_at, completed_at`

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, d *models.Delegation) error {
	_, err := s.store.Execute(ctx,
		`INSERT INTO delegations (`+delegationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.ProfileName, nullString(d.ParentDelegationID), d.Task, d.Context,
		d.Depth, d.MaxDepth, d.TokenBudget, d.TimeoutMs, d.Status, d.Result, d.Error,
		d.TokensPrompt, d.TokensCompletion, d.TokensUsed, d.StartedAt, d.CompletedAt)
	return err
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, d *models.Delegation) error {
	affected, err := s.store.Execute(ctx,
		`UPDATE delegations SET status = $2, result = $3, error = $4, tokens_prompt = $5,
		 tokens_completion = $6, tokens_used = $7, started_at = $8, completed_at = $9 WHERE id = $1`,
		d.ID, d.Status, d.Result, d.Error, d.TokensPrompt, d.TokensCompletion, d.TokensUsed,
		d.StartedAt, d.CompletedAt)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Delegation, error) {
	d, err := database.QueryOne(ctx, s.store,
		`SELECT `+delegationColumns+` FROM delegations WHERE id = $1`, scanDelegation, id)
	if err != nil {
		if err == database.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// InsertMessages implements Store.
func (s *SQLStore) InsertMessages(ctx context.Context, msgs []models.DelegationMessage) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO delegation_messages (delegation_id, seq, role, content, tool_calls, tool_result, token_count, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				m.DelegationID, m.Seq, m.Role, m.Content, m.ToolCalls, m.ToolResult, m.TokenCount, m.CreatedAt); err != nil {
				return fmt.Errorf("insert delegation message %d: %w", m.Seq, err)
			}
		}
		return nil
	})
}

// Messages implements Store.
func (s *SQLStore) Messages(ctx context.Context, delegationID string) ([]models.DelegationMessage, error) {
	return database.QueryMany(ctx, s.store,
		`SELECT delegation_id, seq, role, content, tool_calls, tool_result, token_count, created_at
		 FROM delegation_messages WHERE delegation_id = $1 ORDER BY seq ASC`,
		func(r database.RowScanner) (models.DelegationMessage, error) {
			var m models.DelegationMessage
			err := r.Scan(&m.DelegationID, &m.Seq, &m.Role, &m.Content, &m.ToolCalls,
				&m.ToolResult, &m.TokenCount, &m.CreatedAt)
			return m, err
		}, delegationID)
}

// TreeTokensUsed implements Store with a recursive CTE over parent links.
func (s *SQLStore) TreeTokensUsed(ctx context.Context, rootID string) (int, error) {
	return database.QueryOne(ctx, s.store,
		`WITH RECURSIVE tree AS (
		   SELECT id, tokens_used FROM delegations WHERE id = $1
		   UNION ALL
		   SELECT d.id, d.tokens_used FROM delegations d
		   JOIN tree ON d.parent_delegation_id = tree.id
		 )
		 SELECT COALESCE(SUM(tokens_used), 0) FROM tree`,
		func(r database.RowScanner) (int, error) {
			var n int
			err := r.Scan(&n)
			return n, err
		}, rootID)
}

func scanDelegation(r database.RowScanner) (models.Delegation, error) {
	var d models.Delegation
	var parent sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := r.Scan(&d.ID, &d.ProfileName, &parent, &d.Task, &d.Context, &d.Depth, &d.MaxDepth,
		&d.TokenBudget, &d.TimeoutMs, &d.Status, &d.Result, &d.Error, &d.TokensPrompt,
		&d.TokensCompletion, &d.TokensUsed, &startedAt, &completedAt); err != nil {
		return models.Delegation{}, err
	}
	d.ParentDelegationID = parent.String
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		d.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		d.CompletedAt = &v
	}
	return d, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
