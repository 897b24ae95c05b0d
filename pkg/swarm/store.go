package swarm

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wardenhq/warden/pkg/database"
	"github.com/wardenhq/warden/pkg/models"
)

// SQLStore persists swarm runs and members through the database façade.
type SQLStore struct {
	store *database.Store
}

// NewSQLStore creates the swarm SQL store.
func NewSQLStore(store *database.Store) *SQLStore {
	return &SQLStore{store: store}
}

const runColumns = `id, template_id, task, context, strategy, status, result, error, token_budget,
	tokens_prompt, tokens_completion, tokens_total, initiated_by, created_at, started_at, completed_at`

const memberColumns = `id, run_id, seq_order, role, profile_name, status, result, delegation_id,
	started_at, completed_at`

// InsertRun implements Store.
func (s *SQLStore) InsertRun(ctx context.Context, run *models.SwarmRun) error {
	_, err := s.store.Execute(ctx,
		`INSERT INTO swarm_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.TemplateID, run.Task, run.Context, run.Strategy, run.Status, run.Result,
		run.Error, run.TokenBudget, run.Tokens.Prompt, run.Tokens.Completion, run.Tokens.Total,
		run.InitiatedBy, run.CreatedAt, run.StartedAt, run.CompletedAt)
	return err
}

// UpdateRun implements Store.
func (s *SQLStore) UpdateRun(ctx context.Context, run *models.SwarmRun) error {
	affected, err := s.store.Execute(ctx,
		`UPDATE swarm_runs SET status = $2, result = $3, error = $4, tokens_prompt = $5,
		 tokens_completion = $6, tokens_total = $7, started_at = $8, completed_at = $9
		 WHERE id = $1`,
		run.ID, run.Status, run.Result, run.Error, run.Tokens.Prompt, run.Tokens.Completion,
		run.Tokens.Total, run.StartedAt, run.CompletedAt)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// GetRun implements Store.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.SwarmRun, error) {
	run, err := database.QueryOne(ctx, s.store,
		`SELECT `+runColumns+` FROM swarm_runs WHERE id = $1`, scanRun, id)
	if err != nil {
		if err == database.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}
	members, err := s.MembersByRun(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Members = members
	return &run, nil
}

// ListRuns implements Store.
func (s *SQLStore) ListRuns(ctx context.Context, limit, offset int) ([]models.SwarmRun, int, error) {
	total, err := database.QueryOne(ctx, s.store,
		`SELECT COUNT(*) FROM swarm_runs`,
		func(r database.RowScanner) (int, error) {
			var n int
			err := r.Scan(&n)
			return n, err
		})
	if err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	runs, err := database.QueryMany(ctx, s.store,
		`SELECT `+runColumns+` FROM swarm_runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		scanRun, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// InsertMember implements Store.
func (s *SQLStore) InsertMember(ctx context.Context, m *models.SwarmMember) error {
	_, err := s.store.Execute(ctx,
		`INSERT INTO swarm_members (`+memberColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.RunID, m.SeqOrder, m.Role, m.ProfileName, m.Status, m.Result,
		nullString(m.DelegationID), m.StartedAt, m.CompletedAt)
	return err
}

// UpdateMember implements Store.
func (s *SQLStore) UpdateMember(ctx context.Context, m *models.SwarmMember) error {
	affected, err := s.store.Execute(ctx,
		`UPDATE swarm_members SET status = $2, result = $3, delegation_id = $4, completed_at = $5
		 WHERE id = $1`,
		m.ID, m.Status, m.Result, nullString(m.DelegationID), m.CompletedAt)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("swarm member %s not found", m.ID)
	}
	return nil
}

// MembersByRun implements Store, ordered by seq_order.
func (s *SQLStore) MembersByRun(ctx context.Context, runID string) ([]models.SwarmMember, error) {
	return database.QueryMany(ctx, s.store,
		`SELECT `+memberColumns+` FROM swarm_members WHERE run_id = $1 ORDER BY seq_order ASC`,
		scanMember, runID)
}

func scanRun(r database.RowScanner) (models.SwarmRun, error) {
	var run models.SwarmRun
	var startedAt, completedAt sql.NullTime
	if err := r.Scan(&run.ID, &run.TemplateID, &run.Task, &run.Context, &run.Strategy,
		&run.Status, &run.Result, &run.Error, &run.TokenBudget, &run.Tokens.Prompt,
		&run.Tokens.Completion, &run.Tokens.Total, &run.InitiatedBy, &run.CreatedAt,
		&startedAt, &completedAt); err != nil {
		return models.SwarmRun{}, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		run.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		run.CompletedAt = &v
	}
	return run, nil
}

func scanMember(r database.RowScanner) (models.SwarmMember, error) {
	var m models.SwarmMember
	var delegationID sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := r.Scan(&m.ID, &m.RunID, &m.SeqOrder, &m.Role, &m.ProfileName, &m.Status,
		&m.Result, &delegationID, &startedAt, &completedAt); err != nil {
		return models.SwarmMember{}, err
	}
	m.DelegationID = delegationID.String
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		m.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		m.CompletedAt = &v
	}
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
