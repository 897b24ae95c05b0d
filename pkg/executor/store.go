package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/database"
	"github.com/wardenhq/warden/pkg/models"
)

// SQLStore persists tasks through the database façade.
type SQLStore struct {
	store *database.Store
}

// NewSQLStore creates the task SQL store.
func NewSQLStore(store *database.Store) *SQLStore {
	return &SQLStore{store: store}
}

const taskColumns = `id, correlation_id, parent_task_id, type, name, description, input_hash, status,
	timeout_ms, user_id, user_role, permissions, ip_address, user_agent, result, resources,
	created_at, started_at, completed_at, duration_ms`

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, t *models.Task) error {
	permissions, result, resources, err := encodeTaskBlobs(t)
	if err != nil {
		return err
	}
	_, err = s.store.Execute(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.CorrelationID, nullString(t.ParentTaskID), t.Type, t.Name, t.Description,
		t.InputHash, t.Status, t.TimeoutMs, t.Security.UserID, t.Security.Role, permissions,
		t.Security.IPAddress, t.Security.UserAgent, result, resources,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.DurationMs)
	return err
}

// Update implements Store. The full mutable row is rewritten; InputHash is
// immutable and deliberately excluded so it stays stable across persistence
// cycles.
func (s *SQLStore) Update(ctx context.Context, t *models.Task) error {
	_, result, resources, err := encodeTaskBlobs(t)
	if err != nil {
		return err
	}
	affected, err := s.store.Execute(ctx,
		`UPDATE tasks SET status = $2, name = $3, type = $4, description = $5, result = $6,
		 resources = $7, started_at = $8, completed_at = $9, duration_ms = $10
		 WHERE id = $1`,
		t.ID, t.Status, t.Name, t.Type, t.Description, result, resources,
		t.StartedAt, t.CompletedAt, t.DurationMs)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Task, error) {
	t, err := database.QueryOne(ctx, s.store,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, scanTask, id)
	if err != nil {
		if err == database.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &t, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, f ListFilter) ([]models.Task, int, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.Type != "" {
		conds = append(conds, "type = "+arg(f.Type))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.To))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	total, err := database.QueryOne(ctx, s.store,
		`SELECT COUNT(*) FROM tasks`+where,
		func(r database.RowScanner) (int, error) {
			var n int
			err := r.Scan(&n)
			return n, err
		}, args...)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where +
		` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)

	tasks, err := database.QueryMany(ctx, s.store, query, scanTask, args...)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// DeleteTerminalBefore removes terminal task rows completed before cutoff.
// Used by the retention service.
func (s *SQLStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.Execute(ctx,
		`DELETE FROM tasks
		 WHERE status IN ('completed', 'failed', 'timeout', 'cancelled')
		 AND completed_at < $1`, cutoff)
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	affected, err := s.store.Execute(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanTask(r database.RowScanner) (models.Task, error) {
	var t models.Task
	var parent sql.NullString
	var permissions, result, resources []byte
	var startedAt, completedAt sql.NullTime
	var durationMs sql.NullInt64

	if err := r.Scan(&t.ID, &t.CorrelationID, &parent, &t.Type, &t.Name, &t.Description,
		&t.InputHash, &t.Status, &t.TimeoutMs, &t.Security.UserID, &t.Security.Role,
		&permissions, &t.Security.IPAddress, &t.Security.UserAgent, &result, &resources,
		&t.CreatedAt, &startedAt, &completedAt, &durationMs); err != nil {
		return models.Task{}, err
	}

	t.ParentTaskID = parent.String
	if len(permissions) > 0 {
		if err := json.Unmarshal(permissions, &t.Security.Permissions); err != nil {
			return models.Task{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if len(result) > 0 {
		t.Result = &models.TaskResult{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return models.Task{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(resources) > 0 {
		t.Resources = &models.ResourceUsage{}
		if err := json.Unmarshal(resources, t.Resources); err != nil {
			return models.Task{}, fmt.Errorf("decode resources: %w", err)
		}
	}
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		t.CompletedAt = &v
	}
	if durationMs.Valid {
		t.DurationMs = &durationMs.Int64
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func encodeTaskBlobs(t *models.Task) (permissions, result, resources []byte, err error) {
	permissions, err = json.Marshal(t.Security.Permissions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode permissions: %w", err)
	}
	if t.Result != nil {
		result, err = json.Marshal(t.Result)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode result: %w", err)
		}
	}
	if t.Resources != nil {
		resources, err = json.Marshal(t.Resources)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode resources: %w", err)
		}
	}
	return permissions, result, resources, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
