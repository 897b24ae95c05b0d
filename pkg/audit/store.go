package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/database"
	"github.com/wardenhq/warden/pkg/models"
)

// SQLStore persists the chain through the database façade.
type SQLStore struct {
	store *database.Store
}

// NewSQLStore creates the audit SQL store.
func NewSQLStore(store *database.Store) *SQLStore {
	return &SQLStore{store: store}
}

const entryColumns = `seq, timestamp, level, event, message, user_id, task_id, correlation_id, metadata, prev_hash, hash, signature`

func scanEntry(r database.RowScanner) (models.AuditEntry, error) {
	var e models.AuditEntry
	var ts time.Time
	var metadata []byte
	if err := r.Scan(&e.Seq, &ts, &e.Level, &e.Event, &e.Message, &e.UserID,
		&e.TaskID, &e.CorrelationID, &metadata, &e.PrevHash, &e.Hash, &e.Signature); err != nil {
		return models.AuditEntry{}, err
	}
	e.Timestamp = ts.UTC()
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return models.AuditEntry{}, fmt.Errorf("decode metadata for seq %d: %w", e.Seq, err)
		}
	}
	return e, nil
}

// Head returns the highest persisted seq and hash, or (0, "") when empty.
func (s *SQLStore) Head(ctx context.Context) (int64, string, error) {
	type head struct {
		seq  int64
		hash string
	}
	h, err := database.QueryOne(ctx, s.store,
		`SELECT seq, hash FROM audit_entries ORDER BY seq DESC LIMIT 1`,
		func(r database.RowScanner) (head, error) {
			var h head
			err := r.Scan(&h.seq, &h.hash)
			return h, err
		})
	if err != nil {
		if err == database.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", err
	}
	return h.seq, h.hash, nil
}

// Insert persists one entry. The primary key on seq guarantees the single
// writer never silently overwrites a link.
func (s *SQLStore) Insert(ctx context.Context, e models.AuditEntry) error {
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = b
	}
	_, err := s.store.Execute(ctx,
		`INSERT INTO audit_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.Seq, e.Timestamp, e.Level, e.Event, e.Message, e.UserID,
		e.TaskID, e.CorrelationID, metadata, e.PrevHash, e.Hash, e.Signature)
	return err
}

// Query returns entries matching the filter.
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Level != "" {
		conds = append(conds, "level = "+arg(string(f.Level)))
	}
	if f.Event != "" {
		conds = append(conds, "event = "+arg(f.Event))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if f.TaskID != "" {
		conds = append(conds, "task_id = "+arg(f.TaskID))
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = "+arg(f.CorrelationID))
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp <= "+arg(f.To))
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY seq DESC"
	}
	query += " LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset)

	return database.QueryMany(ctx, s.store, query, scanEntry, args...)
}

// Range returns entries with fromSeq <= seq <= toSeq in ascending order.
func (s *SQLStore) Range(ctx context.Context, fromSeq, toSeq int64) ([]models.AuditEntry, error) {
	return database.QueryMany(ctx, s.store,
		`SELECT `+entryColumns+` FROM audit_entries WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`,
		scanEntry, fromSeq, toSeq)
}

// DeleteThrough removes the tail of the chain up to and including seq.
func (s *SQLStore) DeleteThrough(ctx context.Context, seq int64) (int64, error) {
	return s.store.Execute(ctx, `DELETE FROM audit_entries WHERE seq <= $1`, seq)
}

// OldestSeq returns the lowest persisted seq, or 0 for an empty chain.
func (s *SQLStore) OldestSeq(ctx context.Context) (int64, error) {
	seq, err := database.QueryOne(ctx, s.store,
		`SELECT seq FROM audit_entries ORDER BY seq ASC LIMIT 1`,
		func(r database.RowScanner) (int64, error) {
			var v int64
			err := r.Scan(&v)
			return v, err
		})
	if err != nil {
		if err == database.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

// Stats summarises the persisted chain.
func (s *SQLStore) Stats(ctx context.Context) (StoreStats, error) {
	type levelCount struct {
		level string
		count int64
	}
	counts, err := database.QueryMany(ctx, s.store,
		`SELECT level, COUNT(*) FROM audit_entries GROUP BY level`,
		func(r database.RowScanner) (levelCount, error) {
			var lc levelCount
			err := r.Scan(&lc.level, &lc.count)
			return lc, err
		})
	if err != nil {
		return StoreStats{}, err
	}

	stats := StoreStats{ByLevel: make(map[string]int64, len(counts))}
	for _, lc := range counts {
		stats.ByLevel[lc.level] = lc.count
		stats.TotalEntries += lc.count
	}

	headSeq, _, err := s.Head(ctx)
	if err != nil {
		return StoreStats{}, err
	}
	stats.HeadSeq = headSeq

	oldest, err := s.OldestSeq(ctx)
	if err != nil {
		return StoreStats{}, err
	}
	stats.OldestSeq = oldest

	return stats, nil
}
