// Package audit implements the tamper-evident event log: an append-only,
// hash-chained, HMAC-signed sequence of entries that every subsystem writes
// to. The chain head is single-writer; appends are serialised so each hash
// links the prior entry.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// ErrWeakSigningKey is returned when the signing key has fewer than 32 bytes.
var ErrWeakSigningKey = errors.New("audit signing key must be at least 32 bytes")

// Store is the persistence boundary for the chain. Insert must be durable
// before it returns; the in-memory head only advances on durable success.
type Store interface {
	// Head returns the highest persisted seq and its hash. Returns seq 0 and
	// an empty hash for an empty chain.
	Head(ctx context.Context) (int64, string, error)
	Insert(ctx context.Context, e models.AuditEntry) error
	Query(ctx context.Context, f Filter) ([]models.AuditEntry, error)
	// Range returns entries with fromSeq <= seq <= toSeq in ascending order.
	Range(ctx context.Context, fromSeq, toSeq int64) ([]models.AuditEntry, error)
	// DeleteThrough removes every entry with seq <= seq (the chain tail) and
	// returns the number deleted.
	DeleteThrough(ctx context.Context, seq int64) (int64, error)
	// OldestSeq returns the lowest persisted seq, or 0 for an empty chain.
	OldestSeq(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// Filter narrows a Query. Zero values mean "no constraint". Results are
// newest-first unless Ascending is set.
type Filter struct {
	Level         models.AuditLevel
	Event         string
	UserID        string
	TaskID        string
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
	Ascending     bool
}

// StoreStats summarises the persisted chain.
type StoreStats struct {
	TotalEntries int64            `json:"total_entries"`
	ByLevel      map[string]int64 `json:"by_level"`
	OldestSeq    int64            `json:"oldest_seq"`
	HeadSeq      int64            `json:"head_seq"`
}

// RetentionPolicy bounds chain growth. Both fields are optional; when both
// are set the stricter one wins.
type RetentionPolicy struct {
	MaxAgeDays *int
	MaxEntries *int64
}

// VerifyResult reports chain integrity.
type VerifyResult struct {
	OK             bool  `json:"ok"`
	Entries        int64 `json:"entries"`
	FirstBrokenSeq int64 `json:"first_broken_seq,omitempty"`
}

// Chain is the append-only audit log. It owns the hash head and is the only
// writer of new entries.
type Chain struct {
	store      Store
	signingKey []byte
	logger     *slog.Logger

	// mu serialises appends so hashes chain correctly; head state is only
	// mutated under it.
	mu       sync.Mutex
	headSeq  int64
	headHash string
	loaded   bool
}

// NewChain creates the chain writer. The signing key must carry at least
// 32 bytes of entropy; weaker keys are rejected outright.
func NewChain(store Store, signingKey []byte) (*Chain, error) {
	if len(signingKey) < 32 {
		return nil, ErrWeakSigningKey
	}
	return &Chain{
		store:      store,
		signingKey: signingKey,
		logger:     slog.Default().With("component", "audit-chain"),
	}, nil
}

// Entry is the caller-facing shape of a record request. Seq, hashes, and
// signature are assigned by the chain.
type Entry struct {
	Level         models.AuditLevel
	Event         string
	Message       string
	UserID        string
	TaskID        string
	CorrelationID string
	Metadata      map[string]any
}

// Record appends an entry to the chain. On persistence failure the entry is
// not acknowledged and the head does not advance — the caller must treat the
// audited operation as failed.
func (c *Chain) Record(ctx context.Context, e Entry) (models.AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadHeadLocked(ctx); err != nil {
		return models.AuditEntry{}, err
	}

	level := e.Level
	if level == "" {
		level = models.AuditLevelInfo
	}

	entry := models.AuditEntry{
		Seq:           c.headSeq + 1,
		Timestamp:     time.Now().UTC(),
		Level:         level,
		Event:         e.Event,
		Message:       e.Message,
		UserID:        e.UserID,
		TaskID:        e.TaskID,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
		PrevHash:      c.headHash,
	}

	hash, err := entryHash(entry)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("hash audit entry: %w", err)
	}
	entry.Hash = hash
	entry.Signature = c.sign(hash)

	if err := c.store.Insert(ctx, entry); err != nil {
		return models.AuditEntry{}, fmt.Errorf("persist audit entry: %w", err)
	}

	c.headSeq = entry.Seq
	c.headHash = entry.Hash
	return entry, nil
}

// MustRecord is Record for callers whose own failure handling already covers
// the audit write; a failed append is logged at error level. Use only on
// paths where the spec does not require the operation to abort.
func (c *Chain) MustRecord(ctx context.Context, e Entry) {
	if _, err := c.Record(ctx, e); err != nil {
		c.logger.Error("Failed to record audit entry", "event", e.Event, "error", err)
	}
}

// Query returns entries matching the filter, newest-first by default.
func (c *Chain) Query(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return c.store.Query(ctx, f)
}

// Export returns entries with seq in [from, to] in ascending order for bulk
// dump. A zero to means "through the head".
func (c *Chain) Export(ctx context.Context, from, to int64) ([]models.AuditEntry, error) {
	if from <= 0 {
		from = 1
	}
	if to <= 0 {
		c.mu.Lock()
		if err := c.loadHeadLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		to = c.headSeq
		c.mu.Unlock()
	}
	return c.store.Range(ctx, from, to)
}

// Stats returns persisted chain statistics.
func (c *Chain) Stats(ctx context.Context) (StoreStats, error) {
	return c.store.Stats(ctx)
}

// Verify recomputes the whole chain and reports the first broken link.
// After retention the first remaining entry's prev_hash references a deleted
// entry, so only its own hash is checked; every later entry must both hash
// correctly and link its predecessor.
func (c *Chain) Verify(ctx context.Context) (VerifyResult, error) {
	const batch = 500

	oldest, err := c.store.OldestSeq(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	if oldest == 0 {
		return VerifyResult{OK: true}, nil
	}

	c.mu.Lock()
	if err := c.loadHeadLocked(ctx); err != nil {
		c.mu.Unlock()
		return VerifyResult{}, err
	}
	head := c.headSeq
	c.mu.Unlock()

	var checked int64
	prevHash := ""
	first := true
	for from := oldest; from <= head; from += batch {
		to := from + batch - 1
		if to > head {
			to = head
		}
		entries, err := c.store.Range(ctx, from, to)
		if err != nil {
			return VerifyResult{}, err
		}
		for _, e := range entries {
			if !first && e.PrevHash != prevHash {
				return VerifyResult{OK: false, Entries: checked, FirstBrokenSeq: e.Seq}, nil
			}
			recomputed, err := entryHash(e)
			if err != nil {
				return VerifyResult{}, fmt.Errorf("recompute hash for seq %d: %w", e.Seq, err)
			}
			if recomputed != e.Hash || c.sign(e.Hash) != e.Signature {
				return VerifyResult{OK: false, Entries: checked, FirstBrokenSeq: e.Seq}, nil
			}
			prevHash = e.Hash
			first = false
			checked++
		}
	}
	return VerifyResult{OK: true, Entries: checked}, nil
}

// EnforceRetention deletes entries from the tail per the policy and returns
// the number deleted. Remaining links are never mutated, so Verify still
// passes on the remainder.
func (c *Chain) EnforceRetention(ctx context.Context, policy RetentionPolicy) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadHeadLocked(ctx); err != nil {
		return 0, err
	}

	// deleteThrough is the highest seq to remove; 0 means nothing to do.
	var deleteThrough int64

	if policy.MaxEntries != nil {
		keepFrom := c.headSeq - *policy.MaxEntries + 1
		if keepFrom > 1 && keepFrom-1 > deleteThrough {
			deleteThrough = keepFrom - 1
		}
	}

	if policy.MaxAgeDays != nil {
		cutoff := time.Now().UTC().AddDate(0, 0, -*policy.MaxAgeDays)
		// Walk forward from the oldest entry to find the last one below the
		// cutoff. Retention is tail-only, so the scan stops at the first
		// entry young enough to keep.
		oldest, err := c.store.OldestSeq(ctx)
		if err != nil {
			return 0, err
		}
		const batch = 500
		for from := oldest; from > 0 && from <= c.headSeq; from += batch {
			to := from + batch - 1
			if to > c.headSeq {
				to = c.headSeq
			}
			entries, err := c.store.Range(ctx, from, to)
			if err != nil {
				return 0, err
			}
			stop := false
			for _, e := range entries {
				if e.Timestamp.Before(cutoff) {
					if e.Seq > deleteThrough {
						deleteThrough = e.Seq
					}
				} else {
					stop = true
					break
				}
			}
			if stop || len(entries) == 0 {
				break
			}
		}
	}

	if deleteThrough == 0 {
		return 0, nil
	}
	// Never delete the head: an empty chain would lose the hash anchor that
	// in-flight appends link against.
	if deleteThrough >= c.headSeq {
		deleteThrough = c.headSeq - 1
	}
	if deleteThrough <= 0 {
		return 0, nil
	}

	deleted, err := c.store.DeleteThrough(ctx, deleteThrough)
	if err != nil {
		return 0, fmt.Errorf("enforce retention: %w", err)
	}
	c.logger.Info("Audit retention enforced", "deleted", deleted, "through_seq", deleteThrough)
	return deleted, nil
}

// loadHeadLocked lazily loads the persisted head. Caller holds mu.
func (c *Chain) loadHeadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	seq, hash, err := c.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("load audit head: %w", err)
	}
	c.headSeq = seq
	c.headHash = hash
	c.loaded = true
	return nil
}

func (c *Chain) sign(hash string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}
