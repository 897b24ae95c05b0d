package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/models"
)

// canonicalEntry renders the hash input for an entry: JSON with the fixed
// wire key order (seq, timestamp, level, event, message, userId?, taskId?,
// correlationId?, metadata, prevHash). Optional identity fields are omitted
// when empty; metadata objects are emitted with sorted keys. Hash and
// Signature are never part of the hash input.
func canonicalEntry(e models.AuditEntry) (string, error) {
	var sb strings.Builder
	sb.WriteByte('{')

	writeField(&sb, "seq", e.Seq, true)
	writeField(&sb, "timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano), false)
	writeField(&sb, "level", string(e.Level), false)
	writeField(&sb, "event", e.Event, false)
	writeField(&sb, "message", e.Message, false)
	if e.UserID != "" {
		writeField(&sb, "userId", e.UserID, false)
	}
	if e.TaskID != "" {
		writeField(&sb, "taskId", e.TaskID, false)
	}
	if e.CorrelationID != "" {
		writeField(&sb, "correlationId", e.CorrelationID, false)
	}

	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := canonical.Marshal(meta)
	if err != nil {
		return "", err
	}
	sb.WriteString(`,"metadata":`)
	sb.Write(metaJSON)

	sb.WriteString(`,"prevHash":`)
	hb, _ := json.Marshal(e.PrevHash)
	sb.Write(hb)

	sb.WriteByte('}')
	return sb.String(), nil
}

// entryHash computes H(prevHash || canonical(entry_without_hash)) as
// lowercase hex SHA-256.
func entryHash(e models.AuditEntry) (string, error) {
	body, err := canonicalEntry(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(e.PrevHash + body))
	return hex.EncodeToString(sum[:]), nil
}

func writeField(sb *strings.Builder, key string, v any, first bool) {
	if !first {
		sb.WriteByte(',')
	}
	kb, _ := json.Marshal(key)
	sb.Write(kb)
	sb.WriteByte(':')
	vb, _ := json.Marshal(v)
	sb.Write(vb)
}
