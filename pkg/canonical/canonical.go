// Package canonical produces deterministic JSON for hashing. Object keys are
// emitted in sorted order at every nesting level, so equal values always
// yield byte-identical output regardless of map iteration order.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Marshal encodes v as canonical JSON. v must round-trip through
// encoding/json (structs, maps, slices, scalars).
func Marshal(v any) ([]byte, error) {
	// Normalise through encoding/json first so struct tags and omitempty
	// behave exactly as the wire format, then re-encode with sorted keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var tree any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	var sb strings.Builder
	if err := encode(&sb, tree); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical JSON of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func encode(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		sb.WriteString(t.String())
	case float64:
		// Only reachable when callers hand pre-decoded trees; reject NaN/Inf
		// the same way encoding/json does.
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("canonical: unsupported float value %v", t)
		}
		b, _ := json.Marshal(t)
		sb.Write(b)
	case string:
		b, _ := json.Marshal(t)
		sb.Write(b)
	case []any:
		sb.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encode(sb, el); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			if err := encode(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}
