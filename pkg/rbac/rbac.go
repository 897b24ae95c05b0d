// Package rbac evaluates role-based permissions with optional per-permission
// conditions. Decisions are cached with a TTL and a size bound; any role
// mutation clears the cache so stale grants never outlive a policy change.
package rbac

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/canonical"
)

// ErrPermissionDenied is the sentinel wrapped by every denial from
// RequirePermission.
var ErrPermissionDenied = errors.New("permission denied")

// Operator is a condition comparison operator.
type Operator string

// Condition operators.
const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpIn  Operator = "in"
)

// Condition constrains a permission to contexts where Field compares true
// against Value.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value" json:"value"`
}

// Permission grants an action on a resource, optionally conditioned.
// Resource and Action support the "*" wildcard.
type Permission struct {
	Resource   string      `yaml:"resource" json:"resource"`
	Action     string      `yaml:"action" json:"action"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Request is one permission check.
type Request struct {
	Resource string
	Action   string
	Context  map[string]any
}

// Decision is the outcome of a check.
type Decision struct {
	Granted           bool        `json:"granted"`
	Reason            string      `json:"reason,omitempty"`
	MatchedPermission *Permission `json:"matched_permission,omitempty"`
}

// Cache bounds, per the platform defaults.
const (
	cacheTTL      = 5 * time.Minute
	cacheMaxSize  = 1000
	cacheEvictPct = 20
)

type cacheEntry struct {
	decision Decision
	storedAt time.Time
}

// Checker is the role→permission evaluator.
type Checker struct {
	mu    sync.RWMutex
	roles map[string][]Permission

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

// NewChecker creates a checker with the given role store.
func NewChecker(roles map[string][]Permission) *Checker {
	c := &Checker{
		roles: make(map[string][]Permission, len(roles)),
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
	for name, perms := range roles {
		c.roles[name] = perms
	}
	return c
}

// SetRole registers or replaces a role's permissions and clears the decision
// cache.
func (c *Checker) SetRole(name string, perms []Permission) {
	c.mu.Lock()
	c.roles[name] = perms
	c.mu.Unlock()
	c.clearCache()
}

// DeleteRole removes a role and clears the decision cache.
func (c *Checker) DeleteRole(name string) {
	c.mu.Lock()
	delete(c.roles, name)
	c.mu.Unlock()
	c.clearCache()
}

// Roles returns the registered role names.
func (c *Checker) Roles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.roles))
	for name := range c.roles {
		names = append(names, name)
	}
	return names
}

// CheckPermission evaluates whether role may perform the request.
func (c *Checker) CheckPermission(role string, req Request) Decision {
	key, cacheable := c.cacheKey(role, req)
	if cacheable {
		if d, ok := c.cachedDecision(key); ok {
			return d
		}
	}

	d := c.evaluate(role, req)

	if cacheable {
		c.storeDecision(key, d)
	}
	return d
}

// RequirePermission is CheckPermission with a denial error. The returned
// error wraps ErrPermissionDenied and carries the denial reason.
func (c *Checker) RequirePermission(role string, req Request) error {
	d := c.CheckPermission(role, req)
	if d.Granted {
		return nil
	}
	return fmt.Errorf("%w: role %q cannot %s on %s: %s",
		ErrPermissionDenied, role, req.Action, req.Resource, d.Reason)
}

func (c *Checker) evaluate(role string, req Request) Decision {
	c.mu.RLock()
	perms, ok := c.roles[role]
	c.mu.RUnlock()

	if !ok {
		return Decision{Granted: false, Reason: fmt.Sprintf("role %q not defined", role)}
	}

	for i := range perms {
		p := perms[i]
		if !matchPattern(p.Resource, req.Resource) || !matchPattern(p.Action, req.Action) {
			continue
		}
		// A matching permission with a failed condition does not grant, but
		// a later unconditioned permission still can.
		if failed, _ := failedCondition(p.Conditions, req.Context); failed {
			continue
		}
		return Decision{Granted: true, MatchedPermission: &p}
	}

	return Decision{
		Granted: false,
		Reason:  fmt.Sprintf("no permission grants %s on %s", req.Action, req.Resource),
	}
}

func matchPattern(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// failedCondition reports the first condition that does not hold.
func failedCondition(conds []Condition, ctx map[string]any) (bool, string) {
	for _, cond := range conds {
		v, ok := ctx[cond.Field]
		if !ok {
			return true, fmt.Sprintf("context field %q missing", cond.Field)
		}
		if !compare(cond.Operator, v, cond.Value) {
			return true, fmt.Sprintf("condition %s %s failed", cond.Field, cond.Operator)
		}
	}
	return false, ""
}

func compare(op Operator, actual, expected any) bool {
	switch op {
	case OpEq:
		return equal(actual, expected)
	case OpNeq:
		return !equal(actual, expected)
	case OpLt, OpLte, OpGt, OpGte:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpIn:
		list, ok := expected.([]any)
		if !ok {
			if strs, sok := expected.([]string); sok {
				for _, s := range strs {
					if equal(actual, s) {
						return true
					}
				}
			}
			return false
		}
		for _, item := range list {
			if equal(actual, item) {
				return true
			}
		}
		return false
	}
	return false
}

func equal(a, b any) bool {
	// Numeric values compare by magnitude so YAML ints match JSON floats.
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// ────────────────────────────────────────────────────────────
// Decision cache
// ────────────────────────────────────────────────────────────

func (c *Checker) cacheKey(role string, req Request) (string, bool) {
	ctxHash := ""
	if len(req.Context) > 0 {
		h, err := canonical.Hash(req.Context)
		if err != nil {
			// Unhashable context — evaluate without caching.
			return "", false
		}
		ctxHash = h
	}
	return role + "|" + req.Resource + "|" + req.Action + "|" + ctxHash, true
}

func (c *Checker) cachedDecision(key string) (Decision, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	e, ok := c.cache[key]
	if !ok {
		return Decision{}, false
	}
	if c.now().Sub(e.storedAt) > cacheTTL {
		delete(c.cache, key)
		return Decision{}, false
	}
	return e.decision, true
}

func (c *Checker) storeDecision(key string, d Decision) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if len(c.cache) >= cacheMaxSize {
		c.evictOldestLocked()
	}
	c.cache[key] = cacheEntry{decision: d, storedAt: c.now()}
}

// evictOldestLocked drops the oldest cacheEvictPct percent of entries.
// Caller holds cacheMu.
func (c *Checker) evictOldestLocked() {
	evict := len(c.cache) * cacheEvictPct / 100
	if evict < 1 {
		evict = 1
	}
	type aged struct {
		key      string
		storedAt time.Time
	}
	entries := make([]aged, 0, len(c.cache))
	for k, e := range c.cache {
		entries = append(entries, aged{key: k, storedAt: e.storedAt})
	}
	// Partial selection: repeatedly pick the oldest. Bounded by evict count,
	// which is small relative to the cache size.
	for i := 0; i < evict && len(entries) > 0; i++ {
		oldest := 0
		for j := 1; j < len(entries); j++ {
			if entries[j].storedAt.Before(entries[oldest].storedAt) {
				oldest = j
			}
		}
		delete(c.cache, entries[oldest].key)
		entries = append(entries[:oldest], entries[oldest+1:]...)
	}
}

func (c *Checker) clearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// cacheSize is used by tests.
func (c *Checker) cacheSize() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return len(c.cache)
}
