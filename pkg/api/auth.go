package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/models"
)

// identityKey is the echo context key holding the authenticated identity.
const identityKey = "warden.identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// authenticator resolves bearer tokens to identities. Token comparison is
// constant-time.
type authenticator struct {
	tokens []resolvedToken
	chain  *audit.Chain
}

type resolvedToken struct {
	value    string
	identity Identity
}

func newAuthenticator(tokens []config.ServerToken, chain *audit.Chain) *authenticator {
	a := &authenticator{chain: chain}
	for _, t := range tokens {
		value := t.Resolve()
		if value == "" {
			continue
		}
		a.tokens = append(a.tokens, resolvedToken{
			value:    value,
			identity: Identity{UserID: t.UserID, Role: t.Role},
		})
	}
	return a
}

// authenticate resolves a raw token value. The miss path still scans the
// full token list so timing does not leak which prefix matched.
func (a *authenticator) authenticate(token string) (Identity, bool) {
	var matched Identity
	found := false
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t.value)) == 1 {
			matched = t.identity
			found = true
		}
	}
	return matched, found
}

// middleware authenticates the Authorization: Bearer header. Failures are
// audited as auth_failure and answered with 401.
func (a *authenticator) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return a.deny(c, "missing bearer token")
			}
			identity, ok := a.authenticate(token)
			if !ok {
				return a.deny(c, "invalid bearer token")
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

func (a *authenticator) deny(c *echo.Context, reason string) error {
	a.chain.MustRecord(c.Request().Context(), audit.Entry{
		Level:   models.AuditLevelWarn,
		Event:   models.AuditEventAuthFailure,
		Message: fmt.Sprintf("authentication failed: %s", reason),
		Metadata: map[string]any{
			"path":   c.Request().URL.Path,
			"method": c.Request().Method,
		},
	})
	return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
}

// currentIdentity returns the identity set by the auth middleware.
func currentIdentity(c *echo.Context) Identity {
	if v, ok := c.Get(identityKey).(Identity); ok {
		return v
	}
	return Identity{}
}
