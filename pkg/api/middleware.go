package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/models"
	"github.com/wardenhq/warden/pkg/rbac"
)

// securityHeaders returns middleware that sets standard security response
// headers on every response. HSTS is added only when TLS is enabled.
func securityHeaders(tlsEnabled bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			return next(c)
		}
	}
}

// privateIngressOnly rejects clients whose peer address is not loopback or
// private. The platform is local-first; a public client reaching the
// listener means a misconfigured deployment, not a user to serve.
func privateIngressOnly() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				host = c.Request().RemoteAddr
			}
			addr, err := netip.ParseAddr(host)
			if err != nil || !isPrivateAddr(addr) {
				return echo.NewHTTPError(http.StatusForbidden, "access restricted to private networks")
			}
			return next(c)
		}
	}
}

func isPrivateAddr(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

// rejectPublicBind refuses to listen on a public address at startup.
func rejectPublicBind(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("invalid listen host %q: %w", host, err)
	}
	if addr.IsUnspecified() {
		// 0.0.0.0 / :: expose every interface and are allowed here; the
		// per-request ingress guard still rejects public clients.
		return nil
	}
	if !isPrivateAddr(addr) {
		return fmt.Errorf("listen host %s is public; bind to a loopback or private address", host)
	}
	return nil
}

// corsAllowList honours the configured origin allow-list. Credentials are
// only allowed for explicitly listed origins — a wildcard never pairs with
// credentials.
func corsAllowList(allowed []string) echo.MiddlewareFunc {
	allowAll := false
	allowedSet := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowedSet[origin] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			h := c.Response().Header()

			switch {
			case origin == "":
				// Same-origin or non-browser client; nothing to add.
			case allowedSet[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Vary", "Origin")
			case allowAll:
				h.Set("Access-Control-Allow-Origin", "*")
			}

			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// requirePermission returns the RBAC hook for a route. Denials are audited
// as permission_denied before the 403 is returned.
func (s *Server) requirePermission(resource, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			identity := currentIdentity(c)
			if err := s.checker.RequirePermission(identity.Role, rbacRequest(resource, action)); err != nil {
				s.chain.MustRecord(c.Request().Context(), audit.Entry{
					Level:   models.AuditLevelWarn,
					Event:   models.AuditEventPermissionDenied,
					Message: fmt.Sprintf("%s %s denied for role %s", action, resource, identity.Role),
					UserID:  identity.UserID,
					Metadata: map[string]any{
						"resource": resource,
						"action":   action,
						"path":     c.Request().URL.Path,
					},
				})
				return echo.NewHTTPError(http.StatusForbidden, "permission denied")
			}
			return next(c)
		}
	}
}

// rbacRequest builds the checker request for a route hook.
func rbacRequest(resource, action string) rbac.Request {
	return rbac.Request{Resource: resource, Action: action}
}

// securityContextFrom snapshots the request identity into the task security
// context shape.
func securityContextFrom(c *echo.Context) models.SecurityContext {
	identity := currentIdentity(c)
	ip, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		ip = c.Request().RemoteAddr
	}
	return models.SecurityContext{
		UserID:    identity.UserID,
		Role:      identity.Role,
		IPAddress: ip,
		UserAgent: c.Request().UserAgent(),
	}
}

// sanitizeQuery trims and bounds a free-form query parameter.
func sanitizeQuery(v string, maxLen int) string {
	v = strings.TrimSpace(v)
	if len(v) > maxLen {
		return v[:maxLen]
	}
	return v
}
