package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// RBACMiddleware enforces role-based access control on admin routes.
//
// A permission is a path pattern, optionally prefixed with a method:
// "/admin/*" allows any method, "GET /admin/events/*" allows reads only.
type RBACMiddleware struct {
	rolePermissions map[string][]string
}

func NewRBACMiddleware(rolePermissions map[string][]string) *RBACMiddleware {
	if rolePermissions == nil {
		rolePermissions = make(map[string][]string)
	}
	return &RBACMiddleware{rolePermissions: rolePermissions}
}

// Handler returns the middleware handler
func (rm *RBACMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Injected by the JWT middleware.
			role := r.Header.Get("X-User-Role")
			if role == "" {
				http.Error(w, "Unauthorized: no role specified", http.StatusUnauthorized)
				return
			}

			if !rm.allowed(role, r.Method, r.URL.Path) {
				log.Warn().Str("role", role).Str("method", r.Method).Str("path", r.URL.Path).Msg("RBAC denied")
				http.Error(w, "Forbidden: insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rm *RBACMiddleware) allowed(role, method, path string) bool {
	for _, perm := range rm.rolePermissions[role] {
		if matchPermission(perm, method, path) {
			return true
		}
	}
	return false
}

func matchPermission(perm, method, path string) bool {
	if m, p, ok := strings.Cut(perm, " "); ok {
		if !strings.EqualFold(m, method) {
			return false
		}
		perm = p
	}
	return matchPath(perm, path)
}

// matchPath checks if a permission pattern matches a path
// Supports wildcards: /admin/* matches /admin/events/evt-1
func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(path, prefix+"/")
	}
	return false
}

// DefaultRolePermissions lets admins inspect and release idempotency records
// and operators only inspect them.
func DefaultRolePermissions() map[string][]string {
	return map[string][]string{
		"admin":    {"/admin/*"},
		"operator": {"GET /admin/events/*"},
	}
}
