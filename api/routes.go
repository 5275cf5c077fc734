package api

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hablas/sessiongate/internal/config"
	"github.com/hablas/sessiongate/token"
)

// RouteConfig is the policy for one path pattern.
type RouteConfig struct {
	Pattern string
	// Exact patterns match only the identical path; others match the path
	// and everything below it.
	Exact       bool
	RequireAuth bool
	// AllowedRoles is empty when any authenticated role may pass.
	AllowedRoles []token.Role
}

// Allows reports whether role satisfies the route's role restriction.
func (rc RouteConfig) Allows(role token.Role) bool {
	return len(rc.AllowedRoles) == 0 || slices.Contains(rc.AllowedRoles, role)
}

// RouteTable resolves a request path to its RouteConfig. Precedence is
// exact match, then the longest matching prefix, then the default-protected
// prefixes. Anything else is public.
type RouteTable struct {
	exact     map[string]RouteConfig
	prefixes  []RouteConfig
	protected []string
}

// NewRouteTable builds a table from routes and the default-protected
// prefixes. A pattern may appear once as exact and once as prefix.
func NewRouteTable(routes []RouteConfig, protectedPrefixes []string) (*RouteTable, error) {
	t := &RouteTable{exact: make(map[string]RouteConfig)}
	seen := make(map[string]bool)
	for _, rc := range routes {
		if !strings.HasPrefix(rc.Pattern, "/") {
			return nil, fmt.Errorf("route pattern %q must start with /", rc.Pattern)
		}
		for _, role := range rc.AllowedRoles {
			if !role.Valid() {
				return nil, fmt.Errorf("route %s: unknown role %q", rc.Pattern, role)
			}
		}
		if len(rc.AllowedRoles) > 0 && !rc.RequireAuth {
			return nil, fmt.Errorf("route %s: allowed roles need require_auth", rc.Pattern)
		}
		key := fmt.Sprintf("%t %s", rc.Exact, rc.Pattern)
		if seen[key] {
			return nil, fmt.Errorf("route %s declared twice", rc.Pattern)
		}
		seen[key] = true

		if rc.Exact {
			t.exact[rc.Pattern] = rc
			continue
		}
		rc.Pattern = trimSlash(rc.Pattern)
		t.prefixes = append(t.prefixes, rc)
	}
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].Pattern) > len(t.prefixes[j].Pattern)
	})
	for _, p := range protectedPrefixes {
		t.protected = append(t.protected, trimSlash(p))
	}
	return t, nil
}

// Resolve returns the policy for path.
func (t *RouteTable) Resolve(path string) RouteConfig {
	if rc, ok := t.exact[path]; ok {
		return rc
	}
	for _, rc := range t.prefixes {
		if underPrefix(path, rc.Pattern) {
			return rc
		}
	}
	for _, p := range t.protected {
		if underPrefix(path, p) {
			return RouteConfig{Pattern: p, RequireAuth: true}
		}
	}
	return RouteConfig{Pattern: path}
}

// underPrefix matches on path segment boundaries so that /admin covers
// /admin/users but not /administrator.
func underPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func trimSlash(p string) string {
	if len(p) > 1 {
		return strings.TrimRight(p, "/")
	}
	return p
}

// DefaultRoutes is the built-in policy for the admin area and the
// authenticated auth endpoints.
func DefaultRoutes() []RouteConfig {
	admin := []token.Role{token.RoleAdmin}
	editors := []token.Role{token.RoleAdmin, token.RoleEditor}
	routes := []RouteConfig{
		{Pattern: "/admin/login", Exact: true},
		{Pattern: "/admin", RequireAuth: true},
		{Pattern: "/admin/users", RequireAuth: true, AllowedRoles: admin},
		{Pattern: "/admin/settings", RequireAuth: true, AllowedRoles: admin},
		{Pattern: "/admin/content/edit", RequireAuth: true, AllowedRoles: editors},
		{Pattern: "/admin/content/create", RequireAuth: true, AllowedRoles: editors},
		{Pattern: "/api/admin", RequireAuth: true, AllowedRoles: admin},
	}
	return append(routes, gatewayRoutes()...)
}

// gatewayRoutes guards the gateway's own endpoints under /api/auth. They are
// merged into every table so a configured route list cannot drop them.
func gatewayRoutes() []RouteConfig {
	admin := []token.Role{token.RoleAdmin}
	return []RouteConfig{
		{Pattern: "/api/auth/me", Exact: true, RequireAuth: true},
		{Pattern: "/api/auth/sessions", RequireAuth: true},
		{Pattern: "/api/auth/register", Exact: true, RequireAuth: true, AllowedRoles: admin},
		{Pattern: "/api/auth/users", Exact: true, RequireAuth: true, AllowedRoles: admin},
	}
}

// withGatewayRoutes returns routes with the gateway's own policies in place
// of any configured entry for the same pattern and match kind.
func withGatewayRoutes(routes []RouteConfig) []RouteConfig {
	fixed := gatewayRoutes()
	out := make([]RouteConfig, 0, len(routes)+len(fixed))
	for _, rc := range routes {
		overridden := slices.ContainsFunc(fixed, func(g RouteConfig) bool {
			return g.Exact == rc.Exact && g.Pattern == trimSlash(rc.Pattern)
		})
		if !overridden {
			out = append(out, rc)
		}
	}
	return append(out, fixed...)
}

// RoutesFromConfig converts the YAML route list. An empty list yields
// DefaultRoutes. The /api/auth policies are added by New either way.
func RoutesFromConfig(routes []config.Route) ([]RouteConfig, error) {
	if len(routes) == 0 {
		return DefaultRoutes(), nil
	}
	out := make([]RouteConfig, 0, len(routes))
	for _, r := range routes {
		rc := RouteConfig{
			Pattern:     r.Path,
			Exact:       r.Match == "exact",
			RequireAuth: r.RequireAuth,
		}
		for _, name := range r.AllowedRoles {
			role, ok := token.ParseRole(strings.ToLower(strings.TrimSpace(name)))
			if !ok {
				return nil, fmt.Errorf("route %s: unknown role %q", r.Path, name)
			}
			rc.AllowedRoles = append(rc.AllowedRoles, role)
		}
		out = append(out, rc)
	}
	return out, nil
}
