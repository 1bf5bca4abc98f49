package auth

import (
	"net/http"
	"strings"
)

// HeaderAuthenticator trusts identity headers set by an authenticating proxy.
// Only deploy it where clients cannot reach the gateway directly.
type HeaderAuthenticator struct {
	UserHeader   string
	TenantHeader string
	RolesHeader  string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	user := strings.TrimSpace(r.Header.Get(a.UserHeader))
	tenant := strings.TrimSpace(r.Header.Get(a.TenantHeader))
	if user == "" || tenant == "" {
		return Identity{}, ErrMissingCredentials
	}
	return Identity{ID: user, TenantID: tenant, Roles: splitRoles(r.Header.Get(a.RolesHeader))}, nil
}

func splitRoles(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if role := strings.TrimSpace(part); role != "" {
			out = append(out, role)
		}
	}
	return out
}
