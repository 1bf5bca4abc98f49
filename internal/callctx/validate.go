package callctx

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
)

var (
	identPattern      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@:-]{0,127}$`)
	rolePattern       = regexp.MustCompile(`^[a-z][a-z0-9_.:-]{0,63}$`)
	envPattern        = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
	capabilityPattern = regexp.MustCompile(`^[a-z][a-z0-9_.:/-]{0,127}$`)
)

var allowedZones = map[string]bool{
	"internal":   true,
	"external":   true,
	"restricted": true,
}

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed validation, not just the first.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid context"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid context: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, code, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Code: code, Message: msg})
}

// ValidateContext normalizes the actor, environment and network fields of a
// raw call. Missing or malformed security-relevant fields are errors; none of
// them is ever defaulted.
func ValidateContext(raw RawCall) (Context, error) {
	verr := &ValidationError{}
	var out Context

	userID := strings.TrimSpace(raw.Actor.UserID)
	switch {
	case userID == "":
		verr.add("actor.user_id", "required", "actor user id is required")
	case !identPattern.MatchString(userID):
		verr.add("actor.user_id", "malformed", "actor user id contains invalid characters")
	}
	tenantID := strings.TrimSpace(raw.Actor.TenantID)
	switch {
	case tenantID == "":
		verr.add("actor.tenant_id", "required", "tenant id is required")
	case !identPattern.MatchString(tenantID):
		verr.add("actor.tenant_id", "malformed", "tenant id contains invalid characters")
	}

	roles := map[string]bool{}
	if role := strings.TrimSpace(raw.Actor.Role); role != "" {
		if !rolePattern.MatchString(role) {
			verr.add("actor.role", "malformed", fmt.Sprintf("role %q is not a valid role name", role))
		} else {
			roles[role] = true
		}
	}
	for i, role := range raw.Actor.Roles {
		role = strings.TrimSpace(role)
		if !rolePattern.MatchString(role) {
			verr.add(fmt.Sprintf("actor.roles[%d]", i), "malformed", fmt.Sprintf("role %q is not a valid role name", role))
			continue
		}
		roles[role] = true
	}
	if raw.Actor.Authenticated == nil {
		verr.add("actor.authenticated", "required", "authentication state must be stated explicitly")
	}

	env := strings.ToLower(strings.TrimSpace(raw.Environment))
	switch {
	case env == "":
		verr.add("environment", "required", "environment is required")
	case !envPattern.MatchString(env):
		verr.add("environment", "malformed", "environment contains invalid characters")
	}

	var network Network
	if ip := strings.TrimSpace(raw.Network.SourceIP); ip != "" {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			verr.add("network.source_ip", "malformed", "source ip is not a valid address")
		} else {
			network.SourceIP = addr.String()
		}
	}
	if zone := strings.ToLower(strings.TrimSpace(raw.Network.Zone)); zone != "" {
		if !allowedZones[zone] {
			verr.add("network.zone", "malformed", fmt.Sprintf("unknown network zone %q", zone))
		} else {
			network.Zone = zone
		}
	}

	// The id is matched untrimmed: it keys the manifest and matrix lookups
	// and must reach them exactly as validated.
	switch {
	case strings.TrimSpace(raw.CapabilityID) == "":
		verr.add("capability_id", "required", "capability id is required")
	case !capabilityPattern.MatchString(raw.CapabilityID):
		verr.add("capability_id", "malformed", "capability id contains invalid characters")
	}

	if len(verr.Fields) > 0 {
		return Context{}, verr
	}

	roleList := make([]string, 0, len(roles))
	for r := range roles {
		roleList = append(roleList, r)
	}
	sort.Strings(roleList)
	out.Actor = Actor{
		UserID:        userID,
		TenantID:      tenantID,
		Roles:         roleList,
		Authenticated: *raw.Actor.Authenticated,
	}
	out.Environment = env
	out.Network = network
	return out, nil
}
