package callctx

import (
	"errors"
	"testing"
)

func boolPtr(v bool) *bool { return &v }

func validRaw() RawCall {
	return RawCall{
		CapabilityID: "data_read",
		Actor: RawActor{
			UserID:        "agent-7",
			TenantID:      "acme",
			Role:          "agent",
			Authenticated: boolPtr(true),
		},
		Environment: " Staging ",
		Network:     RawNetwork{SourceIP: "10.0.0.4", Zone: "Internal"},
	}
}

func TestValidateContextOK(t *testing.T) {
	ctx, err := ValidateContext(validRaw())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ctx.Environment != "staging" {
		t.Fatalf("environment: %q", ctx.Environment)
	}
	if ctx.Network.Zone != "internal" || ctx.Network.SourceIP != "10.0.0.4" {
		t.Fatalf("network: %#v", ctx.Network)
	}
	if !ctx.Actor.Authenticated || !ctx.Actor.HasRole("agent") {
		t.Fatalf("actor: %#v", ctx.Actor)
	}
}

func TestValidateContextMergesRoles(t *testing.T) {
	raw := validRaw()
	raw.Actor.Roles = []string{"reviewer", "agent"}
	ctx, err := ValidateContext(raw)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(ctx.Actor.Roles) != 2 || ctx.Actor.Roles[0] != "agent" || ctx.Actor.Roles[1] != "reviewer" {
		t.Fatalf("roles: %#v", ctx.Actor.Roles)
	}
}

func TestValidateContextFieldErrors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *RawCall)
		field string
		code  string
	}{
		{"missing user", func(r *RawCall) { r.Actor.UserID = "" }, "actor.user_id", "required"},
		{"missing tenant", func(r *RawCall) { r.Actor.TenantID = "  " }, "actor.tenant_id", "required"},
		{"bad tenant", func(r *RawCall) { r.Actor.TenantID = "a b" }, "actor.tenant_id", "malformed"},
		{"bad role", func(r *RawCall) { r.Actor.Role = "Admin!" }, "actor.role", "malformed"},
		{"bad roles entry", func(r *RawCall) { r.Actor.Roles = []string{"ok", "NO"} }, "actor.roles[1]", "malformed"},
		{"unstated auth", func(r *RawCall) { r.Actor.Authenticated = nil }, "actor.authenticated", "required"},
		{"missing env", func(r *RawCall) { r.Environment = "" }, "environment", "required"},
		{"bad ip", func(r *RawCall) { r.Network.SourceIP = "999.1.1.1" }, "network.source_ip", "malformed"},
		{"bad zone", func(r *RawCall) { r.Network.Zone = "mars" }, "network.zone", "malformed"},
		{"missing capability", func(r *RawCall) { r.CapabilityID = "" }, "capability_id", "required"},
		{"padded capability", func(r *RawCall) { r.CapabilityID = " data_read " }, "capability_id", "malformed"},
		{"trailing newline capability", func(r *RawCall) { r.CapabilityID = "data_read\n" }, "capability_id", "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.edit(&raw)
			_, err := ValidateContext(raw)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.field && f.Code == tt.code {
					found = true
				}
			}
			if !found {
				t.Fatalf("fields: %#v", verr.Fields)
			}
		})
	}
}

func TestValidateContextReportsAllFields(t *testing.T) {
	_, err := ValidateContext(RawCall{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error")
	}
	if len(verr.Fields) < 5 {
		t.Fatalf("fields: %#v", verr.Fields)
	}
	if verr.Error() == "" {
		t.Fatalf("empty message")
	}
}

func TestValidateContextUnauthenticatedIsValid(t *testing.T) {
	raw := validRaw()
	raw.Actor.Authenticated = boolPtr(false)
	ctx, err := ValidateContext(raw)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ctx.Actor.Authenticated {
		t.Fatalf("expected unauthenticated")
	}
}
