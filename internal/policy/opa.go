package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const decisionAllow = "allow"

var defaultOPAClient = &http.Client{Timeout: 5 * time.Second}

// PolicyService queries an OPA server's data API for one policy package.
type PolicyService struct {
	OPAURL        string
	PolicyPackage string
	HTTPClient    *http.Client
}

type PolicyDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// decisionPath turns "riskgate.bypass" into "/v1/data/riskgate/bypass".
func (p *PolicyService) decisionPath() string {
	pkg := strings.Trim(strings.TrimSpace(p.PolicyPackage), "/.")
	return "/v1/data/" + strings.ReplaceAll(pkg, ".", "/")
}

// Evaluate posts input to the package and normalises the result. Packages
// may answer with a bare boolean, {"allow": bool} or {"decision": "..."};
// an undefined result is a deny.
func (p *PolicyService) Evaluate(ctx context.Context, input any) (PolicyDecision, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return PolicyDecision{}, err
	}
	url := strings.TrimRight(strings.TrimSpace(p.OPAURL), "/") + p.decisionPath()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PolicyDecision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := p.HTTPClient
	if client == nil {
		client = defaultOPAClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return PolicyDecision{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return PolicyDecision{}, fmt.Errorf("opa %s: status %d", p.decisionPath(), resp.StatusCode)
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return PolicyDecision{}, fmt.Errorf("opa decode: %w", err)
	}
	return parseDecision(envelope.Result)
}

func parseDecision(raw json.RawMessage) (PolicyDecision, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return PolicyDecision{Decision: "deny", Reason: "policy result undefined"}, nil
	}
	var allowed bool
	if err := json.Unmarshal(raw, &allowed); err == nil {
		return boolDecision(allowed, ""), nil
	}
	var obj struct {
		Decision string `json:"decision"`
		Allow    *bool  `json:"allow"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return PolicyDecision{}, fmt.Errorf("opa result: %w", err)
	}
	if obj.Decision == "" && obj.Allow != nil {
		return boolDecision(*obj.Allow, obj.Reason), nil
	}
	return PolicyDecision{Decision: strings.ToLower(obj.Decision), Reason: obj.Reason}, nil
}

func boolDecision(allowed bool, reason string) PolicyDecision {
	if allowed {
		return PolicyDecision{Decision: decisionAllow, Reason: reason}
	}
	return PolicyDecision{Decision: "deny", Reason: reason}
}

// OPA allows bypass only when the package decides "allow".
type OPA struct {
	Service *PolicyService
}

func (o OPA) AllowBypass(ctx context.Context, in Input) (bool, error) {
	if o.Service == nil {
		return false, errors.New("opa policy service required")
	}
	dec, err := o.Service.Evaluate(ctx, in)
	if err != nil {
		return false, err
	}
	allowed := dec.Decision == decisionAllow
	record("opa", allowed)
	return allowed, nil
}
