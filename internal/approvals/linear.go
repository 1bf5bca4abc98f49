package approvals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultLinearBaseURL = "https://api.linear.app/graphql"

const (
	labelPending   = "approval:pending"
	labelEscalated = "approval:escalated"
	labelApproved  = "approval:approved"
	labelRejected  = "approval:rejected"
	labelExpired   = "approval:expired"
)

// LinearClient mirrors approval requests as Linear issues: one issue per
// request, relabelled as the request escalates and resolves.
type LinearClient struct {
	BaseURL string
	Token   string
	TeamID  string
	Client  *http.Client

	mu         sync.Mutex
	labelCache map[string]string
	issues     map[string]string
}

func NewLinearClient() *LinearClient {
	return &LinearClient{BaseURL: defaultLinearBaseURL}
}

func (c *LinearClient) Notify(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventRequested:
		issueID, err := c.CreateApprovalIssue(ctx, ev.Request)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.issues == nil {
			c.issues = map[string]string{}
		}
		c.issues[ev.Request.ID] = issueID
		c.mu.Unlock()
		return nil
	case EventEscalated, EventResolved:
		c.mu.Lock()
		issueID, ok := c.issues[ev.Request.ID]
		if ok && ev.Kind == EventResolved {
			delete(c.issues, ev.Request.ID)
		}
		c.mu.Unlock()
		if !ok {
			return nil
		}
		return c.UpdateApprovalStatus(ctx, issueID, ev.Request.Status)
	}
	return nil
}

func (c *LinearClient) CreateApprovalIssue(ctx context.Context, req Request) (string, error) {
	if req.ID == "" {
		return "", errors.New("request id required")
	}
	if c.TeamID == "" {
		return "", errors.New("linear team id required")
	}
	labelID, err := c.labelID(ctx, labelPending)
	if err != nil {
		return "", err
	}
	query := `mutation($input: IssueCreateInput!) { issueCreate(input: $input) { issue { id } } }`
	vars := map[string]any{
		"input": map[string]any{
			"teamId":      c.TeamID,
			"title":       fmt.Sprintf("Approval required: %s (%s)", req.CapabilityID, req.CallID),
			"description": issueDescription(req),
			"labelIds":    []string{labelID},
		},
	}
	var resp struct {
		IssueCreate struct {
			Issue struct {
				ID string `json:"id"`
			} `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := c.doGraphQL(ctx, query, vars, &resp); err != nil {
		return "", err
	}
	if resp.IssueCreate.Issue.ID == "" {
		return "", errors.New("missing issue id")
	}
	return resp.IssueCreate.Issue.ID, nil
}

func (c *LinearClient) UpdateApprovalStatus(ctx context.Context, issueID string, status Status) error {
	if issueID == "" {
		return errors.New("issue id required")
	}
	label, ok := labelForStatus(status)
	if !ok {
		return fmt.Errorf("unknown status: %s", status)
	}
	labelID, err := c.labelID(ctx, label)
	if err != nil {
		return err
	}
	query := `mutation($input: IssueUpdateInput!) { issueUpdate(input: $input) { success } }`
	vars := map[string]any{
		"input": map[string]any{
			"id":       issueID,
			"labelIds": []string{labelID},
		},
	}
	return c.doGraphQL(ctx, query, vars, nil)
}

func issueDescription(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval required for capability call.\n\n")
	fmt.Fprintf(&b, "Request ID: %s\n", req.ID)
	fmt.Fprintf(&b, "Call ID: %s\n", req.CallID)
	fmt.Fprintf(&b, "Tenant: %s\n", req.TenantID)
	fmt.Fprintf(&b, "Risk: %s (level %.2f, %s)\n", req.Risk, req.Level, req.Action)
	fmt.Fprintf(&b, "Approvers: %d of %s\n", req.RequiredCount, strings.Join(req.RequiredRoles, ", "))
	if len(req.Indicators) > 0 {
		fmt.Fprintf(&b, "Indicators: %s\n", strings.Join(req.Indicators, ", "))
	}
	fmt.Fprintf(&b, "Deadline: %s\n", req.Deadline.Format(time.RFC3339))
	return b.String()
}

func (c *LinearClient) labelID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("label name required")
	}
	c.mu.Lock()
	id, ok := c.labelCache[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	query := `query($name: String!) { issueLabels(filter: { name: { eq: $name } }) { nodes { id name } } }`
	vars := map[string]any{"name": name}
	var resp struct {
		IssueLabels struct {
			Nodes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"issueLabels"`
	}
	if err := c.doGraphQL(ctx, query, vars, &resp); err != nil {
		return "", err
	}
	if len(resp.IssueLabels.Nodes) == 0 {
		return "", fmt.Errorf("label not found: %s", name)
	}
	id = resp.IssueLabels.Nodes[0].ID
	if id == "" {
		return "", errors.New("label id missing")
	}
	c.mu.Lock()
	if c.labelCache == nil {
		c.labelCache = map[string]string{}
	}
	c.labelCache[name] = id
	c.mu.Unlock()
	return id, nil
}

func labelForStatus(status Status) (string, bool) {
	switch status {
	case StatusPending:
		return labelPending, true
	case StatusEscalated:
		return labelEscalated, true
	case StatusApproved:
		return labelApproved, true
	case StatusRejected:
		return labelRejected, true
	case StatusExpired:
		return labelExpired, true
	default:
		return "", false
	}
}

func (c *LinearClient) doGraphQL(ctx context.Context, query string, vars map[string]any, out any) error {
	if c.Token == "" {
		return errors.New("linear token required")
	}
	url := c.BaseURL
	if url == "" {
		url = defaultLinearBaseURL
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", c.Token)
	resp, err := client.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("linear status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("linear error: %s", envelope.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
