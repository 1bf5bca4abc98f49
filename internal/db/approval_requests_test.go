package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"riskgate/internal/approvals"
	"riskgate/internal/risk"
)

func testRequest() approvals.Request {
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return approvals.Request{
		ID:            "apr_1",
		CallID:        "call_1",
		CapabilityID:  "deploy",
		TenantID:      "acme",
		RequesterID:   "agent-7",
		Risk:          risk.TierHigh,
		Action:        risk.ActionFullReview,
		RequiredRoles: []string{"reviewer"},
		RequiredCount: 2,
		TierName:      "reviewer",
		Status:        approvals.StatusPending,
		CreatedAt:     created,
		Deadline:      created.Add(15 * time.Minute),
	}
}

func TestSaveRequestNoDB(t *testing.T) {
	d := &DB{}
	if err := d.SaveRequest(context.Background(), testRequest()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSaveRequestRequiresID(t *testing.T) {
	d := &DB{conn: &fakeConn{}}
	if err := d.SaveRequest(context.Background(), approvals.Request{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSaveRequestUpserts(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	req := testRequest()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_requests")).
		WithArgs("apr_1", "call_1", "acme", "pending", req.Deadline, req.CreatedAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := Wrap(raw).SaveRequest(context.Background(), req); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRequest(t *testing.T) {
	payload, _ := json.Marshal(testRequest())
	d := &DB{conn: &fakeConn{row: fakeRow{values: []any{payload}}}}
	req, err := d.GetRequest(context.Background(), "apr_1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if req.RequiredCount != 2 || req.Risk != risk.TierHigh {
		t.Fatalf("request: %+v", req)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{err: sql.ErrNoRows}}}
	if _, err := d.GetRequest(context.Background(), "apr_1"); !errors.Is(err, approvals.ErrRequestNotFound) {
		t.Fatalf("err: %v", err)
	}
}

func TestListOpenRequests(t *testing.T) {
	payload, _ := json.Marshal([]approvals.Request{testRequest()})
	conn := &fakeConn{row: fakeRow{values: []any{payload}}}
	d := &DB{conn: conn}
	reqs, err := d.ListOpenRequests(context.Background())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(reqs) != 1 || reqs[0].ID != "apr_1" {
		t.Fatalf("requests: %+v", reqs)
	}
	if len(conn.lastArgs) != 2 || conn.lastArgs[0] != "pending" || conn.lastArgs[1] != "escalated" {
		t.Fatalf("args: %v", conn.lastArgs)
	}
}

func TestListOpenRequestsScanError(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{err: errTest}}}
	if _, err := d.ListOpenRequests(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDBBacksApprovalGate(t *testing.T) {
	var _ approvals.Store = (*DB)(nil)
}
