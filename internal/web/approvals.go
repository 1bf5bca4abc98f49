package web

import (
	"encoding/json"
	"net/http"

	"riskgate/internal/approvals"
	"riskgate/internal/pipeline"
)

type decisionRequest struct {
	Verdict approvals.Verdict `json:"verdict"`
	Reason  string            `json:"reason"`
}

func (s *Server) handleApprovalByID(w http.ResponseWriter, r *http.Request) {
	requestID, verb, ok := splitResource(r.URL.Path, "/v1/approvals/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.Gateway == nil {
		writeProblem(w, http.StatusServiceUnavailable, pipeline.KindUnavailable, "gateway unavailable")
		return
	}
	switch verb {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		req, err := s.Gateway.Approval(r.Context(), requestID)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.TenantID != identity(r).TenantID {
			writeProblem(w, http.StatusNotFound, pipeline.KindNotFound, "approval request not found")
			return
		}
		writeJSON(w, http.StatusOK, req)
	case "decide":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		body, ok := readBody(w, r, "decision")
		if !ok {
			return
		}
		var dec decisionRequest
		if err := json.Unmarshal(body, &dec); err != nil {
			writeProblem(w, http.StatusBadRequest, pipeline.KindInvalid, "invalid json")
			return
		}
		id := identity(r)
		approver := approvals.Approver{ID: id.ID, TenantID: id.TenantID, Roles: id.Roles}
		req, err := s.Gateway.Decide(r.Context(), requestID, approver, dec.Verdict, dec.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	default:
		http.NotFound(w, r)
	}
}
