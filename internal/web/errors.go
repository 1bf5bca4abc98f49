package web

import (
	"errors"
	"log/slog"
	"net/http"

	"riskgate/internal/callctx"
	"riskgate/internal/pipeline"
)

type errorBody struct {
	Error      string               `json:"error"`
	Reason     string               `json:"reason,omitempty"`
	CallID     string               `json:"call_id,omitempty"`
	Status     pipeline.Status      `json:"status,omitempty"`
	Indicators []string             `json:"indicators,omitempty"`
	Fields     []callctx.FieldError `json:"fields,omitempty"`
}

func statusForKind(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.KindContextInvalid:
		return http.StatusUnprocessableEntity
	case pipeline.KindIntegrityViolation, pipeline.KindUnauthorizedApprover, pipeline.KindForbidden:
		return http.StatusForbidden
	case pipeline.KindDuplicateDecision, pipeline.KindConflict, pipeline.KindChainIntegrity:
		return http.StatusConflict
	case pipeline.KindRequestExpired:
		return http.StatusGone
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindInvalid:
		return http.StatusBadRequest
	case pipeline.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bodyFor(err error) (int, errorBody) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError, errorBody{Error: "internal"}
	}
	return statusForKind(perr.Kind), errorBody{
		Error:      string(perr.Kind),
		Reason:     perr.Reason,
		CallID:     perr.CallID,
		Indicators: perr.Indicators,
		Fields:     perr.Fields,
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := bodyFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, body)
}

// writeCallError reports a call that ended in a typed failure, keeping the
// call id and status so clients can find it in the audit log.
func writeCallError(w http.ResponseWriter, out pipeline.Outcome, err error) {
	status, body := bodyFor(err)
	if body.CallID == "" {
		body.CallID = out.CallID
	}
	body.Status = out.Status
	if len(body.Indicators) == 0 {
		body.Indicators = out.Indicators
	}
	writeJSON(w, status, body)
}

func writeProblem(w http.ResponseWriter, status int, kind pipeline.ErrorKind, reason string) {
	writeJSON(w, status, errorBody{Error: string(kind), Reason: reason})
}
