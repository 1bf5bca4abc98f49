package web

import (
	"encoding/json"
	"net/http"

	"riskgate/internal/integrity"
	"riskgate/internal/pipeline"
)

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleManifests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.requireRole(w, r, s.ManifestRoles) {
		return
	}
	if s.Gateway == nil {
		writeProblem(w, http.StatusServiceUnavailable, pipeline.KindUnavailable, "gateway unavailable")
		return
	}
	body, ok := readBody(w, r, "manifest")
	if !ok {
		return
	}
	var m integrity.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		writeProblem(w, http.StatusBadRequest, pipeline.KindInvalid, "invalid manifest")
		return
	}
	saved, err := s.Gateway.RegisterManifest(r.Context(), m, actorFor(identity(r)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleManifestByID(w http.ResponseWriter, r *http.Request) {
	capabilityID, verb, ok := splitResource(r.URL.Path, "/v1/manifests/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.Gateway == nil {
		writeProblem(w, http.StatusServiceUnavailable, pipeline.KindUnavailable, "gateway unavailable")
		return
	}
	var (
		m   integrity.Manifest
		err error
	)
	switch verb {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		m, err = s.Gateway.Manifest(r.Context(), capabilityID)
	case "activate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		m, err = s.Gateway.ActivateManifest(r.Context(), capabilityID, actorFor(identity(r)))
	case "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		body, ok := readBody(w, r, "revoke")
		if !ok {
			return
		}
		var req revokeRequest
		if jerr := json.Unmarshal(body, &req); jerr != nil {
			writeProblem(w, http.StatusBadRequest, pipeline.KindInvalid, "invalid json")
			return
		}
		m, err = s.Gateway.RevokeManifest(r.Context(), capabilityID, actorFor(identity(r)), req.Reason)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
