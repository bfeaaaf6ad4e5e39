package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/carepilot-io/carepilot/internal/agent"
	"github.com/carepilot-io/carepilot/internal/agent/tools"
	"github.com/carepilot-io/carepilot/internal/clinical"
	"github.com/carepilot-io/carepilot/internal/evidence"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
	"github.com/carepilot-io/carepilot/internal/requestctx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type executeRequest struct {
	Tool         string                 `json:"tool"`
	Payload      map[string]interface{} `json:"payload"`
	SessionKey   string                 `json:"session_key"`
	MessageText  string                 `json:"message_text"`
	ConsentToken string                 `json:"consent_token"`
	Emergency    bool                   `json:"emergency"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = "api"
	}
	userID := requestctx.UserID(r.Context())
	ec := agent.ExecutionContext{
		UserID:       userID,
		SessionKey:   sessionKey,
		RequestID:    middleware.GetReqID(r.Context()),
		MessageText:  req.MessageText,
		Emergency:    req.Emergency,
		ConsentToken: req.ConsentToken,
	}

	res, err := s.executor.Execute(r.Context(), ec, req.Tool, req.Payload)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, "tool_not_found", err.Error())
			return
		}
		log.Error().Err(err).Str("user_id", userID).Str("tool", req.Tool).Msg("execute_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	status := http.StatusOK
	if res.Status == lifecycle.StateBlocked {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

type consentIssueRequest struct {
	ActionType string                 `json:"action_type"`
	Payload    map[string]interface{} `json:"payload"`
	TTLSeconds int                    `json:"ttl_seconds"`
}

func (s *Server) handleConsentIssue(w http.ResponseWriter, r *http.Request) {
	var req consentIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "action_type is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}
	hash, err := agent.CanonicalPayloadHash(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ttlSeconds := req.TTLSeconds
	if ttlSeconds <= 0 {
		ttlSeconds = s.engine.Policy().ConsentTTLSeconds()
	}
	userID := requestctx.UserID(r.Context())
	tok, err := s.consents.Issue(r.Context(), userID, req.ActionType, hash, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if err := s.audit.Append(r.Context(), &evidence.Event{
		UserID:    userID,
		EventType: evidence.TypeConsentIssued,
		ToolName:  req.ActionType,
		Details: map[string]interface{}{
			"token_id":     tok.ID,
			"payload_hash": hash,
			"expires_at":   tok.ExpiresAt,
		},
	}); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("audit_append_failed")
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":        tok.ID,
		"action_type":  tok.ActionType,
		"payload_hash": tok.PayloadHash,
		"expires_at":   tok.ExpiresAt,
	})
}

func (s *Server) handleActionsList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	records, err := s.actions.ListByUser(r.Context(), requestctx.UserID(r.Context()), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": records, "count": len(records)})
}

func (s *Server) handleActionGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.actions.Get(r.Context(), requestctx.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "id")
	// Ownership check before exposing history.
	if _, err := s.actions.Get(r.Context(), requestctx.UserID(r.Context()), actionID); err != nil {
		if errors.Is(err, lifecycle.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	history, err := s.actions.History(r.Context(), actionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"action_id": actionID, "transitions": history})
}

// handleProfile runs the decay sweep inline and returns the user's
// current clinical facts.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	view, err := s.clinical.Profile(r.Context(), requestctx.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type symptomRecordRequest struct {
	Symptom    string  `json:"symptom"`
	Severity   string  `json:"severity"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleSymptomRecord(w http.ResponseWriter, r *http.Request) {
	var req symptomRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Symptom == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "symptom is required")
		return
	}
	state, err := s.clinical.RecordSymptom(r.Context(), requestctx.UserID(r.Context()), clinical.SymptomInput{
		Symptom:    req.Symptom,
		Severity:   req.Severity,
		Source:     req.Source,
		Confidence: req.Confidence,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleSymptomConfirm(w http.ResponseWriter, r *http.Request) {
	state, err := s.clinical.ConfirmSymptom(r.Context(), requestctx.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, clinical.ErrSymptomNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "symptom not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSymptomResolve(w http.ResponseWriter, r *http.Request) {
	err := s.clinical.ResolveSymptom(r.Context(), requestctx.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, clinical.ErrSymptomNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "symptom not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": clinical.StatusResolved})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := s.audit.List(r.Context(), requestctx.UserID(r.Context()), r.URL.Query().Get("action_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.audit.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "audit event not found")
		return
	}
	if ev.UserID != "" && ev.UserID != requestctx.UserID(r.Context()) {
		writeError(w, http.StatusNotFound, "not_found", "audit event not found")
		return
	}
	ok, err := s.audit.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "signature_valid": ok})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	pol := s.engine.Policy()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":          pol.Agent.Name,
		"version":        pol.VersionTag,
		"allowed_tools":  pol.Tools.Allowed,
		"transactional":  pol.Tools.Transactional,
		"consent_ttl_s":  pol.ConsentTTLSeconds(),
		"emergency_gate": pol.Emergency.BlockTransactional,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
