package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MikeSquared-Agency/compass/internal/auth"
	"github.com/MikeSquared-Agency/compass/internal/conversation"
	"github.com/MikeSquared-Agency/compass/internal/voiceflow"
)

// InteractRequest is the body of POST /api/v1/conversation/interact.
type InteractRequest struct {
	SessionID string          `json:"sessionId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Action    json.RawMessage `json:"action,omitempty"`
}

type errorResponse struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	Remediation []string `json:"remediation,omitempty"`
	Status      int      `json:"upstreamStatus,omitempty"`
	Detail      string   `json:"detail,omitempty"`
}

// upstreamCtx detaches outbound agent calls from client disconnects.
func upstreamCtx(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// initSession handles POST /api/v1/conversation/session
func (s *Server) initSession(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	prior := s.cookie.Read(r)

	res, err := s.conv.Initialize(upstreamCtx(r), owner, prior)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cookie.Set(w, res.SessionID)
	writeJSON(w, http.StatusOK, res)
}

// interact handles POST /api/v1/conversation/interact
func (s *Server) interact(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	if owner == "" {
		s.writeError(w, conversation.ErrUnauthenticated)
		return
	}

	var req InteractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.cookie.Read(r)
	}

	res, err := s.conv.Submit(upstreamCtx(r), owner, sessionID, conversation.Input{
		Message: req.Message,
		Action:  req.Action,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// state handles GET /api/v1/conversation/state
func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	raw, err := s.conv.State(upstreamCtx(r), owner, s.sessionID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// deleteSession handles DELETE /api/v1/conversation/session. The session
// cookie is cleared once the local entry is gone, including when only the
// remote teardown failed.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	if owner == "" {
		s.writeError(w, conversation.ErrUnauthenticated)
		return
	}

	err := s.conv.Delete(upstreamCtx(r), owner, s.sessionID(r))
	if err == nil || remoteOnly(err) {
		s.cookie.Clear(w)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// remoteOnly reports whether a Delete error came from the agent service
// after the local session was already removed.
func remoteOnly(err error) bool {
	var (
		cfgErr *voiceflow.ConfigError
		upErr  *conversation.UpstreamError
		tErr   *conversation.TransportError
	)
	return errors.As(err, &cfgErr) || errors.As(err, &upErr) || errors.As(err, &tErr)
}

func (s *Server) sessionID(r *http.Request) string {
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return s.cookie.Read(r)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		cfgErr *voiceflow.ConfigError
		upErr  *conversation.UpstreamError
		tErr   *conversation.TransportError
	)

	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required", Code: "unauthenticated"})
	case conversation.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found", Code: "session_not_found"})
	case errors.Is(err, conversation.ErrOwnershipViolation):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "session does not belong to caller", Code: "ownership_violation"})
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:       "conversation service is not configured",
			Code:        string(cfgErr.Reason),
			Remediation: cfgErr.Remediation,
		})
	case errors.As(err, &upErr):
		resp := errorResponse{Error: "conversation service error", Code: "upstream_error", Status: upErr.Status}
		if upErr.Status == http.StatusTooManyRequests {
			resp.Error = "conversation service is busy, try again shortly"
		}
		if !s.production {
			resp.Detail = string(upErr.Body)
		}
		writeJSON(w, upstreamStatus(upErr.Status), resp)
	case errors.As(err, &tErr):
		resp := errorResponse{Error: "conversation service unreachable", Code: "transport_failure"}
		if !s.production {
			resp.Detail = tErr.Err.Error()
		}
		writeJSON(w, http.StatusBadGateway, resp)
	case errors.Is(err, conversation.ErrMalformedUpstream):
		resp := errorResponse{Error: "conversation service returned an unexpected response", Code: "upstream_error"}
		if !s.production {
			resp.Detail = err.Error()
		}
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		s.logger.Error("conversation request failed", "error", err)
		resp := errorResponse{Error: "internal error", Code: "internal"}
		if !s.production {
			resp.Detail = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

// upstreamStatus forwards agent-service error codes. 401 and 403 concern
// compass's own credential, not the caller, so they become 502 like any
// other non-error status.
func upstreamStatus(status int) int {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return http.StatusBadGateway
	case status >= 400 && status <= 599:
		return status
	}
	return http.StatusBadGateway
}
