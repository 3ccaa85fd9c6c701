// ABOUTME: JSON handlers for every control command: agents, monitor, config, history and logs.
// ABOUTME: Errors map to HTTP status codes by sentinel, never by message text.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/auth"
	"github.com/2389/mimic/internal/logging"
	"github.com/2389/mimic/internal/service"
	"github.com/2389/mimic/internal/session"
	"github.com/2389/mimic/internal/store"
)

const (
	defaultLogLines        = 100
	maxLogLines            = 5000
	defaultAssignmentLimit = 50
)

// AgentResponse is one row of GET /api/agents.
type AgentResponse struct {
	ID               string `json:"id"`
	Role             string `json:"role"`
	State            string `json:"state"`
	Status           string `json:"status"`
	AssignedIdentity string `json:"assigned_identity,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Username         string `json:"username,omitempty"`
	Nickname         string `json:"nickname,omitempty"`
	Phone            string `json:"phone,omitempty"`
	Listening        bool   `json:"listening,omitempty"`
}

// AssignmentResponse is one row of GET /api/assignments.
type AssignmentResponse struct {
	IdentityID string `json:"identity_id"`
	AgentID    string `json:"agent_id"`
	AssignedAt string `json:"assigned_at"`
	ReleasedAt string `json:"released_at,omitempty"`
}

// ClearAvatarsResponse is the body of POST /api/agents/avatars/clear.
type ClearAvatarsResponse struct {
	Cleared int `json:"cleared"`
}

// LogsResponse is the body of GET /api/logs.
type LogsResponse struct {
	Lines []string `json:"lines"`
}

// StatusResponse acknowledges commands that return nothing else.
type StatusResponse struct {
	Status string `json:"status"`
}

func (s *Server) registerRoutes(mux *http.ServeMux, verifier auth.TokenVerifier) {
	protect := auth.HTTPAuthMiddleware(verifier, s.logger)
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}

	mux.HandleFunc("GET /health", s.handleHealth)

	route("GET /api/agents", s.handleListAgents)
	route("POST /api/agents/login", s.reportHandler("login", s.commands.LoginAll))
	route("POST /api/agents/logout", s.reportHandler("logout", s.commands.LogoutAll))
	route("POST /api/agents/join", s.reportHandler("join", s.commands.JoinTarget))
	route("POST /api/agents/avatars/clear", s.handleClearAvatars)
	route("POST /api/monitor/login", s.reportHandler("monitor login", s.commands.LoginMonitor))
	route("POST /api/monitor/start", s.handleStartMonitoring)
	route("POST /api/monitor/stop", s.reportHandler("monitor stop", s.commands.StopMonitoring))
	route("POST /api/config/reload", s.handleReload)
	route("GET /api/assignments", s.handleAssignments)
	route("GET /api/logs", s.handleLogs)

	if verifier == nil {
		s.logger.Warn("control API auth disabled - no jwt_secret configured")
	} else {
		s.logger.Info("control API auth enabled")
	}
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleListAgents rescans the credential store and lists every agent.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	infos, err := s.commands.LoadAgents(r.Context())
	if err != nil {
		s.sendCommandError(w, r, "list agents", err)
		return
	}

	response := make([]AgentResponse, 0, len(infos))
	for _, info := range infos {
		response = append(response, AgentResponse{
			ID:               info.ID,
			Role:             string(info.Role),
			State:            info.State.String(),
			Status:           info.DisplayStatus,
			AssignedIdentity: info.AssignedIdentity,
			UserID:           info.UserID,
			Username:         info.Username,
			Nickname:         info.Nickname,
			Phone:            info.Phone,
			Listening:        info.Listening,
		})
	}
	s.sendJSON(w, http.StatusOK, response)
}

// reportHandler adapts a command returning a session report.
func (s *Server) reportHandler(name string, cmd func(context.Context) (session.Report, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := cmd(r.Context())
		if err != nil {
			s.sendCommandError(w, r, name, err)
			return
		}
		if report.Outcomes == nil {
			report.Outcomes = []session.Outcome{}
		}
		s.logger.Info("command finished", "command", name, "operator", auth.OperatorFromContext(r.Context()), "agents", len(report.Outcomes))
		s.sendJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleClearAvatars(w http.ResponseWriter, r *http.Request) {
	n, err := s.commands.ClearAvatars(r.Context())
	if err != nil {
		s.sendCommandError(w, r, "clear avatars", err)
		return
	}
	s.sendJSON(w, http.StatusOK, ClearAvatarsResponse{Cleared: n})
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.StartMonitoring(r.Context()); err != nil {
		s.sendCommandError(w, r, "monitor start", err)
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{Status: "monitoring"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.Reload(r.Context()); err != nil {
		s.sendCommandError(w, r, "reload", err)
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{Status: "reloaded"})
}

// handleAssignments lists assignment history, newest first. ?limit=N, 0 for all.
func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.intParam(w, r, "limit", defaultAssignmentLimit)
	if !ok {
		return
	}

	list, err := s.commands.Assignments(r.Context(), limit)
	if err != nil {
		s.sendCommandError(w, r, "assignments", err)
		return
	}

	response := make([]AssignmentResponse, 0, len(list))
	for _, a := range list {
		response = append(response, assignmentResponse(a))
	}
	s.sendJSON(w, http.StatusOK, response)
}

func assignmentResponse(a *store.Assignment) AssignmentResponse {
	resp := AssignmentResponse{
		IdentityID: a.IdentityID,
		AgentID:    a.AgentID,
		AssignedAt: a.AssignedAt.UTC().Format(time.RFC3339),
	}
	if a.ReleasedAt != nil {
		resp.ReleasedAt = a.ReleasedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// handleLogs returns the tail of the log file. ?lines=N, capped at maxLogLines.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n, ok := s.intParam(w, r, "lines", defaultLogLines)
	if !ok {
		return
	}
	n = min(n, maxLogLines)

	path, err := s.commands.LogFile(r.Context())
	if err != nil {
		s.sendCommandError(w, r, "logs", err)
		return
	}
	lines, err := logging.Tail(path, n)
	if err != nil {
		s.sendCommandError(w, r, "logs", err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	s.sendJSON(w, http.StatusOK, LogsResponse{Lines: lines})
}

func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.sendJSONError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// statusFor maps command errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoMonitor),
		errors.Is(err, logging.ErrNoLogFile):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyMonitoring),
		errors.Is(err, agent.ErrAgentOffline):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoSources):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, service.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendCommandError(w http.ResponseWriter, r *http.Request, command string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("command failed", "command", command, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Info("command rejected", "command", command, "status", status, "error", err)
	}
	s.sendJSONError(w, status, err.Error())
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
