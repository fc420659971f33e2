package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openomy/issue-analysis/internal/application"
	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	orchestrator *application.Orchestrator
	repoStore    driven.RepoStore
	logger       *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	orchestrator *application.Orchestrator,
	repoStore driven.RepoStore,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		repoStore:    repoStore,
		logger:       logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/batch-classification", h.BatchCommand)
	mux.HandleFunc("POST /api/v1/batch-classification/dedupe", h.Dedupe)
	mux.HandleFunc("GET /api/v1/runs/{owner}/{repo}", h.GetRun)
	mux.HandleFunc("GET /api/v1/repos", h.ListRepos)
	mux.HandleFunc("POST /api/v1/repos", h.AddRepo)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}", h.GetRepo)
	mux.HandleFunc("DELETE /api/v1/repos/{owner}/{repo}", h.RemoveRepo)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// BatchCommand executes one control action (start, status, cancel, pause,
// resume or retry) against the run of the requested repository.
func (h *Handler) BatchCommand(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runKey := req.Key()
	if runKey == "" {
		writeError(w, http.StatusBadRequest, "runKey is required")
		return
	}
	if !isValidRepoName(runKey) {
		writeError(w, http.StatusBadRequest, "invalid repository name: expected owner/repo format")
		return
	}

	action := model.Action(req.Action)
	if !action.Valid() {
		writeError(w, http.StatusBadRequest, "invalid action: use start, status, cancel, pause, resume or retry")
		return
	}

	switch action {
	case model.ActionStart:
		h.start(w, r, runKey)
	case model.ActionStatus:
		h.status(w, r, runKey)
	default:
		res, err := h.orchestrator.Execute(r.Context(), runKey, action)
		if err != nil {
			h.writeServiceError(w, err, "failed to execute control action", "repo", runKey, "action", action)
			return
		}
		writeJSON(w, http.StatusOK, toControlResponse(res))
	}
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, runKey string) {
	res, err := h.orchestrator.Start(r.Context(), runKey)
	if err != nil {
		h.writeServiceError(w, err, "failed to start batch classification", "repo", runKey)
		return
	}

	writeJSON(w, http.StatusOK, toStartResponse(res))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, runKey string) {
	report, err := h.orchestrator.Status(r.Context(), runKey)
	if err != nil {
		h.writeServiceError(w, err, "failed to read run status", "repo", runKey)
		return
	}

	if report.Status.State == model.RunStateNotStarted {
		writeJSON(w, http.StatusOK, NotStartedResponse{
			Status:  model.RunStateNotStarted,
			Message: "no batch classification found for this repository",
		})
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		RunStatus:      report.Status,
		RemainingCount: report.RemainingCount,
	})
}

// GetRun returns the reconciled status of the run of owner/repo.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runKey := r.PathValue("owner") + "/" + r.PathValue("repo")
	if !isValidRepoName(runKey) {
		writeError(w, http.StatusBadRequest, "invalid repository name: expected owner/repo format")
		return
	}

	h.status(w, r, runKey)
}

// Dedupe removes repeated items from the queue of a run.
func (h *Handler) Dedupe(w http.ResponseWriter, r *http.Request) {
	var req DedupeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runKey := BatchRequest{RunKey: req.RunKey, Repo: req.Repo}.Key()
	if !isValidRepoName(runKey) {
		writeError(w, http.StatusBadRequest, "runKey is required in owner/repo format")
		return
	}

	res, err := h.orchestrator.Dedupe(r.Context(), runKey)
	if err != nil {
		h.writeServiceError(w, err, "failed to deduplicate queue", "repo", runKey)
		return
	}

	msg := "queue has no duplicates"
	switch {
	case res.Removed > 0:
		msg = "duplicate queue entries removed"
	case res.Malformed > 0:
		msg = "malformed queue entries removed"
	}

	writeJSON(w, http.StatusOK, DedupeResponse{
		Message:   msg,
		Removed:   res.Removed,
		Malformed: res.Malformed,
		Remaining: res.Remaining,
	})
}

// ListRepos returns all watched repositories.
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repoStore.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list repos", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RepoResponse, 0, len(repos))
	for _, repo := range repos {
		resp = append(resp, toRepoResponse(repo))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetRepo returns one watched repository.
func (h *Handler) GetRepo(w http.ResponseWriter, r *http.Request) {
	fullName := r.PathValue("owner") + "/" + r.PathValue("repo")

	repo, err := h.repoStore.GetByFullName(r.Context(), fullName)
	if err != nil {
		h.logger.Error("failed to get repo", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if repo == nil {
		writeError(w, http.StatusNotFound, "repository not found")
		return
	}

	writeJSON(w, http.StatusOK, toRepoResponse(*repo))
}

// AddRepo adds a repository to the watch list. Scheduled runs pick it up on
// their next tick.
func (h *Handler) AddRepo(w http.ResponseWriter, r *http.Request) {
	var req AddRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !isValidRepoName(req.FullName) {
		writeError(w, http.StatusBadRequest, "invalid repository name: expected owner/repo format")
		return
	}

	parts := strings.SplitN(req.FullName, "/", 2)
	repo := model.Repository{
		FullName: req.FullName,
		Owner:    parts[0],
		Name:     parts[1],
		AddedAt:  time.Now().UTC(),
	}

	if err := h.repoStore.Add(r.Context(), repo); err != nil {
		if errors.Is(err, driven.ErrRepoAlreadyExists) {
			writeError(w, http.StatusConflict, "repository already exists")
			return
		}
		h.logger.Error("failed to add repo", "repo", req.FullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, toRepoResponse(repo))
}

// RemoveRepo removes a repository from the watch list.
func (h *Handler) RemoveRepo(w http.ResponseWriter, r *http.Request) {
	fullName := r.PathValue("owner") + "/" + r.PathValue("repo")

	if err := h.repoStore.Remove(r.Context(), fullName); err != nil {
		if errors.Is(err, driven.ErrRepoNotFound) {
			writeError(w, http.StatusNotFound, "repository not found")
			return
		}
		h.logger.Error("failed to remove repo", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeServiceError maps orchestrator errors to HTTP status codes. Unexpected
// errors are logged with args and reported as 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, application.ErrRunConflict):
		writeError(w, http.StatusConflict, "batch classification is already running for this repository")
	case errors.Is(err, application.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "no batch classification found for this repository")
	case errors.Is(err, application.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, application.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, "invalid action: use start, status, cancel, pause, resume or retry")
	default:
		h.logger.Error(msg, append(args, "error", err)...)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// isValidRepoName validates that name is in owner/repo format where each part
// contains only alphanumeric characters, hyphens, dots, or underscores.
func isValidRepoName(name string) bool {
	parts := strings.SplitN(name, "/", 3)
	if len(parts) != 2 {
		return false
	}

	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, ch := range part {
			if !isValidRepoChar(ch) {
				return false
			}
		}
	}

	return true
}

// isValidRepoChar returns true if the rune is allowed in a repository owner or name.
func isValidRepoChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_'
}
