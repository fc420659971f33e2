package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openomy/issue-analysis/internal/application"
	"github.com/openomy/issue-analysis/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// BatchRequest is the JSON body of the batch classification command endpoint.
// Repo is accepted as an alias of RunKey.
type BatchRequest struct {
	RunKey string `json:"runKey"`
	Repo   string `json:"repo"`
	Action string `json:"action"`
}

// Key returns the run key of the request.
func (r BatchRequest) Key() string {
	if r.RunKey != "" {
		return r.RunKey
	}
	return r.Repo
}

// StartResponse is the JSON body returned by the start action.
type StartResponse struct {
	Message                string `json:"message"`
	RunID                  string `json:"runId,omitempty"`
	TotalCount             int    `json:"totalCount"`
	QueueLength            int    `json:"queueLength"`
	OriginalTotalCount     int    `json:"originalTotalCount"`
	AlreadyClassifiedCount int    `json:"alreadyClassifiedCount"`
	Concurrency            int    `json:"concurrency"`
}

// StatusResponse is the stored run status plus the live queue length.
type StatusResponse struct {
	model.RunStatus
	RemainingCount int `json:"remainingCount"`
}

// NotStartedResponse is returned by status when no run exists for the key.
type NotStartedResponse struct {
	Status  model.RunState `json:"status"`
	Message string         `json:"message"`
}

// ControlResponse is the JSON body returned by cancel, pause, resume and retry.
type ControlResponse struct {
	Message        string         `json:"message"`
	Action         model.Action   `json:"action"`
	State          model.RunState `json:"status"`
	TotalCount     int            `json:"totalCount"`
	ProcessedCount int            `json:"processedCount"`
	SuccessCount   int            `json:"successCount"`
	ErrorCount     int            `json:"errorCount"`
	RemainingCount int            `json:"remainingCount"`
	RetriedCount   int            `json:"retriedCount,omitempty"`
}

// DedupeRequest is the JSON body of the dedupe endpoint.
type DedupeRequest struct {
	RunKey string `json:"runKey"`
	Repo   string `json:"repo"`
}

// DedupeResponse reports how many queue entries a dedupe removed.
type DedupeResponse struct {
	Message   string `json:"message"`
	Removed   int    `json:"removed"`
	Malformed int    `json:"malformed,omitempty"`
	Remaining int    `json:"remaining"`
}

// RepoResponse is the JSON representation of a watched repository.
type RepoResponse struct {
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	AddedAt  string `json:"added_at"`
}

// HealthResponse is the JSON body of the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// AddRepoRequest is the JSON body for the add repository endpoint.
type AddRepoRequest struct {
	FullName string `json:"full_name"`
}

func toStartResponse(res *application.StartResult) StartResponse {
	msg := "batch classification started"
	if res.NothingToDo {
		msg = "no items"
	}

	return StartResponse{
		Message:                msg,
		RunID:                  res.RunID,
		TotalCount:             res.TotalCount,
		QueueLength:            res.QueueLength,
		OriginalTotalCount:     res.OriginalTotalCount,
		AlreadyClassifiedCount: res.AlreadyClassifiedCount,
		Concurrency:            res.Concurrency,
	}
}

func toControlResponse(res *application.ControlResult) ControlResponse {
	var msg string
	switch res.Action {
	case model.ActionCancel:
		msg = "batch classification cancelled"
	case model.ActionPause:
		msg = "batch classification paused"
	case model.ActionResume:
		msg = "batch classification resumed"
	case model.ActionRetry:
		msg = "failed items re-queued"
		if res.RetriedCount == 0 {
			msg = "no failed items to retry"
		}
	}

	return ControlResponse{
		Message:        msg,
		Action:         res.Action,
		State:          res.State,
		TotalCount:     res.TotalCount,
		ProcessedCount: res.ProcessedCount,
		SuccessCount:   res.SuccessCount,
		ErrorCount:     res.ErrorCount,
		RemainingCount: res.RemainingCount,
		RetriedCount:   res.RetriedCount,
	}
}

// toRepoResponse converts a domain Repository to its JSON response representation.
func toRepoResponse(repo model.Repository) RepoResponse {
	return RepoResponse{
		FullName: repo.FullName,
		Owner:    repo.Owner,
		Name:     repo.Name,
		AddedAt:  repo.AddedAt.UTC().Format(time.RFC3339),
	}
}
