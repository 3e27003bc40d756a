// Package api provides HTTP handlers for Sage endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sagedialogue/sage/internal/lifecycle"
	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

const (
	// usageHistoryLimit caps the ledger entries returned by GET /api/credits.
	usageHistoryLimit = 50
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

// conversationEndHandler handles POST /api/conversation/end. It validates the
// request, queues a lifecycle run and returns without waiting for it.
func (s *Server) conversationEndHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conversationEndHandler: processing end request", "method", r.Method, "path", r.URL.Path)

	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.ConversationEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.conversationEndHandler: failed to decode JSON", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.conversationEndHandler: validation failed", "userID", userID,
			"conversationID", req.ConversationID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	jobID, err := lifecycle.Enqueue(s.st, lifecycle.NewEvent(userID, req))
	if err != nil {
		slog.Error("Server.conversationEndHandler: failed to queue run", "conversationID", req.ConversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to queue conversation: "+err.Error()))
		return
	}

	slog.Info("Server.conversationEndHandler: conversation queued", "conversationID", req.ConversationID,
		"userID", userID, "type", req.Type, "jobID", jobID)
	writeJSONResponse(w, http.StatusOK, models.ConversationEndResponse{
		Queued:         true,
		ConversationID: req.ConversationID,
		Type:           req.Type,
		JobID:          jobID,
	})
}

// listInsightsHandler handles GET /api/insights.
func (s *Server) listInsightsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	insights, err := s.st.ListUserInsights(r.Context(), userID, 0, 0)
	if err != nil {
		slog.Error("Server.listInsightsHandler: failed to list insights", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch insights"))
		return
	}
	if insights == nil {
		insights = []models.UserInsight{}
	}
	writeJSONResponse(w, http.StatusOK, insights)
}

// getProfileHandler handles GET /api/user/profile.
func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	user, err := s.st.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Server.getProfileHandler: failed to load user", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch profile"))
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	count, err := s.st.CountConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Server.getProfileHandler: failed to count conversations", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch profile"))
		return
	}
	user.ConversationCount = count
	writeJSONResponse(w, http.StatusOK, user)
}

// updateProfileHandler handles PUT /api/user/profile. A blank name clears it.
func (s *Server) updateProfileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.updateProfileHandler: failed to decode JSON", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var name *string
	if req.Name != nil {
		if trimmed := strings.TrimSpace(*req.Name); trimmed != "" {
			name = &trimmed
		}
	}
	user, err := s.st.UpdateUserName(r.Context(), userID, name)
	if err != nil {
		slog.Error("Server.updateProfileHandler: failed to update user", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update profile"))
		return
	}
	slog.Info("Server.updateProfileHandler: profile updated", "userID", userID)
	writeJSONResponse(w, http.StatusOK, user)
}

// creditsHandler handles GET /api/credits.
func (s *Server) creditsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	balance, err := s.st.GetCredits(r.Context(), userID)
	if err != nil {
		slog.Error("Server.creditsHandler: failed to read balance", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch credits"))
		return
	}
	usage, err := s.st.ListUsage(r.Context(), userID, usageHistoryLimit)
	if err != nil {
		slog.Error("Server.creditsHandler: failed to list usage", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch credits"))
		return
	}
	if usage == nil {
		usage = []models.UsageLedgerEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.CreditsResponse{Credits: balance, Usage: usage})
}

// jobStatusResponse describes one lifecycle run.
type jobStatusResponse struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Status         store.JobStatus `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastError      string          `json:"lastError,omitempty"`
	ConversationID string          `json:"conversationId"`
	Steps          []string        `json:"steps"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// jobStatusHandler handles GET /api/jobs/{id}. Runs of other users are
// reported as not found.
func (s *Server) jobStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	job, err := s.st.GetJob(id)
	if err != nil {
		slog.Error("Server.jobStatusHandler: failed to load job", "jobID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch job"))
		return
	}
	if job == nil || job.Kind != lifecycle.JobKind {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	ev, err := lifecycle.DecodeEvent(job.PayloadJSON)
	if err != nil || ev.UserID != userID {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}

	steps, err := s.st.ListStepNames(job.ID)
	if err != nil {
		slog.Error("Server.jobStatusHandler: failed to list steps", "jobID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch job"))
		return
	}
	if steps == nil {
		steps = []string{}
	}
	writeJSONResponse(w, http.StatusOK, jobStatusResponse{
		ID:             job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		Attempt:        job.Attempt,
		MaxAttempts:    job.MaxAttempts,
		LastError:      job.LastError,
		ConversationID: ev.ConversationID,
		Steps:          steps,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	})
}
