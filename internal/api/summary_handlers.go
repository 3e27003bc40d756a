package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/lifecycle"
	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
	"github.com/sagedialogue/sage/internal/summarize"
)

// summarizeResponse is returned by POST /api/conversations/{id}/summarize.
type summarizeResponse struct {
	Summary      string                  `json:"summary"`
	Insights     []summarize.Insight     `json:"insights"`
	UserPatterns []summarize.UserPattern `json:"userPatterns"`
	CreditsUsed  int                     `json:"creditsUsed"`
}

// insightsResponse is returned by POST /api/insights.
type insightsResponse struct {
	summarize.Reflection
	CreditsUsed int `json:"creditsUsed"`
}

func chargedModel(model string) string {
	if model == "" {
		return genai.DefaultModel
	}
	return model
}

// summarizeConversationHandler handles POST /api/conversations/{id}/summarize.
// It summarizes the conversation synchronously, stores the result as a
// lifecycle run would, and charges the caller as chat usage. The conversation
// stays open.
func (s *Server) summarizeConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if err := s.ledger.Require(r.Context(), userID, credits.SummaryMinCredits); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			writeJSONResponse(w, http.StatusPaymentRequired, models.Error("Insufficient credits for generating summary"))
			return
		}
		slog.Error("Server.summarizeConversationHandler: failed to read credits", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to summarize conversation"))
		return
	}

	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}

	res, err := s.summarizer.Summarize(r.Context(), userID, conv.ID)
	switch {
	case errors.Is(err, genai.ErrMissingAPIKey):
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Summarization API key not configured"))
		return
	case err != nil:
		slog.Error("Server.summarizeConversationHandler: summarization failed", "conversationID", conv.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to summarize: "+err.Error()))
		return
	case res.Skipped && res.Reason == summarize.ReasonInsufficientCredits:
		writeJSONResponse(w, http.StatusPaymentRequired, models.Error("Insufficient credits for generating summary"))
		return
	case res.Skipped:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Not enough messages to summarize"))
		return
	}

	if _, err := lifecycle.SaveSummary(r.Context(), s.st, userID, conv.ID, res); err != nil {
		slog.Error("Server.summarizeConversationHandler: failed to save summary", "conversationID", conv.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to summarize: "+err.Error()))
		return
	}

	deduct, err := s.ledger.Settle(r.Context(), credits.Charge{
		UserID:         userID,
		ConversationID: conv.ID,
		Type:           models.UsageChat,
		TokensUsed:     res.TokensUsed,
		CreditsUsed:    res.CreditsUsed,
		ModelID:        chargedModel(res.Model),
	})
	if err != nil {
		slog.Error("Server.summarizeConversationHandler: failed to settle charge", "conversationID", conv.ID, "error", err)
	}

	out := summarizeResponse{Summary: res.Summary, Insights: res.Insights, UserPatterns: res.UserPatterns}
	if deduct.Status == store.DeductApplied {
		out.CreditsUsed = res.CreditsUsed
	}
	writeJSONResponse(w, http.StatusOK, out)
}

// transcriptInsightsHandler handles POST /api/insights. It extracts the
// takeaways of a transcript the client has not persisted and charges the
// caller as voice usage.
func (s *Server) transcriptInsightsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.InsightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.transcriptInsightsHandler: failed to decode JSON", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res, err := s.summarizer.Reflect(r.Context(), userID, req.Transcript)
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		writeJSONResponse(w, http.StatusPaymentRequired, models.Error("Insufficient credits for generating insights"))
		return
	case errors.Is(err, genai.ErrMissingAPIKey):
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Summarization API key not configured"))
		return
	case err != nil:
		slog.Error("Server.transcriptInsightsHandler: insights failed", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate insights: "+err.Error()))
		return
	}

	deduct, err := s.ledger.Settle(r.Context(), credits.Charge{
		UserID:      userID,
		Type:        models.UsageVoice,
		TokensUsed:  res.TokensUsed,
		CreditsUsed: res.CreditsUsed,
		ModelID:     chargedModel(res.Model),
	})
	if err != nil {
		slog.Error("Server.transcriptInsightsHandler: failed to settle charge", "userID", userID, "error", err)
	}

	out := insightsResponse{Reflection: res.Reflection}
	if deduct.Status == store.DeductApplied {
		out.CreditsUsed = res.CreditsUsed
	}
	writeJSONResponse(w, http.StatusOK, out)
}
