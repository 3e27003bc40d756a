// Package api provides conversation and message handlers for Sage endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

const (
	conversationListLimit = 50
	recentSummaryLimit    = 5
	contextMessageLimit   = 50
)

// listConversationsHandler handles GET /api/conversations
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	convs, err := s.st.ListConversations(r.Context(), userID, conversationListLimit)
	if err != nil {
		slog.Error("Server.listConversationsHandler: failed to list", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversations"))
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSONResponse(w, http.StatusOK, convs)
}

// createConversationHandler handles POST /api/conversations. The new
// conversation becomes the caller's only active one.
func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createConversationHandler: failed to decode JSON", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	conv := &models.Conversation{
		UserID:   userID,
		Title:    req.ResolveTitle(),
		Phase:    models.PhaseOpening,
		IsActive: true,
	}
	if err := s.st.CreateConversation(r.Context(), conv); err != nil {
		slog.Error("Server.createConversationHandler: failed to create", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create conversation"))
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "userID", userID, "conversationID", conv.ID)
	writeJSONResponse(w, http.StatusCreated, conv)
}

// ownedConversation loads a conversation of the caller, writing 404 when it
// does not exist or belongs to someone else.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request, userID string) (*models.Conversation, bool) {
	id := mux.Vars(r)["id"]
	conv, err := s.st.GetConversation(r.Context(), userID, id)
	if err != nil {
		slog.Error("Server.ownedConversation: lookup failed", "userID", userID, "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversation"))
		return nil, false
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return nil, false
	}
	return conv, true
}

// getConversationHandler handles GET /api/conversations/{id}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}

	msgs, err := s.st.ListMessages(r.Context(), conv.ID, 0)
	if err != nil {
		slog.Error("Server.getConversationHandler: failed to list messages", "conversationID", conv.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversation"))
		return
	}
	insights, err := s.st.ListConversationInsights(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Server.getConversationHandler: failed to list insights", "conversationID", conv.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, newConversationDetail(*conv, msgs, insights))
}

// updateConversationHandler handles PATCH /api/conversations/{id}
func (s *Server) updateConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	var upd models.ConversationUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		slog.Warn("Server.updateConversationHandler: failed to decode JSON", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := upd.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	conv, err := s.st.UpdateConversation(r.Context(), userID, id, upd)
	if errors.Is(err, store.ErrConversationNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server.updateConversationHandler: failed to update", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update conversation"))
		return
	}
	slog.Debug("Server.updateConversationHandler: conversation updated", "conversationID", id, "isActive", conv.IsActive)
	writeJSONResponse(w, http.StatusOK, conv)
}

// deleteConversationHandler handles DELETE /api/conversations/{id}
func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	deleted, err := s.st.DeleteConversation(r.Context(), userID, id)
	if err != nil {
		slog.Error("Server.deleteConversationHandler: failed to delete", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete conversation"))
		return
	}
	if !deleted {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	slog.Info("Server.deleteConversationHandler: conversation deleted", "userID", userID, "conversationID", id)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// listMessagesHandler handles GET /api/conversations/{id}/messages
func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}
	msgs, err := s.st.ListMessages(r.Context(), conv.ID, 0)
	if err != nil {
		slog.Error("Server.listMessagesHandler: failed to list", "conversationID", conv.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch messages"))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, msgs)
}

// addMessageHandler handles POST /api/conversations/{id}/messages. The first
// user message titles a conversation that still has the default title, and a
// dialogue phase on the message advances the conversation's phase.
func (s *Server) addMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.addMessageHandler: failed to decode JSON", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		Role:           req.Role,
		Content:        req.Content,
		Phase:          req.Phase,
		TokensUsed:     req.TokensUsed,
	}
	if msg.Phase == "" {
		msg.Phase = conv.Phase
	}
	if err := s.st.AddMessage(r.Context(), msg); err != nil {
		slog.Error("Server.addMessageHandler: failed to add message", "conversationID", conv.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to add message"))
		return
	}

	var upd models.ConversationUpdate
	if req.Role == models.RoleUser && conv.Title == models.DefaultConversationTitle {
		title := models.TitleFromMessage(req.Content)
		upd.Title = &title
	}
	if models.IsValidDialoguePhase(req.Phase) && req.Phase != conv.Phase {
		phase := req.Phase
		upd.Phase = &phase
	}
	if upd.Title != nil || upd.Phase != nil {
		if _, err := s.st.UpdateConversation(r.Context(), userID, conv.ID, upd); err != nil {
			// Title and phase are best effort once the message is stored.
			slog.Warn("Server.addMessageHandler: failed to update conversation", "conversationID", conv.ID, "error", err)
		}
	}

	writeJSONResponse(w, http.StatusCreated, msg)
}

// conversationContextHandler handles GET /api/conversations/context: what a
// new session is primed with.
func (s *Server) conversationContextHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	recent, err := s.st.ListSummarizedConversations(ctx, userID, recentSummaryLimit)
	if err != nil {
		slog.Error("Server.conversationContextHandler: failed to list summaries", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch context"))
		return
	}
	if recent == nil {
		recent = []models.Conversation{}
	}
	user, err := s.st.GetUser(ctx, userID)
	if err != nil {
		slog.Error("Server.conversationContextHandler: failed to load user", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch context"))
		return
	}

	out := models.SessionContext{RecentSummaries: recent}
	if user != nil && user.ProfileSummary != nil && *user.ProfileSummary != "" {
		out.ProfileSummary = user.ProfileSummary
	}

	active, err := s.st.GetActiveConversation(ctx, userID)
	if err != nil {
		slog.Error("Server.conversationContextHandler: failed to load active conversation", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch context"))
		return
	}
	if active != nil {
		msgs, err := s.st.ListMessages(ctx, active.ID, contextMessageLimit)
		if err != nil {
			slog.Error("Server.conversationContextHandler: failed to list messages", "conversationID", active.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch context"))
			return
		}
		detail := newConversationDetail(*active, msgs, nil)
		out.ActiveConversation = &detail
	}
	writeJSONResponse(w, http.StatusOK, out)
}

func newConversationDetail(conv models.Conversation, msgs []models.Message, insights []models.ConversationInsight) models.ConversationDetail {
	if msgs == nil {
		msgs = []models.Message{}
	}
	if insights == nil {
		insights = []models.ConversationInsight{}
	}
	return models.ConversationDetail{Conversation: conv, Messages: msgs, Insights: insights}
}
