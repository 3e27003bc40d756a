package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sagedialogue/sage/internal/models"
)

// UserIDHeader is the trusted header the upstream auth proxy sets.
const UserIDHeader = "X-User-ID"

// UserIDProvider resolves the authenticated caller of a request.
type UserIDProvider interface {
	UserID(r *http.Request) (string, bool)
}

// HeaderUserIDProvider reads the caller from a request header set by a
// trusted proxy. An empty Header means UserIDHeader.
type HeaderUserIDProvider struct {
	Header string
}

// UserID implements UserIDProvider.
func (p HeaderUserIDProvider) UserID(r *http.Request) (string, bool) {
	header := p.Header
	if header == "" {
		header = UserIDHeader
	}
	id := strings.TrimSpace(r.Header.Get(header))
	return id, id != ""
}

// authenticate resolves the caller and makes sure the account exists. It
// writes the error response and returns false when the request cannot proceed.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := s.users.UserID(r)
	if !ok {
		slog.Warn("Server.authenticate: unauthenticated request", "method", r.Method, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Authentication required"))
		return "", false
	}
	if _, err := s.st.EnsureUser(r.Context(), userID, s.initialCredits); err != nil {
		slog.Error("Server.authenticate: failed to ensure user", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load user"))
		return "", false
	}
	return userID, true
}
