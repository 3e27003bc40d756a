package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/lifecycle"
	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewServer(st, opts...), st
}

func doRequest(t *testing.T, s *Server, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func queuedJobs(t *testing.T, st *store.InMemoryStore) []store.Job {
	t.Helper()
	jobs, err := st.ClaimDueJobs(time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	return jobs
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[models.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestConversationEnd_RequiresAuthenticationFirst(t *testing.T) {
	s, st := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/conversation/end", "", "{not json")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authentication required", decodeBody[models.ErrorResponse](t, rec).Error)
	assert.Empty(t, queuedJobs(t, st))
}

func TestConversationEnd_InvalidJSON(t *testing.T) {
	s, st := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/conversation/end", "u1", "{not json")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON format", decodeBody[models.ErrorResponse](t, rec).Error)
	assert.Empty(t, queuedJobs(t, st))
}

func TestConversationEnd_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    map[string]interface{}
		wantErr string
	}{
		{"missing conversation id", map[string]interface{}{"type": "text"}, models.ErrMissingConversationID.Error()},
		{"missing type", map[string]interface{}{"conversationId": "c1"}, models.ErrInvalidConversationType.Error()},
		{"bad type", map[string]interface{}{"conversationId": "c1", "type": "fax"}, models.ErrInvalidConversationType.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st := newTestServer(t)

			rec := doRequest(t, s, http.MethodPost, "/api/conversation/end", "u1", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantErr, decodeBody[models.ErrorResponse](t, rec).Error)
			assert.Empty(t, queuedJobs(t, st), "invalid requests must never be enqueued")
		})
	}
}

func TestConversationEnd_QueuesVoiceRun(t *testing.T) {
	s, st := newTestServer(t)
	body := models.ConversationEndRequest{
		ConversationID: "c1",
		Type:           models.ConversationTypeVoice,
		Transcript: []models.TranscriptEntry{
			{Role: models.RoleUser, Content: "I keep procrastinating."},
			{Role: models.RoleAssistant, Content: "What happens right before you put it off?"},
		},
	}

	rec := doRequest(t, s, http.MethodPost, "/api/conversation/end", "u1", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[models.ConversationEndResponse](t, rec)
	assert.True(t, resp.Queued)
	assert.Equal(t, "c1", resp.ConversationID)
	assert.Equal(t, models.ConversationTypeVoice, resp.Type)
	require.NotEmpty(t, resp.JobID)

	job, err := st.GetJob(resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, lifecycle.JobKind, job.Kind)
	ev, err := lifecycle.DecodeEvent(job.PayloadJSON)
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.UserID)
	assert.Len(t, ev.Transcript, 2)

	user, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, user, "first request bootstraps the user")
	assert.Equal(t, credits.FreeCredits, user.Credits)
}

func TestConversationEnd_DuplicateTriggerReturnsSameRun(t *testing.T) {
	s, _ := newTestServer(t)
	body := map[string]string{"conversationId": "c1", "type": "text"}

	first := decodeBody[models.ConversationEndResponse](t, doRequest(t, s, http.MethodPost, "/api/conversation/end", "u1", body))
	second := decodeBody[models.ConversationEndResponse](t, doRequest(t, s, http.MethodPost, "/api/conversation/end", "u1", body))

	assert.Equal(t, first.JobID, second.JobID)
}

type failingJobStore struct {
	*store.InMemoryStore
}

func (failingJobStore) EnqueueJob(string, time.Time, string, string) (string, error) {
	return "", errors.New("database unavailable")
}

func TestConversationEnd_EnqueueFailure(t *testing.T) {
	st := failingJobStore{store.NewInMemoryStore()}
	s := NewServer(st)

	rec := doRequest(t, s, http.MethodPost, "/api/conversation/end", "u1",
		map[string]string{"conversationId": "c1", "type": "text"})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	msg := decodeBody[models.ErrorResponse](t, rec).Error
	assert.True(t, strings.HasPrefix(msg, "Failed to queue conversation: "), msg)
	assert.Contains(t, msg, "database unavailable")
}

func TestCustomUserIDProvider(t *testing.T) {
	s, _ := newTestServer(t, WithUserIDProvider(HeaderUserIDProvider{Header: "X-Auth-User"}))

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	req.Header.Set("X-Auth-User", "u1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/credits", "u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "default header is ignored")
}

func TestCreditsHandler(t *testing.T) {
	s, st := newTestServer(t, WithInitialCredits(200))
	ctx := context.Background()
	_, err := st.EnsureUser(ctx, "u1", 200)
	require.NoError(t, err)
	res, err := st.DeductCredits(ctx, models.UsageLedgerEntry{
		UserID: "u1", Type: models.UsageChat, TokensUsed: 120, CreditsUsed: 12, ConversationID: "c1",
	})
	require.NoError(t, err)
	require.Equal(t, store.DeductApplied, res.Status)

	rec := doRequest(t, s, http.MethodGet, "/api/credits", "u1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[models.CreditsResponse](t, rec)
	assert.Equal(t, 188, resp.Credits)
	require.Len(t, resp.Usage, 1)
	assert.Equal(t, 12, resp.Usage[0].CreditsUsed)
}

func TestCreditsHandler_NewUserGetsFreeCredits(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/credits", "fresh", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[models.CreditsResponse](t, rec)
	assert.Equal(t, credits.FreeCredits, resp.Credits)
	assert.NotNil(t, resp.Usage)
	assert.Empty(t, resp.Usage)
}

func TestProfileHandlers(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.CreateConversation(ctx, &models.Conversation{UserID: "u1", Title: "one"}))
	require.NoError(t, st.CreateConversation(ctx, &models.Conversation{UserID: "u1", Title: "two"}))

	rec := doRequest(t, s, http.MethodGet, "/api/user/profile", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decodeBody[models.User](t, rec)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, 2, user.ConversationCount)
	assert.Nil(t, user.Name)

	rec = doRequest(t, s, http.MethodPut, "/api/user/profile", "u1", map[string]string{"name": "  Ada  "})
	require.Equal(t, http.StatusOK, rec.Code)
	user = decodeBody[models.User](t, rec)
	require.NotNil(t, user.Name)
	assert.Equal(t, "Ada", *user.Name)

	rec = doRequest(t, s, http.MethodPut, "/api/user/profile", "u1", map[string]string{"name": "   "})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody[models.User](t, rec).Name, "blank name clears it")

	rec = doRequest(t, s, http.MethodPut, "/api/user/profile", "u1", map[string]string{"name": strings.Repeat("x", models.MaxUserNameLength+1)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListInsightsHandler(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.CreateUserInsight(ctx, &models.UserInsight{UserID: "u1", Content: "low", Category: models.CategoryGoal, Confidence: 0.2}))
	require.NoError(t, st.CreateUserInsight(ctx, &models.UserInsight{UserID: "u1", Content: "high", Category: models.CategoryPattern, Confidence: 0.9}))
	require.NoError(t, st.CreateUserInsight(ctx, &models.UserInsight{UserID: "u2", Content: "other", Category: models.CategoryPattern, Confidence: 0.9}))

	rec := doRequest(t, s, http.MethodGet, "/api/insights", "u1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	insights := decodeBody[[]models.UserInsight](t, rec)
	require.Len(t, insights, 2)
	assert.Equal(t, "high", insights[0].Content)
	assert.Equal(t, "low", insights[1].Content)
}

func TestJobStatusHandler(t *testing.T) {
	s, st := newTestServer(t)
	queued := decodeBody[models.ConversationEndResponse](t, doRequest(t, s, http.MethodPost, "/api/conversation/end", "u1",
		map[string]string{"conversationId": "c1", "type": "text"}))
	require.NoError(t, st.SaveStepResult(queued.JobID, lifecycle.StepSaveMessages, `{}`))

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+queued.JobID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[jobStatusResponse](t, rec)
	assert.Equal(t, store.JobStatusQueued, resp.Status)
	assert.Equal(t, "c1", resp.ConversationID)
	assert.Equal(t, []string{lifecycle.StepSaveMessages}, resp.Steps)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+queued.JobID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "runs of other users are hidden")

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/job_missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouting_MethodNotAllowedAndNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/conversation/end", "u1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", decodeBody[models.ErrorResponse](t, rec).Error)

	rec = doRequest(t, s, http.MethodGet, "/api/nothing-here", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeBody[models.ErrorResponse](t, rec).Error)
}

func TestRequestLogMiddleware_KeepsIncomingRequestID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(RequestIDHeader, "req_fixed")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req_fixed", rec.Header().Get(RequestIDHeader))
}

func TestWriteJSONResponse_MarshalFailureFallsBack(t *testing.T) {
	rec := httptest.NewRecorder()

	writeJSONResponse(rec, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(fallbackErrorResponse), rec.Body.String())
}

func TestServerRun_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, WithAddr("127.0.0.1:0"), WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
