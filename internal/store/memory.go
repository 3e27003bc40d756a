package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/util"
)

// InMemoryStore is a mutex-guarded Store kept entirely in memory. It is used
// by tests and by short-lived local runs; nothing survives a restart.
type InMemoryStore struct {
	mu sync.Mutex

	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	convInsights  map[string][]models.ConversationInsight
	userInsights  []*models.UserInsight
	users         map[string]*models.User
	usage         []models.UsageLedgerEntry
	jobs          map[string]*Job
	steps         map[string][]stepRecord
	outbox        map[string]*OutboxMessage
}

type stepRecord struct {
	name   string
	result string
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		convInsights:  make(map[string][]models.ConversationInsight),
		users:         make(map[string]*models.User),
		jobs:          make(map[string]*Job),
		steps:         make(map[string][]stepRecord),
		outbox:        make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) Close() error { return nil }

// --- Conversations ---

func (s *InMemoryStore) deactivateOthers(userID, keepID string) {
	for id, c := range s.conversations {
		if c.UserID == userID && id != keepID {
			c.IsActive = false
		}
	}
}

func (s *InMemoryStore) CreateConversation(_ context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = models.DefaultConversationTitle
	}
	if c.Phase == "" {
		c.Phase = models.PhaseOpening
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.IsActive {
		s.deactivateOthers(c.UserID, c.ID)
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, userID, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) userConversations(userID string, keep func(*models.Conversation) bool) []models.Conversation {
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID && keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func (s *InMemoryStore) ListConversations(_ context.Context, userID string, limit int) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := truncate(s.userConversations(userID, func(*models.Conversation) bool { return true }), limit)
	for i := range out {
		out[i].MessageCount = len(s.messages[out[i].ID])
	}
	return out, nil
}

func (s *InMemoryStore) ListSummarizedConversations(_ context.Context, userID string, limit int) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return truncate(s.userConversations(userID, (*models.Conversation).HasSummary), limit), nil
}

func (s *InMemoryStore) GetActiveConversation(_ context.Context, userID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.userConversations(userID, func(c *models.Conversation) bool { return c.IsActive })
	if len(active) == 0 {
		return nil, nil
	}
	return &active[0], nil
}

func (s *InMemoryStore) UpdateConversation(_ context.Context, userID, id string, upd models.ConversationUpdate) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return nil, ErrConversationNotFound
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Phase != nil {
		c.Phase = *upd.Phase
	}
	if upd.IsActive != nil {
		if *upd.IsActive {
			s.deactivateOthers(userID, id)
		}
		c.IsActive = *upd.IsActive
	}
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) SetConversationSummary(_ context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		v := summary
		c.Summary = &v
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) DeactivateConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok && c.IsActive {
		c.IsActive = false
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) DeactivateStaleConversations(_ context.Context, idleSince time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for _, c := range s.conversations {
		if c.IsActive && c.UpdatedAt.Before(idleSince) {
			c.IsActive = false
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, userID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.convInsights, id)
	return true, nil
}

func (s *InMemoryStore) CountConversations(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conversations {
		if c.UserID == userID {
			n++
		}
	}
	return n, nil
}

// --- Messages ---

func (s *InMemoryStore) appendMessage(m *models.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], *m)
	if c, ok := s.conversations[m.ConversationID]; ok {
		c.UpdatedAt = time.Now()
	}
}

func (s *InMemoryStore) AddMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendMessage(m)
	return nil
}

func (s *InMemoryStore) AddMessages(_ context.Context, conversationID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		msgs[i].ConversationID = conversationID
		s.appendMessage(&msgs[i])
	}
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return truncate(append([]models.Message(nil), s.messages[conversationID]...), limit), nil
}

func (s *InMemoryStore) CountMessages(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID]), nil
}

// --- Insights ---

func (s *InMemoryStore) AddConversationInsights(_ context.Context, insights []models.ConversationInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range insights {
		in := &insights[i]
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = time.Now()
		}
		s.convInsights[in.ConversationID] = append(s.convInsights[in.ConversationID], *in)
	}
	return nil
}

func (s *InMemoryStore) ListConversationInsights(_ context.Context, conversationID string) ([]models.ConversationInsight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConversationInsight(nil), s.convInsights[conversationID]...), nil
}

func (s *InMemoryStore) FindUserInsightContaining(_ context.Context, userID, fragment string) (*models.UserInsight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.userInsights {
		if in.UserID == userID && strings.Contains(in.Content, fragment) {
			cp := *in
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateUserInsight(_ context.Context, in *models.UserInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt, in.UpdatedAt = now, now
	cp := *in
	s.userInsights = append(s.userInsights, &cp)
	return nil
}

func (s *InMemoryStore) UpdateUserInsightConfidence(_ context.Context, id string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.userInsights {
		if in.ID == id {
			in.Confidence = confidence
			in.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *InMemoryStore) ListUserInsights(_ context.Context, userID string, minConfidence float64, limit int) ([]models.UserInsight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserInsight
	for _, in := range s.userInsights {
		if in.UserID == userID && in.Confidence >= minConfidence {
			out = append(out, *in)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return truncate(out, limit), nil
}

// --- Users ---

func (s *InMemoryStore) userCopy(u *models.User) *models.User {
	cp := *u
	for _, c := range s.conversations {
		if c.UserID == u.ID {
			cp.ConversationCount++
		}
	}
	return &cp
}

func (s *InMemoryStore) EnsureUser(_ context.Context, userID string, initialCredits int) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &models.User{ID: userID, Credits: initialCredits, CreatedAt: time.Now()}
		s.users[userID] = u
	}
	return s.userCopy(u), nil
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return s.userCopy(u), nil
}

func (s *InMemoryStore) UpdateUserName(_ context.Context, userID string, name *string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Name = name
	return s.userCopy(u), nil
}

func (s *InMemoryStore) GetCredits(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u.Credits, nil
	}
	return 0, nil
}

func (s *InMemoryStore) AddCredits(_ context.Context, userID string, credits int) (int, error) {
	if credits <= 0 {
		return 0, ErrInvalidCredits
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.Credits += credits
	return u.Credits, nil
}

func (s *InMemoryStore) SetProfileSummary(_ context.Context, userID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	v := summary
	u.ProfileSummary = &v
	return nil
}

// --- Ledger ---

func (s *InMemoryStore) DeductCredits(_ context.Context, entry models.UsageLedgerEntry) (DeductResult, error) {
	if entry.CreditsUsed <= 0 {
		return DeductResult{}, ErrInvalidCredits
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[entry.UserID]
	if !ok {
		return DeductResult{Status: DeductInsufficient}, nil
	}
	if entry.SettlementKey != "" {
		for _, e := range s.usage {
			if e.SettlementKey == entry.SettlementKey {
				return DeductResult{Status: DeductAlreadySettled, Remaining: u.Credits}, nil
			}
		}
	}
	if u.Credits < entry.CreditsUsed {
		return DeductResult{Status: DeductInsufficient, Remaining: u.Credits}, nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now()
	u.Credits -= entry.CreditsUsed
	s.usage = append(s.usage, entry)
	return DeductResult{Status: DeductApplied, Remaining: u.Credits, Entry: &entry}, nil
}

func (s *InMemoryStore) ListUsage(_ context.Context, userID string, limit int) ([]models.UsageLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UsageLedgerEntry
	for i := len(s.usage) - 1; i >= 0; i-- {
		if s.usage[i].UserID == userID {
			out = append(out, s.usage[i])
		}
	}
	return truncate(out, limit), nil
}

// --- Jobs ---

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	due = truncate(due, limit)

	out := make([]Job, 0, len(due))
	for _, j := range due {
		lockedAt := now
		j.Status = JobStatusRunning
		j.LockedAt = &lockedAt
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) setJob(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	fn(j)
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) (JobStatus, error) {
	var status JobStatus
	err := s.setJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
		} else {
			j.Status = JobStatusQueued
			j.RunAt = nextRunAt
		}
		status = j.Status
	})
	return status, err
}

func (s *InMemoryStore) AbandonJob(id string, errMsg string) error {
	return s.setJob(id, func(j *Job) {
		j.Attempt++
		j.Status = JobStatusFailed
		j.LastError = errMsg
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

// --- Steps ---

func (s *InMemoryStore) GetStepResult(jobID, step string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.steps[jobID] {
		if r.name == step {
			return r.result, true, nil
		}
	}
	return "", false, nil
}

func (s *InMemoryStore) SaveStepResult(jobID, step, resultJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.steps[jobID]
	for i := range records {
		if records[i].name == step {
			records[i].result = resultJSON
			return nil
		}
	}
	s.steps[jobID] = append(records, stepRecord{name: step, result: resultJSON})
	return nil
}

func (s *InMemoryStore) ListStepNames(jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, r := range s.steps[jobID] {
		names = append(names, r.name)
	}
	return names, nil
}

// --- Outbox ---

func (s *InMemoryStore) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		Recipient:   recipient,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].CreatedAt.Before(due[b].CreatedAt) })
	due = truncate(due, limit)

	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	next := nextAttemptAt
	m.NextAttemptAt = &next
	m.Status = OutboxStatusQueued
	if m.Attempts >= maxAttempts {
		m.Status = OutboxStatusFailed
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) GetOutboxMessage(id string) (*OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// ListOutboxMessages returns every outbox message, oldest first. Test helper.
func (s *InMemoryStore) ListOutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
