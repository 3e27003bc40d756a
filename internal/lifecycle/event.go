// Package lifecycle runs the conversation-lifecycle pipeline: when a
// conversation ends its transcript is persisted, summarized, mined for
// insights, folded into the user profile and finally settled.
//
// Each run is one durable job. Steps are checkpointed per job so a retried
// run resumes after its last completed step instead of repeating side effects.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

// JobKind is the job kind of a conversation-ended run.
const JobKind = "conversation_ended"

// Step names, in execution order.
const (
	StepSaveMessages      = "save-messages"
	StepGenerateSummary   = "generate-summary"
	StepMarkInactiveEarly = "mark-inactive-early"
	StepSaveInsights      = "save-insights"
	StepUpdateProfile     = "update-profile"
	StepFinalize          = "finalize"
	StepFallbackFinalize  = "fallback-finalize"
)

// Event is the payload of a conversation-ended run.
type Event struct {
	ConversationID string                   `json:"conversation_id"`
	UserID         string                   `json:"user_id"`
	Type           models.ConversationType  `json:"type"`
	Transcript     []models.TranscriptEntry `json:"transcript,omitempty"`
}

// DedupeKey is the job dedupe key of ev. While a run with the same key is
// queued or running, enqueuing again returns that run.
//
// Events without a transcript share one key per conversation: their messages
// are already persisted, so an in-flight run covers them. A voice transcript
// adds a digest of its entries, so a retry carrying the same transcript joins
// the in-flight run while a different transcript gets a follow-up run of its own.
func DedupeKey(ev Event) string {
	key := JobKind + ":" + ev.ConversationID
	if len(ev.Transcript) == 0 {
		return key
	}
	return key + ":" + transcriptDigest(ev.Transcript)
}

func transcriptDigest(entries []models.TranscriptEntry) string {
	h := sha256.New()
	for _, e := range entries {
		// Length-prefixed so entry boundaries cannot collide.
		fmt.Fprintf(h, "%d:%s|%d:%s\n", len(e.Role), e.Role, len(e.Content), e.Content)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SettlementKey is the ledger settlement key of a run.
func SettlementKey(jobID string) string {
	return JobKind + ":" + jobID
}

// NewEvent builds the event for a validated end request.
func NewEvent(userID string, req models.ConversationEndRequest) Event {
	ev := Event{
		ConversationID: req.ConversationID,
		UserID:         userID,
		Type:           req.Type,
	}
	if req.Type == models.ConversationTypeVoice {
		ev.Transcript = req.Transcript
	}
	return ev
}

// DecodeEvent parses a job payload.
func DecodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("invalid %s payload: %w", JobKind, err)
	}
	if ev.ConversationID == "" || ev.UserID == "" {
		return Event{}, fmt.Errorf("invalid %s payload: conversation and user are required", JobKind)
	}
	if !models.IsValidConversationType(ev.Type) {
		return Event{}, fmt.Errorf("invalid %s payload: %w", JobKind, models.ErrInvalidConversationType)
	}
	return ev, nil
}

// Enqueue publishes one conversation-ended run and returns its job ID. A run
// already queued or running under the same DedupeKey is returned instead of a
// new one.
func Enqueue(jobs store.JobRepo, ev Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	id, err := jobs.EnqueueJob(JobKind, time.Now(), string(payload), DedupeKey(ev))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", JobKind, err)
	}
	slog.Info("lifecycle.Enqueue: run queued", "jobID", id, "conversationID", ev.ConversationID,
		"userID", ev.UserID, "type", ev.Type, "transcript", len(ev.Transcript))
	return id, nil
}
