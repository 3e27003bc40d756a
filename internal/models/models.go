// Package models defines the core data structures for Sage.
//
// It includes the conversation, message, insight and ledger types shared across
// the store, the lifecycle pipeline and the HTTP API, along with request
// validation for the public endpoints.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageContentLength defines the maximum allowed length for a single message
	MaxMessageContentLength = 32000
	// MaxTranscriptMessages defines the maximum number of transcript entries accepted per end event
	MaxTranscriptMessages = 2000
	// MaxTitleLength defines the maximum length of a derived conversation title (in runes)
	MaxTitleLength = 100
)

// Error variables for better error handling and testability
var (
	ErrMissingConversationID   = errors.New("conversationId is required")
	ErrInvalidConversationType = errors.New("type must be 'voice' or 'text'")
	ErrInvalidRole             = errors.New("role must be 'user' or 'assistant'")
	ErrEmptyContent            = errors.New("content is required")
	ErrContentTooLong          = errors.New("content exceeds maximum length")
	ErrTranscriptTooLong       = errors.New("transcript exceeds maximum length")
	ErrMissingTranscript       = errors.New("transcript is required")
	ErrInvalidPhase            = errors.New("invalid dialogue phase")
)

// ConversationType is the modality a conversation was held in.
type ConversationType string

const (
	// ConversationTypeVoice marks a conversation held over a voice session.
	ConversationTypeVoice ConversationType = "voice"
	// ConversationTypeText marks a conversation held over text chat.
	ConversationTypeText ConversationType = "text"
)

// IsValidConversationType checks if the given conversation type is supported.
func IsValidConversationType(t ConversationType) bool {
	switch t {
	case ConversationTypeVoice, ConversationTypeText:
		return true
	default:
		return false
	}
}

// TranscriptEntry is one role-tagged utterance of a buffered voice transcript.
type TranscriptEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Validate checks a single transcript entry.
func (e TranscriptEntry) Validate() error {
	if !IsValidRole(e.Role) {
		return ErrInvalidRole
	}
	if strings.TrimSpace(e.Content) == "" {
		return ErrEmptyContent
	}
	if len(e.Content) > MaxMessageContentLength {
		return ErrContentTooLong
	}
	return nil
}

// ConversationEndRequest is the body of POST /api/conversation/end.
type ConversationEndRequest struct {
	ConversationID string            `json:"conversationId"`
	Type           ConversationType  `json:"type"`
	Transcript     []TranscriptEntry `json:"transcript,omitempty"`
}

// Validate validates a ConversationEndRequest. The transcript is only checked
// for voice sessions; text sessions already have their messages persisted.
func (r *ConversationEndRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return ErrMissingConversationID
	}
	if !IsValidConversationType(r.Type) {
		return ErrInvalidConversationType
	}
	if r.Type != ConversationTypeVoice {
		return nil
	}
	return validateTranscript(r.Transcript)
}

func validateTranscript(entries []TranscriptEntry) error {
	if len(entries) > MaxTranscriptMessages {
		return ErrTranscriptTooLong
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// InsightsRequest is the body of POST /api/insights.
type InsightsRequest struct {
	Transcript []TranscriptEntry `json:"transcript"`
}

// Validate requires at least one valid transcript entry.
func (r *InsightsRequest) Validate() error {
	if len(r.Transcript) == 0 {
		return ErrMissingTranscript
	}
	return validateTranscript(r.Transcript)
}

// ConversationEndResponse acknowledges that a lifecycle run was queued.
// JobID can be polled at /api/jobs/{id}.
type ConversationEndResponse struct {
	Queued         bool             `json:"queued"`
	ConversationID string           `json:"conversationId"`
	Type           ConversationType `json:"type"`
	JobID          string           `json:"jobId,omitempty"`
}

// ErrorResponse is the JSON body returned for every failed API request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error creates an error API response with a message.
func Error(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
