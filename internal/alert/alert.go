// Package alert delivers operator alerts for pipeline runs that failed terminally.
//
// Alerts are queued in the store outbox by the lifecycle pipeline and handed
// to a Sender by the outbox sender, so a crash between failure and delivery
// does not lose them.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagedialogue/sage/internal/store"
)

// KindPipelineFailure is the outbox kind for terminal lifecycle failures.
const KindPipelineFailure = "pipeline_failure"

// PipelineFailure describes a lifecycle run that will not be retried.
type PipelineFailure struct {
	JobID          string    `json:"job_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Step           string    `json:"step"`
	Error          string    `json:"error"`
	Attempts       int       `json:"attempts"`
	FailedAt       time.Time `json:"failed_at"`
}

// Text renders the alert as a short SMS body.
func (f PipelineFailure) Text() string {
	step := f.Step
	if step == "" {
		step = "unknown"
	}
	return fmt.Sprintf("[Sage] lifecycle run %s failed after %d attempt(s) at step %s for conversation %s: %s",
		f.JobID, f.Attempts, step, f.ConversationID, f.Error)
}

// Sender delivers a text alert to a recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// LogSender writes alerts to the structured log. It is used when no SMS
// provider is configured.
type LogSender struct{}

// SendMessage logs the alert at ERROR level.
func (LogSender) SendMessage(ctx context.Context, to string, body string) error {
	slog.Error("LogSender.SendMessage: operator alert", "to", to, "body", body)
	return nil
}

// OutboxSendFunc returns a store.OutboxSendFunc that renders outbox messages
// of known kinds and hands them to sender. Messages without a recipient go to
// defaultRecipient.
func OutboxSendFunc(sender Sender, defaultRecipient string) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		to := msg.Recipient
		if to == "" {
			to = defaultRecipient
		}

		switch msg.Kind {
		case KindPipelineFailure:
			var f PipelineFailure
			if err := json.Unmarshal([]byte(msg.PayloadJSON), &f); err != nil {
				return fmt.Errorf("invalid %s payload: %w", msg.Kind, err)
			}
			return sender.SendMessage(ctx, to, f.Text())
		default:
			return fmt.Errorf("unsupported outbox kind: %s", msg.Kind)
		}
	}
}

// MockSender records sent alerts for tests.
type MockSender struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one alert captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{SentMessages: []SentMessage{}}
}

// SendMessage records the alert, or returns m.Err when set.
func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
