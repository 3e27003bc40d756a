package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sagedialogue/sage/internal/alert"
	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/profile"
	"github.com/sagedialogue/sage/internal/store"
	"github.com/sagedialogue/sage/internal/summarize"
)

// Pipeline executes conversation-ended runs.
type Pipeline struct {
	st             store.Store
	summarizer     *summarize.Summarizer
	profiles       *profile.Builder
	ledger         *credits.Ledger
	alertRecipient string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAlertRecipient sets the recipient of terminal-failure alerts. When
// empty the outbox sender's default recipient is used.
func WithAlertRecipient(to string) Option {
	return func(p *Pipeline) { p.alertRecipient = to }
}

// NewPipeline creates a Pipeline. completer may be nil when no summarization
// API key is configured; runs then fail permanently at the summary step.
func NewPipeline(st store.Store, completer genai.Completer, opts ...Option) *Pipeline {
	ledger := credits.NewLedger(st, st)
	p := &Pipeline{
		st:         st,
		summarizer: summarize.NewSummarizer(completer, st, st, ledger),
		profiles:   profile.NewBuilder(completer, st, st),
		ledger:     ledger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register installs the run handler and the terminal-failure handler on r.
func (p *Pipeline) Register(r *store.JobRunner) {
	r.RegisterHandler(JobKind, p.Handle)
	r.RegisterFailureHandler(JobKind, p.HandleFailure)
}

// Handle is the store.JobHandler for conversation-ended jobs.
func (p *Pipeline) Handle(ctx context.Context, job store.Job) error {
	ev, err := DecodeEvent(job.PayloadJSON)
	if err != nil {
		return store.Permanent(err)
	}
	slog.Info("Pipeline.Handle: processing conversation", "jobID", job.ID, "conversationID", ev.ConversationID,
		"type", ev.Type, "attempt", job.Attempt+1)
	return p.Run(ctx, job.ID, ev)
}

// savedMessages is the checkpoint of the save-messages step.
type savedMessages struct {
	SavedCount int `json:"savedCount"`
}

// SavedInsights reports what SaveSummary persisted. It is also the checkpoint
// of the save-insights step.
type SavedInsights struct {
	SummarySaved bool               `json:"summarySaved"`
	Insights     int                `json:"insights"`
	Patterns     profile.MergeStats `json:"patterns"`
}

// finalized is the checkpoint of the finalize steps.
type finalized struct {
	Deactivated bool               `json:"deactivated"`
	Ledger      store.DeductStatus `json:"ledger,omitempty"`
	CreditsUsed int                `json:"creditsUsed,omitempty"`
	Remaining   int                `json:"remaining,omitempty"`
}

// Run executes the steps of one run. Steps already checkpointed under jobID
// are not executed again.
func (p *Pipeline) Run(ctx context.Context, jobID string, ev Event) error {
	if ev.Type == models.ConversationTypeVoice && len(ev.Transcript) > 0 {
		if _, err := runStep(ctx, p.st, jobID, StepSaveMessages, func(ctx context.Context) (savedMessages, error) {
			return p.saveMessages(ctx, ev)
		}); err != nil {
			return err
		}
	}

	summary, err := runStep(ctx, p.st, jobID, StepGenerateSummary, func(ctx context.Context) (summarize.Result, error) {
		return p.summarizer.Summarize(ctx, ev.UserID, ev.ConversationID)
	})
	if err != nil {
		if errors.Is(err, genai.ErrMissingAPIKey) {
			return store.Permanent(err)
		}
		return err
	}

	if summary.Skipped {
		if _, err := runStep(ctx, p.st, jobID, StepMarkInactiveEarly, func(ctx context.Context) (finalized, error) {
			return p.deactivate(ctx, ev)
		}); err != nil {
			return err
		}
		slog.Info("Pipeline.Run: summary skipped, conversation closed", "jobID", jobID,
			"conversationID", ev.ConversationID, "reason", summary.Reason)
		return nil
	}

	if _, err := runStep(ctx, p.st, jobID, StepSaveInsights, func(ctx context.Context) (SavedInsights, error) {
		return SaveSummary(ctx, p.st, ev.UserID, ev.ConversationID, summary)
	}); err != nil {
		return err
	}

	if _, err := runStep(ctx, p.st, jobID, StepUpdateProfile, func(ctx context.Context) (profile.Outcome, error) {
		return p.profiles.Regenerate(ctx, ev.UserID)
	}); err != nil {
		return err
	}

	fin, err := runStep(ctx, p.st, jobID, StepFinalize, func(ctx context.Context) (finalized, error) {
		return p.finalize(ctx, jobID, ev, summary)
	})
	if err != nil {
		return err
	}
	slog.Info("Pipeline.Run: conversation processing complete", "jobID", jobID, "conversationID", ev.ConversationID,
		"ledger", fin.Ledger, "credits", fin.CreditsUsed)
	return nil
}

// ownedConversation returns the event's conversation if it belongs to the event's user.
func (p *Pipeline) ownedConversation(ctx context.Context, ev Event) (*models.Conversation, error) {
	conv, err := p.st.GetConversation(ctx, ev.UserID, ev.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

func (p *Pipeline) saveMessages(ctx context.Context, ev Event) (savedMessages, error) {
	conv, err := p.ownedConversation(ctx, ev)
	if err != nil {
		return savedMessages{}, err
	}
	if conv == nil {
		slog.Warn("Pipeline.saveMessages: conversation not found, transcript dropped",
			"conversationID", ev.ConversationID, "userID", ev.UserID, "entries", len(ev.Transcript))
		return savedMessages{}, nil
	}

	msgs := make([]models.Message, 0, len(ev.Transcript))
	for _, e := range ev.Transcript {
		msgs = append(msgs, models.Message{
			ConversationID: ev.ConversationID,
			Role:           e.Role,
			Content:        e.Content,
			Phase:          models.PhaseVoice,
		})
	}
	if err := p.st.AddMessages(ctx, ev.ConversationID, msgs); err != nil {
		return savedMessages{}, fmt.Errorf("failed to save voice transcript: %w", err)
	}
	slog.Info("Pipeline.saveMessages: voice transcript saved", "conversationID", ev.ConversationID, "count", len(msgs))
	return savedMessages{SavedCount: len(msgs)}, nil
}

// SaveSummary stores a summarization result on the conversation: the summary
// text, the conversation insights with blank entries dropped, and the user
// patterns merged into the owner's profile insights.
func SaveSummary(ctx context.Context, st store.Store, userID, conversationID string, res summarize.Result) (SavedInsights, error) {
	var out SavedInsights
	if res.Summary != "" {
		if err := st.SetConversationSummary(ctx, conversationID, res.Summary); err != nil {
			return out, err
		}
		out.SummarySaved = true
	}

	insights := make([]models.ConversationInsight, 0, len(res.Insights))
	for _, in := range res.Insights {
		content := strings.TrimSpace(in.Content)
		if content == "" {
			continue
		}
		insights = append(insights, models.ConversationInsight{
			ConversationID: conversationID,
			Content:        content,
			Type:           models.NormalizeInsightType(in.Type),
		})
	}
	if len(insights) > 0 {
		if err := st.AddConversationInsights(ctx, insights); err != nil {
			return out, fmt.Errorf("failed to save conversation insights: %w", err)
		}
	}
	out.Insights = len(insights)

	stats, err := profile.MergePatterns(ctx, st, userID, res.UserPatterns)
	if err != nil {
		return out, err
	}
	out.Patterns = stats
	slog.Info("lifecycle.SaveSummary: insights saved", "conversationID", conversationID,
		"insights", out.Insights, "patternsCreated", stats.Created, "patternsMerged", stats.Merged)
	return out, nil
}

// deactivate closes the event's conversation without touching the ledger.
func (p *Pipeline) deactivate(ctx context.Context, ev Event) (finalized, error) {
	conv, err := p.ownedConversation(ctx, ev)
	if err != nil {
		return finalized{}, err
	}
	if conv == nil {
		slog.Warn("Pipeline.deactivate: conversation not found", "conversationID", ev.ConversationID, "userID", ev.UserID)
		return finalized{}, nil
	}
	if err := p.st.DeactivateConversation(ctx, ev.ConversationID); err != nil {
		return finalized{}, err
	}
	return finalized{Deactivated: true}, nil
}

// finalize closes the conversation and settles the run's charge. The charge
// is keyed on the job, so every completed run of a conversation is billed once.
func (p *Pipeline) finalize(ctx context.Context, jobID string, ev Event, res summarize.Result) (finalized, error) {
	out, err := p.deactivate(ctx, ev)
	if err != nil {
		return out, err
	}

	model := res.Model
	if model == "" {
		model = genai.DefaultModel
	}
	deduct, err := p.ledger.Settle(ctx, credits.Charge{
		UserID:         ev.UserID,
		ConversationID: ev.ConversationID,
		SettlementKey:  SettlementKey(jobID),
		Type:           models.UsageTypeFor(ev.Type),
		TokensUsed:     res.TokensUsed,
		CreditsUsed:    res.CreditsUsed,
		ModelID:        model,
	})
	if err != nil {
		return out, err
	}
	out.Ledger = deduct.Status
	out.Remaining = deduct.Remaining
	if deduct.Status == store.DeductApplied {
		out.CreditsUsed = res.CreditsUsed
	}
	return out, nil
}

// HandleFailure is the store.FailureHandler for conversation-ended jobs. It
// closes the conversation without a summary and queues an operator alert.
func (p *Pipeline) HandleFailure(ctx context.Context, job store.Job, runErr error) {
	step := FailedStep(runErr)
	ev, decodeErr := DecodeEvent(job.PayloadJSON)
	slog.Error("Pipeline.HandleFailure: lifecycle run failed terminally", "jobID", job.ID,
		"conversationID", ev.ConversationID, "userID", ev.UserID, "step", step, "attempts", job.Attempt, "error", runErr)

	if decodeErr == nil {
		if _, err := runStep(ctx, p.st, job.ID, StepFallbackFinalize, func(ctx context.Context) (finalized, error) {
			return p.deactivate(ctx, ev)
		}); err != nil {
			slog.Error("Pipeline.HandleFailure: fallback finalize failed", "jobID", job.ID,
				"conversationID", ev.ConversationID, "error", err)
		}
	}

	payload, err := json.Marshal(alert.PipelineFailure{
		JobID:          job.ID,
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
		Step:           step,
		Error:          runErr.Error(),
		Attempts:       job.Attempt,
		FailedAt:       time.Now(),
	})
	if err != nil {
		slog.Error("Pipeline.HandleFailure: failed to encode alert", "jobID", job.ID, "error", err)
		return
	}
	if _, err := p.st.EnqueueOutboxMessage(p.alertRecipient, alert.KindPipelineFailure, string(payload), alert.KindPipelineFailure+":"+job.ID); err != nil {
		slog.Error("Pipeline.HandleFailure: failed to queue alert", "jobID", job.ID, "error", err)
	}
}
