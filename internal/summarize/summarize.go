// Package summarize turns a finished conversation into a summary, insights
// and user patterns with one chat completion.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/store"
)

// Skip reasons.
const (
	ReasonInsufficientCredits  = "insufficient_credits"
	ReasonInsufficientMessages = "insufficient_messages"
)

// MinMessages is the fewest messages worth summarizing.
const MinMessages = 2

// Request parameters for the extraction call.
const (
	Temperature = 0.7
	MaxTokens   = 1024
)

// Result is the outcome of the summarization step. When Skipped is true only
// Reason is meaningful.
type Result struct {
	Skipped      bool          `json:"skipped,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Insights     []Insight     `json:"insights,omitempty"`
	UserPatterns []UserPattern `json:"userPatterns,omitempty"`
	TokensUsed   int           `json:"tokensUsed,omitempty"`
	CreditsUsed  int           `json:"creditsUsed,omitempty"`
	Model        string        `json:"model,omitempty"`
}

// Summarizer produces conversation summaries.
type Summarizer struct {
	completer genai.Completer
	convs     store.ConversationRepo
	msgs      store.MessageRepo
	ledger    *credits.Ledger
}

// NewSummarizer creates a Summarizer. A nil completer means no API key is
// configured and every Summarize call fails with genai.ErrMissingAPIKey.
func NewSummarizer(completer genai.Completer, convs store.ConversationRepo, msgs store.MessageRepo, ledger *credits.Ledger) *Summarizer {
	return &Summarizer{completer: completer, convs: convs, msgs: msgs, ledger: ledger}
}

// Summarize loads the owner's conversation transcript and asks the model for
// a structured summary. Business skips are reported through Result; errors
// are configuration or upstream failures.
func (s *Summarizer) Summarize(ctx context.Context, userID, conversationID string) (Result, error) {
	if s.completer == nil {
		return Result{}, genai.ErrMissingAPIKey
	}

	if err := s.ledger.Require(ctx, userID, credits.SummaryMinCredits); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			slog.Info("Summarizer.Summarize: insufficient credits, skipping", "conversationID", conversationID, "userID", userID)
			return Result{Skipped: true, Reason: ReasonInsufficientCredits}, nil
		}
		return Result{}, err
	}

	conv, err := s.convs.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		slog.Info("Summarizer.Summarize: conversation not found, skipping", "conversationID", conversationID, "userID", userID)
		return Result{Skipped: true, Reason: ReasonInsufficientMessages}, nil
	}
	msgs, err := s.msgs.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load messages: %w", err)
	}
	if len(msgs) < MinMessages {
		slog.Info("Summarizer.Summarize: not enough messages to summarize", "conversationID", conversationID, "count", len(msgs))
		return Result{Skipped: true, Reason: ReasonInsufficientMessages}, nil
	}

	transcript := RenderTranscript(msgs)
	completion, err := s.completer.Complete(ctx, genai.CompletionRequest{
		SystemPrompt: ExtractionPrompt,
		UserPrompt:   BuildUserPrompt(transcript),
		Temperature:  Temperature,
		MaxTokens:    MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("summary completion failed: %w", err)
	}

	extraction := ParseExtraction(completion.Content)

	tokens := countTokens(completion, transcript)

	res := Result{
		Summary:      extraction.Summary,
		Insights:     extraction.Insights,
		UserPatterns: extraction.UserPatterns,
		TokensUsed:   tokens,
		CreditsUsed:  credits.CalculateCreditsUsed(tokens),
		Model:        completion.Model,
	}
	slog.Info("Summarizer.Summarize: summary generated", "conversationID", conversationID, "messages", len(msgs),
		"insights", len(res.Insights), "userPatterns", len(res.UserPatterns), "tokens", res.TokensUsed, "credits", res.CreditsUsed)
	return res, nil
}
