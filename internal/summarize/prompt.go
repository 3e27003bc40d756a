package summarize

import (
	"strings"

	"github.com/sagedialogue/sage/internal/models"
)

// ExtractionPrompt is the system instruction for the summarization request.
const ExtractionPrompt = `Analyze this Socratic dialogue and generate a summary for future context.

Return JSON:
{
  "summary": "A 2-3 sentence summary of what was discussed and any realizations the person had. Write in past tense. Be specific, not generic.",
  "insights": [
    {"content": "Specific insight or realization", "type": "realization|assumption|pattern|question"}
  ],
  "userPatterns": [
    {"content": "Observable pattern about this person", "category": "pattern|preference|goal|behavior", "confidence": 0.0-1.0}
  ]
}

Guidelines:
- Summary should help Sage understand context if this person returns
- Insights are specific things discovered in THIS conversation
- UserPatterns are broader observations about the person that might apply across conversations
- Quote their words where possible
- Be concrete, not abstract
- If they didn't reach conclusions, say so - don't fabricate resolution
- Confidence for patterns: 0.3 for weak signals, 0.5 for moderate, 0.8+ for strong patterns
- JSON only, no wrapper text`

const userPromptPrefix = "Analyze this conversation:\n\n"

// speakerLabel returns the transcript label for a message role.
func speakerLabel(r models.Role) string {
	if r == models.RoleUser {
		return "User"
	}
	return "Sage"
}

// RenderTranscript formats messages as "User: ..." / "Sage: ..." blocks
// separated by blank lines, in the order given.
func RenderTranscript(msgs []models.Message) string {
	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		blocks = append(blocks, speakerLabel(m.Role)+": "+m.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// BuildUserPrompt wraps a rendered transcript in the analysis request.
func BuildUserPrompt(transcript string) string {
	return userPromptPrefix + transcript
}
