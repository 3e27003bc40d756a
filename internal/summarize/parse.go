package summarize

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/sagedialogue/sage/internal/models"
)

// Insight is one conversation-scoped insight proposed by the model.
type Insight struct {
	Content string             `json:"content"`
	Type    models.InsightType `json:"type"`
}

// UserPattern is one cross-conversation observation proposed by the model.
// Confidence is read as 0.5 when it is missing or zero, since decoding cannot
// tell an omitted field from an explicit 0. A pattern scored 0 is stored at 0.5.
type UserPattern struct {
	Content    string                 `json:"content"`
	Category   models.InsightCategory `json:"category"`
	Confidence float64                `json:"confidence"`
}

// Extraction is the structured payload requested from the model.
type Extraction struct {
	Summary      string        `json:"summary"`
	Insights     []Insight     `json:"insights"`
	UserPatterns []UserPattern `json:"userPatterns"`
}

// ParseExtraction decodes the span between the first '{' and the last '}'
// of content. When no such span exists or it does not decode, the whole
// content becomes the summary and both lists are empty. It never fails.
func ParseExtraction(content string) Extraction {
	var out Extraction
	if !decodeObject("summarize.ParseExtraction", content, &out) {
		return Extraction{Summary: content, Insights: []Insight{}, UserPatterns: []UserPattern{}}
	}
	if out.Insights == nil {
		out.Insights = []Insight{}
	}
	if out.UserPatterns == nil {
		out.UserPatterns = []UserPattern{}
	}
	return out
}

// decodeObject unmarshals the outermost JSON object embedded in content into
// out. It reports false when there is none or it does not decode.
func decodeObject(caller, content string, out any) bool {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		slog.Warn(caller+": no JSON object in reply, using raw text", "length", len(content))
		return false
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		slog.Warn(caller+": reply did not decode, using raw text", "error", err)
		return false
	}
	return true
}
