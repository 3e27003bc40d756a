package models

import (
	"errors"
	"strings"
	"testing"
)

func TestConversationEndRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     ConversationEndRequest
		wantErr error
	}{
		{
			name:    "missing conversation id",
			req:     ConversationEndRequest{Type: ConversationTypeText},
			wantErr: ErrMissingConversationID,
		},
		{
			name:    "blank conversation id",
			req:     ConversationEndRequest{ConversationID: "   ", Type: ConversationTypeText},
			wantErr: ErrMissingConversationID,
		},
		{
			name:    "missing type",
			req:     ConversationEndRequest{ConversationID: "c1"},
			wantErr: ErrInvalidConversationType,
		},
		{
			name:    "unknown type",
			req:     ConversationEndRequest{ConversationID: "c1", Type: "video"},
			wantErr: ErrInvalidConversationType,
		},
		{
			name: "text ignores transcript",
			req: ConversationEndRequest{ConversationID: "c1", Type: ConversationTypeText,
				Transcript: []TranscriptEntry{{Role: "system", Content: ""}}},
		},
		{
			name: "voice with transcript",
			req: ConversationEndRequest{ConversationID: "c1", Type: ConversationTypeVoice,
				Transcript: []TranscriptEntry{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}},
		},
		{
			name: "voice without transcript",
			req:  ConversationEndRequest{ConversationID: "c1", Type: ConversationTypeVoice},
		},
		{
			name: "voice with bad role",
			req: ConversationEndRequest{ConversationID: "c1", Type: ConversationTypeVoice,
				Transcript: []TranscriptEntry{{Role: "system", Content: "x"}}},
			wantErr: ErrInvalidRole,
		},
		{
			name: "voice with empty entry",
			req: ConversationEndRequest{ConversationID: "c1", Type: ConversationTypeVoice,
				Transcript: []TranscriptEntry{{Role: RoleUser, Content: "  "}}},
			wantErr: ErrEmptyContent,
		},
		{
			name: "voice with oversized entry",
			req: ConversationEndRequest{ConversationID: "c1", Type: ConversationTypeVoice,
				Transcript: []TranscriptEntry{{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentLength+1)}}},
			wantErr: ErrContentTooLong,
		},
		{
			name: "voice with too many entries",
			req: ConversationEndRequest{ConversationID: "c1", Type: ConversationTypeVoice,
				Transcript: make([]TranscriptEntry, MaxTranscriptMessages+1)},
			wantErr: ErrTranscriptTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInsightsRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     InsightsRequest
		wantErr error
	}{
		{name: "missing transcript", req: InsightsRequest{}, wantErr: ErrMissingTranscript},
		{name: "valid", req: InsightsRequest{Transcript: []TranscriptEntry{{Role: RoleUser, Content: "hi"}}}},
		{name: "bad role", req: InsightsRequest{Transcript: []TranscriptEntry{{Role: "tool", Content: "x"}}}, wantErr: ErrInvalidRole},
		{name: "too many entries", req: InsightsRequest{Transcript: make([]TranscriptEntry, MaxTranscriptMessages+1)}, wantErr: ErrTranscriptTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateMessageRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateMessageRequest
		wantErr error
	}{
		{"valid user message", CreateMessageRequest{Role: RoleUser, Content: "hi"}, nil},
		{"valid with phase", CreateMessageRequest{Role: RoleAssistant, Content: "hi", Phase: PhaseExamining}, nil},
		{"voice phase allowed", CreateMessageRequest{Role: RoleUser, Content: "hi", Phase: PhaseVoice}, nil},
		{"bad role", CreateMessageRequest{Role: "bot", Content: "hi"}, ErrInvalidRole},
		{"empty content", CreateMessageRequest{Role: RoleUser}, ErrEmptyContent},
		{"bad phase", CreateMessageRequest{Role: RoleUser, Content: "hi", Phase: "wandering"}, ErrInvalidPhase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConversationUpdateValidation(t *testing.T) {
	good := PhaseChallenging
	if err := (&ConversationUpdate{Phase: &good}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	voice := PhaseVoice
	if err := (&ConversationUpdate{Phase: &voice}).Validate(); !errors.Is(err, ErrInvalidPhase) {
		t.Errorf("expected ErrInvalidPhase for voice phase, got %v", err)
	}
}

func TestResolveTitle(t *testing.T) {
	long := strings.Repeat("é", MaxTitleLength+20)
	tests := []struct {
		name string
		req  CreateConversationRequest
		want string
	}{
		{"explicit title wins", CreateConversationRequest{Title: "Career", ProblemStatement: "Should I quit?"}, "Career"},
		{"problem statement", CreateConversationRequest{ProblemStatement: "Should I quit?"}, "Should I quit?"},
		{"truncated by runes", CreateConversationRequest{ProblemStatement: long}, strings.Repeat("é", MaxTitleLength)},
		{"default", CreateConversationRequest{}, DefaultConversationTitle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.ResolveTitle(); got != tt.want {
				t.Errorf("ResolveTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTitleFromMessage(t *testing.T) {
	if got := TitleFromMessage("  short  "); got != "short" {
		t.Errorf("TitleFromMessage() = %q, want %q", got, "short")
	}
	long := strings.Repeat("a", MaxTitleLength+1)
	want := strings.Repeat("a", MaxTitleLength) + "..."
	if got := TitleFromMessage(long); got != want {
		t.Errorf("TitleFromMessage() = %q, want %q", got, want)
	}
}

func TestDialoguePhases(t *testing.T) {
	if NextPhase(PhaseOpening) != PhaseExploring {
		t.Errorf("NextPhase(opening) = %s", NextPhase(PhaseOpening))
	}
	if NextPhase(PhaseConcluding) != PhaseConcluding {
		t.Errorf("NextPhase(concluding) should stay concluding")
	}
	if IsValidDialoguePhase(PhaseVoice) {
		t.Error("voice is not a dialogue phase")
	}
}

func TestNormalizeInsightKinds(t *testing.T) {
	if NormalizeInsightType("epiphany") != InsightRealization {
		t.Error("unknown insight type should normalize to realization")
	}
	if NormalizeInsightType(InsightQuestion) != InsightQuestion {
		t.Error("known insight type should be kept")
	}
	if NormalizeInsightCategory("") != CategoryPattern {
		t.Error("empty category should normalize to pattern")
	}
	if NormalizeInsightCategory(CategoryGoal) != CategoryGoal {
		t.Error("known category should be kept")
	}
}

func TestUsageTypeFor(t *testing.T) {
	if UsageTypeFor(ConversationTypeVoice) != UsageVoice {
		t.Error("voice conversations bill as voice")
	}
	if UsageTypeFor(ConversationTypeText) != UsageChat {
		t.Error("text conversations bill as chat")
	}
}

func TestUpdateProfileRequestValidation(t *testing.T) {
	long := strings.Repeat("n", MaxUserNameLength+1)
	if err := (&UpdateProfileRequest{Name: &long}).Validate(); !errors.Is(err, ErrUserNameTooLong) {
		t.Errorf("expected ErrUserNameTooLong, got %v", err)
	}
	ok := "Ada"
	if err := (&UpdateProfileRequest{Name: &ok}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
