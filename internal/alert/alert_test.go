package alert

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedialogue/sage/internal/store"
)

func failurePayload(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(PipelineFailure{
		JobID:          "job_1",
		ConversationID: "conv_1",
		UserID:         "u1",
		Step:           "generate-summary",
		Error:          "chat completion failed with status 500",
		Attempts:       3,
	})
	require.NoError(t, err)
	return string(data)
}

func TestPipelineFailureText(t *testing.T) {
	text := PipelineFailure{JobID: "j", ConversationID: "c", Attempts: 3, Error: "boom"}.Text()
	assert.Contains(t, text, "step unknown")
	assert.Contains(t, text, "conversation c")
	assert.True(t, strings.HasSuffix(text, ": boom"))
}

func TestOutboxSendFunc_DefaultRecipient(t *testing.T) {
	mock := NewMockSender()
	send := OutboxSendFunc(mock, "+15550001111")

	err := send(context.Background(), store.OutboxMessage{Kind: KindPipelineFailure, PayloadJSON: failurePayload(t)})
	require.NoError(t, err)
	require.Len(t, mock.SentMessages, 1)
	assert.Equal(t, "+15550001111", mock.SentMessages[0].To)
	assert.Contains(t, mock.SentMessages[0].Body, "generate-summary")
	assert.Contains(t, mock.SentMessages[0].Body, "conv_1")
}

func TestOutboxSendFunc_ExplicitRecipient(t *testing.T) {
	mock := NewMockSender()
	send := OutboxSendFunc(mock, "+15550001111")

	err := send(context.Background(), store.OutboxMessage{Recipient: "+15559998888", Kind: KindPipelineFailure, PayloadJSON: failurePayload(t)})
	require.NoError(t, err)
	assert.Equal(t, "+15559998888", mock.SentMessages[0].To)
}

func TestOutboxSendFunc_Errors(t *testing.T) {
	mock := NewMockSender()
	send := OutboxSendFunc(mock, "")

	assert.Error(t, send(context.Background(), store.OutboxMessage{Kind: "unknown"}))
	assert.Error(t, send(context.Background(), store.OutboxMessage{Kind: KindPipelineFailure, PayloadJSON: "{"}))

	mock.Err = errors.New("twilio down")
	err := send(context.Background(), store.OutboxMessage{Kind: KindPipelineFailure, PayloadJSON: failurePayload(t)})
	assert.ErrorIs(t, err, mock.Err)
	assert.Empty(t, mock.SentMessages)
}

func TestOutboxSenderDeliversAlert(t *testing.T) {
	st := store.NewInMemoryStore()
	id, err := st.EnqueueOutboxMessage("", KindPipelineFailure, failurePayload(t), "pipeline_failure:job_1")
	require.NoError(t, err)

	mock := NewMockSender()
	sender := store.NewOutboxSender(st, OutboxSendFunc(mock, "+15550001111"), 0)
	assert.Equal(t, 1, sender.RunOnce(context.Background()))

	msg, err := st.GetOutboxMessage(id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSent, msg.Status)
	assert.Len(t, mock.SentMessages, 1)
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{}.SendMessage(context.Background(), "", "hello"))
}

func TestNewTwilioSender_MissingCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	_, err := NewTwilioSender()
	assert.Error(t, err)

	_, err = NewTwilioSender(WithAccountSID("AC123"), WithAuthToken("tok"))
	assert.Error(t, err)

	s, err := NewTwilioSender(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550000000"))
	require.NoError(t, err)
	assert.Error(t, s.SendMessage(context.Background(), "", "x"))
}
