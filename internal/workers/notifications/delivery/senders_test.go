package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"

	apperrors "library-workers/internal/common/errors"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
	f.input = input
	return &ses.SendEmailOutput{}, f.err
}

func (f *fakeSES) From() string { return "library@example.com" }

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error) {
	f.input = input
	return &sns.PublishOutput{}, f.err
}

func (f *fakeSNS) SenderID() string { return "LIBRARY" }

func TestSESSender_Send(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSender(client)

	require.NoError(t, sender.Send(context.Background(), "ada@example.com", "Loan confirmed", "Hello"))
	assert.Equal(t, "library@example.com", *client.input.Source)
	assert.Equal(t, []string{"ada@example.com"}, client.input.Destination.ToAddresses)
	assert.Equal(t, "Loan confirmed", *client.input.Message.Subject.Data)

	client.err = errors.New("throttled")
	err := sender.Send(context.Background(), "ada@example.com", "s", "b")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotificationSendFailed))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSNSSender_Send(t *testing.T) {
	client := &fakeSNS{}
	sender := NewSNSSender(client)

	require.NoError(t, sender.Send(context.Background(), "+442079460958", "ignored", "Your loan is due"))
	assert.Equal(t, "+442079460958", *client.input.PhoneNumber)
	assert.Equal(t, "Your loan is due", *client.input.Message)
	assert.Equal(t, "LIBRARY", *client.input.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue)
}

func TestNewSMTPSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SMTPConfig
		wantErr string
	}{
		{"missing host", SMTPConfig{From: "a@b.io"}, "smtp host is required"},
		{"bad port", SMTPConfig{Host: "smtp", Port: 70000, From: "a@b.io"}, "smtp port"},
		{"missing from", SMTPConfig{Host: "smtp"}, "default_from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSMTPSender(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "library@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 587, sender.cfg.Port)
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "library@example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sender.Send(ctx, "ada@example.com", "s", "b"))
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("library@example.com", "ada@example.com", "Loan confirmed", "Hello Ada")

	headers, body, ok := strings.Cut(msg, "\r\n\r\n")
	require.True(t, ok)
	assert.Contains(t, headers, "From: library@example.com\r\n")
	assert.Contains(t, headers, "To: ada@example.com\r\n")
	assert.Contains(t, headers, "Subject: Loan confirmed\r\n")
	assert.Contains(t, headers, "Content-Type: text/plain; charset=UTF-8")
	assert.Equal(t, "Hello Ada", body)
}
