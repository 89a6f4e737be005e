package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qcom/mailotp/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeDialer struct {
	failures int
	calls    int
	sent     []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	d.calls++
	if d.calls <= d.failures {
		return errors.New("connection refused")
	}
	d.sent = append(d.sent, m...)
	return nil
}

func newTestSender(d dialer, retries int) *SMTPSender {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return newSMTPSender(d, &config.MailConfig{
		FromAddress:  "no-reply@example.com",
		FromName:     "Example",
		RetryCount:   retries,
		RetryBackoff: time.Millisecond,
	}, logger)
}

func testMessage() Message {
	return Message{To: "a@b.com", Subject: "Code", TextBody: "123456"}
}

func TestSMTPSender_Send(t *testing.T) {
	d := &fakeDialer{}
	sender := newTestSender(d, 2)

	require.NoError(t, sender.Send(context.Background(), testMessage()))
	require.Len(t, d.sent, 1)
	assert.Equal(t, []string{"a@b.com"}, d.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Code"}, d.sent[0].GetHeader("Subject"))
}

func TestSMTPSender_RetriesTransientFailure(t *testing.T) {
	d := &fakeDialer{failures: 2}
	sender := newTestSender(d, 2)

	require.NoError(t, sender.Send(context.Background(), testMessage()))
	assert.Equal(t, 3, d.calls)
	assert.Len(t, d.sent, 1)
}

func TestSMTPSender_GivesUpAfterRetries(t *testing.T) {
	d := &fakeDialer{failures: 10}
	sender := newTestSender(d, 1)

	err := sender.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 2, d.calls)
}

func TestSMTPSender_RejectsIncompleteMessage(t *testing.T) {
	d := &fakeDialer{}
	sender := newTestSender(d, 0)

	err := sender.Send(context.Background(), Message{To: "a@b.com"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Zero(t, d.calls)
}

func TestNewOTPMessage(t *testing.T) {
	msg := NewOTPMessage("Acme", "a@b.com", "042917", 6*time.Hour)

	assert.Equal(t, "a@b.com", msg.To)
	assert.Equal(t, "Your Acme verification code", msg.Subject)
	assert.NotContains(t, msg.Subject, "042917")
	assert.Contains(t, msg.TextBody, "042917")
	assert.Contains(t, msg.TextBody, "6 hours")
	assert.Contains(t, msg.HTMLBody, "042917")
}

func TestFormatLifetime(t *testing.T) {
	cases := map[time.Duration]string{
		time.Hour:        "1 hour",
		6 * time.Hour:    "6 hours",
		90 * time.Minute: "90 minutes",
		time.Minute:      "1 minute",
		45 * time.Second: "45 seconds",
	}
	for d, want := range cases {
		assert.Equal(t, want, formatLifetime(d), d.String())
	}
}
