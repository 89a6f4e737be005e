package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/mailotp/internal/config"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

var ErrInvalidMessage = errors.New("invalid mail message")

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender sends mail through an SMTP relay, retrying transient failures
// with exponential backoff.
type SMTPSender struct {
	dialer       dialer
	fromAddress  string
	fromName     string
	retryCount   int
	retryBackoff time.Duration
	logger       *logrus.Logger
}

func NewSMTPSender(cfg *config.MailConfig, logger *logrus.Logger) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return newSMTPSender(d, cfg, logger)
}

func newSMTPSender(d dialer, cfg *config.MailConfig, logger *logrus.Logger) *SMTPSender {
	retryCount := cfg.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 100 * time.Millisecond
	}

	return &SMTPSender{
		dialer:       d,
		fromAddress:  cfg.FromAddress,
		fromName:     cfg.FromName,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
		logger:       logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" || msg.Subject == "" || msg.TextBody == "" {
		return ErrInvalidMessage
	}

	m := gomail.NewMessage()
	if s.fromName != "" {
		m.SetAddressHeader("From", s.fromAddress, s.fromName)
	} else {
		m.SetHeader("From", s.fromAddress)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternative("text/html", msg.HTMLBody)
	}

	b := retry.NewExponential(s.retryBackoff)
	b = retry.WithMaxRetries(uint64(s.retryCount), b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := s.dialer.DialAndSend(m); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"to":      msg.To,
				"attempt": attempt,
			}).Warn("Mail send attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to send email after %d attempts: %w", attempt, err)
	}

	return nil
}
