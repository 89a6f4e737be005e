package service

import (
	"context"
	"fmt"
	"time"

	"github.com/qcom/mailotp/internal/mail"
	"github.com/qcom/mailotp/internal/models"
	"github.com/sirupsen/logrus"
)

// RejectReason says why a code request was not accepted.
type RejectReason string

const (
	ReasonNone           RejectReason = ""
	ReasonInvalidAddress RejectReason = "invalid_address"
	ReasonDisposable     RejectReason = "disposable_domain"
	ReasonRateLimited    RejectReason = "rate_limited"
	ReasonDeliveryFailed RejectReason = "delivery_failed"
)

type RequestResult struct {
	Accepted   bool
	Reason     RejectReason
	Message    string
	RetryAfter time.Duration
}

// OTPStore is the code storage the service drives.
type OTPStore interface {
	Get(email string) (models.OTPRecord, bool)
	Generate(email string) (string, error)
	CommitSend(email string) error
	Discard(email string)
	Validate(email, code string) bool
	Validity() time.Duration
}

type DomainChecker interface {
	IsDisposable(domain string) bool
}

// OTPService issues and verifies email codes.
type OTPService struct {
	store   OTPStore
	limiter *RateLimiter
	domains DomainChecker
	sender  mail.Sender
	appName string
	locks   *keyedMutex
	logger  *logrus.Logger
}

func NewOTPService(
	store OTPStore,
	limiter *RateLimiter,
	domains DomainChecker,
	sender mail.Sender,
	appName string,
	logger *logrus.Logger,
) *OTPService {
	return &OTPService{
		store:   store,
		limiter: limiter,
		domains: domains,
		sender:  sender,
		appName: appName,
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

// RequestOTP sends a new code to email unless policy forbids it. Rejections
// are reported in the result, never as errors.
func (s *OTPService) RequestOTP(ctx context.Context, email string) RequestResult {
	address, err := NormalizeEmail(email)
	if err != nil {
		return RequestResult{Reason: ReasonInvalidAddress, Message: msgInvalidAddress}
	}

	// Check, generate, deliver and commit run as one unit per address.
	unlock := s.locks.Lock(address)
	defer unlock()

	if _, exists := s.store.Get(address); !exists && s.domains != nil && s.domains.IsDisposable(EmailDomain(address)) {
		s.logger.WithField("email", address).Info("Rejected OTP request for disposable domain")
		return RequestResult{Reason: ReasonDisposable, Message: msgDisposable}
	}

	decision := s.limiter.CheckAndReserve(address)
	if !decision.Allowed {
		s.logger.WithFields(logrus.Fields{
			"email":       address,
			"retry_after": decision.Wait.String(),
		}).Info("OTP request rate limited")
		return RequestResult{
			Reason:     ReasonRateLimited,
			Message:    decision.Message,
			RetryAfter: decision.Wait,
		}
	}

	if err := s.deliver(ctx, address); err != nil {
		s.logger.WithError(err).WithField("email", address).Error("Failed to deliver OTP")
		return RequestResult{Reason: ReasonDeliveryFailed, Message: msgDeliveryFailed}
	}

	return RequestResult{Accepted: true, Message: fmt.Sprintf(msgOTPSent, address)}
}

func (s *OTPService) deliver(ctx context.Context, address string) error {
	code, err := s.store.Generate(address)
	if err != nil {
		return err
	}

	msg := mail.NewOTPMessage(s.appName, address, code, s.store.Validity())
	if err := s.sender.Send(ctx, msg); err != nil {
		// Puts back the previously delivered code, if any.
		s.store.Discard(address)
		return fmt.Errorf("failed to send OTP email: %w", err)
	}

	// Expiry never removes a record while its new code is out for delivery,
	// so a missing record here means the code was already used.
	if err := s.store.CommitSend(address); err != nil {
		s.logger.WithError(err).WithField("email", address).Warn("Failed to commit OTP send")
	}

	return nil
}

// VerifyOTP consumes a matching code. It does not say why a code was
// rejected.
func (s *OTPService) VerifyOTP(_ context.Context, email, code string) bool {
	address, err := NormalizeEmail(email)
	if err != nil {
		return false
	}
	return s.store.Validate(address, code)
}
