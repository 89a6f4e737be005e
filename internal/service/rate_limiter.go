package service

import (
	"time"

	"github.com/qcom/mailotp/internal/models"
)

// RecordReader is the read side of the OTP store the limiter consults.
type RecordReader interface {
	Get(email string) (models.OTPRecord, bool)
}

// Decision is the outcome of a rate-limit check. Wait is whole seconds and
// only set when the request is denied.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Message string
}

// RateLimiter spaces out code sends per address. Each committed send doubles
// the required gap, starting at the base interval, and no gap ever exceeds
// the validity window of a code.
type RateLimiter struct {
	records RecordReader
	base    time.Duration
	ceiling time.Duration
	now     func() time.Time
}

func NewRateLimiter(records RecordReader, base, ceiling time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		records: records,
		base:    base,
		ceiling: ceiling,
		now:     now,
	}
}

// CheckAndReserve reports whether a new code may be sent to email now. It
// never changes state; the store records the send once delivery succeeds.
func (l *RateLimiter) CheckAndReserve(email string) Decision {
	rec, ok := l.records.Get(email)
	if !ok || !rec.Committed() {
		return Decision{Allowed: true}
	}

	limit := l.Limit(rec.SendCount)
	elapsed := l.now().Sub(rec.LastSendTime)
	if elapsed >= limit {
		return Decision{Allowed: true}
	}

	wait := time.Duration(ceilSeconds(limit-elapsed)) * time.Second
	if ceil := time.Duration(ceilSeconds(l.ceiling)) * time.Second; wait > ceil {
		wait = ceil
	}

	return Decision{
		Allowed: false,
		Wait:    wait,
		Message: FormatWait(wait),
	}
}

// Limit is the required gap after sendCount consecutive sends:
// base * 2^(sendCount-1), capped at the validity window.
func (l *RateLimiter) Limit(sendCount int) time.Duration {
	limit := l.base
	for i := 1; i < sendCount; i++ {
		if limit >= l.ceiling {
			break
		}
		limit *= 2
	}
	if limit > l.ceiling {
		limit = l.ceiling
	}
	return limit
}
