package models

import "time"

// OTPRecord is the live one-time passcode state for a single email address.
type OTPRecord struct {
	Email        string    `json:"email"`
	CodeHash     string    `json:"-"`
	LastSendTime time.Time `json:"last_send_time,omitempty"`
	SendCount    int       `json:"send_count"`
}

// Committed reports whether a send has been recorded for the current code cycle.
func (r OTPRecord) Committed() bool {
	return !r.LastSendTime.IsZero()
}
