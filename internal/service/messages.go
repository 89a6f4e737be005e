package service

import (
	"fmt"
	"time"
)

// waitMinutesThreshold is the largest wait still phrased in seconds.
const waitMinutesThreshold = 120

const (
	msgOTPSent          = "Verification code sent to %s."
	msgInvalidAddress   = "Please enter a valid email address."
	msgDisposable       = "Disposable email addresses are not supported. Please use a permanent address."
	msgDeliveryFailed   = "We could not send the verification code. Please try again later."
	msgWaitBeforeResend = "Please wait %s before requesting a new code."
)

// FormatWait phrases a rate-limit wait for display. Waits longer than two
// minutes are rounded up to whole minutes.
func FormatWait(wait time.Duration) string {
	seconds := ceilSeconds(wait)
	if seconds > waitMinutesThreshold {
		minutes := (seconds + 59) / 60
		return fmt.Sprintf(msgWaitBeforeResend, plural(minutes, "minute"))
	}
	return fmt.Sprintf(msgWaitBeforeResend, plural(seconds, "second"))
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
