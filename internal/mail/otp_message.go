package mail

import (
	"fmt"
	"html"
	"time"
)

// NewOTPMessage builds the verification email carrying code. The code only
// appears in the body, never in the subject shown in previews.
func NewOTPMessage(appName, to, code string, validity time.Duration) Message {
	lifetime := formatLifetime(validity)

	text := fmt.Sprintf(`Your %s verification code is %s

It expires in %s and can only be used once.

If you did not request this code, you can ignore this email.
`, appName, code, lifetime)

	htmlBody := fmt.Sprintf(`
		<html>
		<body>
			<p>Your %s verification code is</p>
			<h2 style="letter-spacing:4px">%s</h2>
			<p>It expires in %s and can only be used once.</p>
			<p>If you did not request this code, you can ignore this email.</p>
		</body>
		</html>
	`, html.EscapeString(appName), code, lifetime)

	return Message{
		To:       to,
		Subject:  fmt.Sprintf("Your %s verification code", appName),
		TextBody: text,
		HTMLBody: htmlBody,
	}
}

func formatLifetime(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return unitCount(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return unitCount(int(d/time.Minute), "minute")
	default:
		return unitCount(int((d+time.Second-1)/time.Second), "second")
	}
}

func unitCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
