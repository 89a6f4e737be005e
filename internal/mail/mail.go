package mail

import "context"

// Message is a single outgoing email.
type Message struct {
	To       string
	Subject  string
	TextBody string
	// HTMLBody is optional and sent as an alternative part.
	HTMLBody string
}

// Sender delivers a message or reports why it could not.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
