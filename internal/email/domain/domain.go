package domain

import "context"

// Attachment is a file carried with an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is a fully rendered email ready for a provider.
type Message struct {
	From    string
	To      []string
	CC      []string
	BCC     []string
	ReplyTo string

	Subject  string
	HTMLBody string
	TextBody string

	Attachments []Attachment
	Headers     map[string]string
}

// SendResult reports what a provider accepted.
type SendResult struct {
	// Accepted counts recipients the provider took responsibility for.
	Accepted int
	// ProviderMessageID is the provider-side id when one is returned.
	ProviderMessageID string
}

// Sender delivers one message through a concrete provider.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) (SendResult, error)
}
