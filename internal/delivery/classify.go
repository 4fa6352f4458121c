package delivery

import "strings"

// Classification names why a delivery attempt failed.
type Classification string

const (
	// ClassBounceLimit is a provider-side throttle such as an hourly
	// bounce budget; the message is worth retrying later.
	ClassBounceLimit Classification = "bounce_limit"
	// ClassRecipientUnknown is a hard reject of the mailbox itself;
	// retrying can never succeed.
	ClassRecipientUnknown Classification = "recipient_unknown"
	// ClassSMTPError covers every other provider failure and is treated
	// as transient.
	ClassSMTPError Classification = "smtp_error"
)

// Retryable reports whether another attempt can change the outcome.
func (c Classification) Retryable() bool {
	return c != ClassRecipientUnknown
}

// Classify buckets a provider error by its message text. Providers rarely
// expose structured reject codes over SMTP, so the text is all there is.
func Classify(err error) Classification {
	if err == nil {
		return ClassSMTPError
	}
	text := strings.ToLower(err.Error())

	if strings.Contains(text, "bounce") && strings.Contains(text, "limit") {
		return ClassBounceLimit
	}
	if strings.Contains(text, "5.1.1") || strings.Contains(text, "user unknown") {
		return ClassRecipientUnknown
	}
	return ClassSMTPError
}
