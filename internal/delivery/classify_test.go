package delivery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{
			name: "hourly bounce budget",
			err:  errors.New("smtp: deliver: 550 5.4.6 Sender Hourly Bounce Limit Exceeded"),
			want: ClassBounceLimit,
		},
		{
			name: "daily bounce limit lowercase",
			err:  errors.New("451 bounce rate limit reached, try later"),
			want: ClassBounceLimit,
		},
		{
			name: "enhanced status unknown mailbox",
			err:  errors.New("smtp: rcpt to: 550 5.1.1 The email account does not exist"),
			want: ClassRecipientUnknown,
		},
		{
			name: "textual user unknown",
			err:  errors.New("550 User unknown in virtual mailbox table"),
			want: ClassRecipientUnknown,
		},
		{
			name: "generic transient failure",
			err:  errors.New("451 4.3.0 Temporary system problem"),
			want: ClassSMTPError,
		},
		{
			name: "connection failure",
			err:  errors.New("smtp: dial mail.example.com:587: i/o timeout"),
			want: ClassSMTPError,
		},
		{
			name: "nil error",
			err:  nil,
			want: ClassSMTPError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, ClassBounceLimit.Retryable())
	assert.True(t, ClassSMTPError.Retryable())
	assert.False(t, ClassRecipientUnknown.Retryable())
}
