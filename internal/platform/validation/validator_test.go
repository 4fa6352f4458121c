package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type returnPathBody struct {
	Email   string `json:"email" validate:"required,email"`
	NextURL string `json:"next_url" validate:"omitempty,relativeurl"`
}

func TestRelativeURLRule(t *testing.T) {
	v := New()

	cases := []struct {
		name    string
		nextURL string
		ok      bool
	}{
		{"empty is allowed", "", true},
		{"site path", "/account/settings", true},
		{"path with query", "/checkout?step=2", true},
		{"absolute url", "https://evil.example/phish", false},
		{"protocol relative", "//evil.example", false},
		{"missing leading slash", "account", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(&returnPathBody{Email: "alice@example.com", NextURL: tc.nextURL})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestErrorResponseUsesJSONFieldNames(t *testing.T) {
	v := New()
	err := v.Validate(&returnPathBody{Email: "not-an-email", NextURL: "//evil.example"})
	require.Error(t, err)

	body := ErrorResponse(err)
	assert.Equal(t, "validation_failed", body.Error)
	assert.Contains(t, body.Fields, "email")
	assert.Contains(t, body.Fields["next_url"], "relativeurl")
}
