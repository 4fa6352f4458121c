package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
)

var (
	// ErrTokenInvalid covers tampered, malformed or wrong-scope tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired covers tokens that verified but aged past the TTL.
	ErrTokenExpired = errors.New("token expired")
)

// saltPrefix scopes every derived key to the messaging token namespace.
const saltPrefix = "messaging.tokens"

// Payload is the verified content of a capability token.
type Payload struct {
	Namespace string
	Purpose   string
	Claims    map[string]any
	IssuedAt  time.Time
}

// Service mints and verifies signed, time-scoped capability tokens. Keys are
// ordered for rotation: the first mints, every key is tried on verify.
type Service struct {
	secrets [][]byte
	clock   clock.Clock
}

func New(secrets []string, clk clock.Clock) (*Service, error) {
	if len(secrets) == 0 {
		return nil, errors.New("token: at least one signing key is required")
	}
	keys := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s == "" {
			return nil, errors.New("token: empty signing key")
		}
		keys = append(keys, []byte(s))
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{secrets: keys, clock: clk}, nil
}

// scopeKey derives the HS256 key for a (namespace, purpose) capability scope.
// Verifying with the wrong scope yields a signature mismatch, so a token
// minted for (accounts, password-reset) can never satisfy (accounts, verify-email).
func scopeKey(secret []byte, namespace, purpose string) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:%s", saltPrefix, namespace, purpose)
	return mac.Sum(nil)
}

// Mint signs a claim set for the given scope. The issued-at instant is
// embedded; the TTL is enforced at verification time only.
func (s *Service) Mint(namespace, purpose string, claims map[string]any) (string, error) {
	if claims == nil {
		claims = map[string]any{}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"claims": claims,
		"iat":    jwt.NewNumericDate(s.clock.Now()),
	})
	signed, err := tok.SignedString(scopeKey(s.secrets[0], namespace, purpose))
	if err != nil {
		return "", fmt.Errorf("token: mint: %w", err)
	}
	return signed, nil
}

// Verify checks the signature against the scope-derived keys, then enforces
// the TTL against the embedded issued-at claim. ErrTokenExpired is only
// returned for tokens whose signature verified.
func (s *Service) Verify(raw, namespace, purpose string, ttl time.Duration) (Payload, error) {
	for _, secret := range s.secrets {
		key := scopeKey(secret, namespace, purpose)
		parsed, err := jwt.Parse(raw,
			func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		)
		if err != nil || !parsed.Valid {
			continue
		}
		mc, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return Payload{}, ErrTokenInvalid
		}
		issued, err := mc.GetIssuedAt()
		if err != nil || issued == nil {
			return Payload{}, ErrTokenInvalid
		}
		if s.clock.Now().Sub(issued.Time) > ttl {
			return Payload{}, ErrTokenExpired
		}
		claims, ok := mc["claims"].(map[string]any)
		if !ok {
			return Payload{}, ErrTokenInvalid
		}
		return Payload{
			Namespace: namespace,
			Purpose:   purpose,
			Claims:    claims,
			IssuedAt:  issued.Time.UTC(),
		}, nil
	}
	return Payload{}, ErrTokenInvalid
}

// Int64Claim extracts an integral claim, tolerating the float64 representation
// JSON decoding yields.
func Int64Claim(claims map[string]any, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
