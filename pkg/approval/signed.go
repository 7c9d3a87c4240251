package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signed decisions let a host submit human approvals through untrusted
// transports: the approver identity is taken from a verified token, never
// from the request body.

var (
	// ErrBadToken marks a token that failed verification or is missing claims.
	ErrBadToken = errors.New("approval: invalid decision token")
)

// DecisionClaims are the registered claims plus the decision surface.
type DecisionClaims struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"` // APPROVE | REJECT
	Notes     string `json:"notes,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies decision tokens and extracts claims.
type TokenVerifier struct {
	keyFunc jwt.Keyfunc
	methods []string
	leeway  time.Duration
}

// NewHMACVerifier verifies HS256 tokens with a shared secret.
func NewHMACVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{
		keyFunc: func(*jwt.Token) (any, error) { return secret, nil },
		methods: []string{"HS256"},
		leeway:  30 * time.Second,
	}
}

// NewVerifier verifies tokens with a caller-supplied key function,
// restricted to the given signing methods.
func NewVerifier(keyFunc jwt.Keyfunc, methods ...string) *TokenVerifier {
	return &TokenVerifier{keyFunc: keyFunc, methods: methods, leeway: 30 * time.Second}
}

// Verify parses and validates the token, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*DecisionClaims, error) {
	claims := &DecisionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods(v.methods),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadToken, err)
	}
	if !token.Valid {
		return nil, ErrBadToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrBadToken)
	}
	if claims.RequestID == "" {
		return nil, fmt.Errorf("%w: missing request_id", ErrBadToken)
	}
	if claims.Decision != string(DecisionApprove) && claims.Decision != string(DecisionReject) {
		return nil, fmt.Errorf("%w: decision %q", ErrBadToken, claims.Decision)
	}
	return claims, nil
}

// CreateSignedDecision verifies the token and records the decision it
// carries, with decided-by taken from the token subject.
func CreateSignedDecision(ctx context.Context, store Store, v *TokenVerifier, tokenString string) (*Decision, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	return store.CreateDecision(ctx, &DecisionInput{
		RequestID: claims.RequestID,
		DecidedBy: claims.Subject,
		Decision:  DecisionKind(claims.Decision),
		Notes:     claims.Notes,
		Metadata:  map[string]any{"token_issuer": claims.Issuer},
	})
}
