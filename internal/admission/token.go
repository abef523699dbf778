package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
)

// CapabilityClaims are the claims of a capability token issued by the
// platform's token service for one conversation.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	ConversationID string   `json:"conversation_id"`
	AllowedOrigins []string `json:"allowed_origins"`
	ChannelKind    string   `json:"channel_kind,omitempty"`
}

// Capability is the verified content of a capability token.
type Capability struct {
	ConversationID string
	AllowedOrigins []string
	Kind           model.ChannelKind
	ExpiresAt      time.Time
}

// TokenVerifier checks capability token signatures and expiry.
type TokenVerifier interface {
	Verify(token string) (*Capability, error)
}

// HMACVerifier verifies HS256-signed capability tokens.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACVerifier creates a verifier for tokens signed with secret.
func NewHMACVerifier(secret string, clock model.Clock) *HMACVerifier {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock.Now),
		),
	}
}

// Verify parses token and returns its capability.
func (v *HMACVerifier) Verify(token string) (*Capability, error) {
	if token == "" {
		return nil, errors.New("missing token")
	}

	claims := &CapabilityClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.ConversationID == "" {
		return nil, errors.New("token has no conversation_id")
	}

	kind, err := model.ParseChannelKind(claims.ChannelKind)
	if err != nil {
		return nil, err
	}

	return &Capability{
		ConversationID: claims.ConversationID,
		AllowedOrigins: claims.AllowedOrigins,
		Kind:           kind,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}

// IssueToken signs a capability token. The production issuer lives outside
// this service; this is used by tests and local tooling.
func IssueToken(secret string, capability Capability) (string, error) {
	claims := CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(capability.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ConversationID: capability.ConversationID,
		AllowedOrigins: capability.AllowedOrigins,
		ChannelKind:    string(capability.Kind),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign capability token: %w", err)
	}
	return signed, nil
}
