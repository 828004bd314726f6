package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lukasbauer/captionstream/internal/protocol"
)

const resumeAudience = "captionstream-resume"

// ResumeClaims is the payload of a resume token. The subject is the session id.
type ResumeClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer signs and checks resume tokens. A nil issuer issues nothing
// and accepts any resume request.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns nil when secret is empty.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token that lets its bearer resume sessionID.
func (t *TokenIssuer) Issue(sessionID string) (string, error) {
	if t == nil {
		return "", nil
	}
	now := t.now()
	claims := ResumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{resumeAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign resume token: %w", err)
	}
	return signed, nil
}

// Verify checks that tokenString was issued for sessionID.
func (t *TokenIssuer) Verify(tokenString, sessionID string) error {
	if t == nil {
		return nil
	}
	if tokenString == "" {
		return fmt.Errorf("%w: missing resume token", protocol.ErrResumeRejected)
	}

	claims := &ResumeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithAudience(resumeAudience),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: invalid resume token: %v", protocol.ErrResumeRejected, err)
	}
	if claims.Subject != sessionID {
		return fmt.Errorf("%w: token issued for another session", protocol.ErrResumeRejected)
	}
	return nil
}
