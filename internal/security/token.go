package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/yourhiddentrip/tripcollab/internal/clock"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrWrongSession = errors.New("token is bound to another session")
)

const issuer = "tripcollab"

// SessionClaims bind a user to one collaboration session. Subject is the
// user id.
type SessionClaims struct {
	jwt.StandardClaims
	SessionID string `json:"sid"`
}

// Signer issues and checks HS256 session tokens.
type Signer struct {
	secret    []byte
	ttl       time.Duration
	clockSkew time.Duration
	clock     clock.Clock
}

func NewSigner(secret string, ttl time.Duration, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Signer{
		secret:    []byte(secret),
		ttl:       ttl,
		clockSkew: 30 * time.Second,
		clock:     clk,
	}
}

func (s *Signer) Issue(userID, sessionID string) (string, error) {
	now := s.clock.Now()
	claims := SessionClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  now.Unix(),
			NotBefore: now.Add(-s.clockSkew).Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
		SessionID: sessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse verifies the signature and the time claims against the signer's
// clock.
func (s *Signer) Parse(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	p := jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}
	token, err := p.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyIssuer(issuer, true) {
		return nil, ErrInvalidToken
	}

	now := s.clock.Now()
	nbf := time.Unix(claims.NotBefore, 0).Add(-s.clockSkew)
	exp := time.Unix(claims.ExpiresAt, 0).Add(s.clockSkew)
	if now.Before(nbf) || now.After(exp) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// Authorize parses the token and checks it belongs to sessionID.
func (s *Signer) Authorize(tokenStr, sessionID string) (*SessionClaims, error) {
	claims, err := s.Parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID {
		return nil, ErrWrongSession
	}
	return claims, nil
}
