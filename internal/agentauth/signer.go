// Package agentauth issues and validates lightweight signed agent
// tokens, patterned on stream_gateway/internal/token.Generator's JWT
// issuance and its sibling Signer's HMAC URL-signing. It exists so
// claim_stage HTTP requests can authenticate which agent is claiming a
// stage without standing up a full auth service — a worker process
// holds one token per agent identity for its lifetime.
package agentauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims is the JWT claims embedded in an agent token.
type AgentClaims struct {
	jwt.RegisteredClaims
	AgentName string `json:"agentName"`
}

// Signer issues and validates agent tokens.
type Signer struct {
	secret    []byte
	expiresIn time.Duration
}

// NewSigner creates a Signer with the given HMAC secret and token
// lifetime.
func NewSigner(secret string, expiresIn time.Duration) *Signer {
	return &Signer{secret: []byte(secret), expiresIn: expiresIn}
}

// IssueToken creates a signed JWT asserting agentID/agentName.
func (s *Signer) IssueToken(agentID, agentName string) (string, time.Time, error) {
	if agentID == "" {
		return "", time.Time{}, fmt.Errorf("agentID is required")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.expiresIn)

	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "cutroom",
		},
		AgentName: agentName,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing agent token: %w", err)
	}
	return signed, expiresAt, nil
}

// AgentIdentity is the authenticated identity carried by a validated token.
type AgentIdentity struct {
	AgentID   string
	AgentName string
}

// Validate parses and verifies a token, returning the agent identity it
// asserts. Expired tokens and signature mismatches are rejected.
func (s *Signer) Validate(tokenString string) (AgentIdentity, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return AgentIdentity{}, fmt.Errorf("parsing agent token: %w", err)
	}

	claims, ok := tok.Claims.(*AgentClaims)
	if !ok || !tok.Valid {
		return AgentIdentity{}, fmt.Errorf("invalid agent token")
	}

	return AgentIdentity{AgentID: claims.Subject, AgentName: claims.AgentName}, nil
}
