package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Principal token classes.
const (
	TokenTypeAgent = "agent"
	TokenTypeAdmin = "admin"
)

// ErrInvalidToken covers every verification failure. The specific reason is
// logged by the caller, never returned to the client.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims are the bearer token claims. Env/Team are set on agent tokens,
// Role/Team on admin tokens.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
	Env  string `json:"env,omitempty"`
	Team string `json:"team,omitempty"`
	Role string `json:"role,omitempty"`
}

// TokenManager issues and verifies short-lived bearer tokens.
type TokenManager struct {
	keys     *KeySet
	agentTTL time.Duration
	adminTTL time.Duration
	clock    func() time.Time
}

// NewTokenManager creates a manager with the given expiries (1h agent /
// 8h admin by default at the config layer).
func NewTokenManager(ks *KeySet, agentTTL, adminTTL time.Duration) *TokenManager {
	return &TokenManager{
		keys:     ks,
		agentTTL: agentTTL,
		adminTTL: adminTTL,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// AgentTTL returns the agent token lifetime.
func (tm *TokenManager) AgentTTL() time.Duration { return tm.agentTTL }

// AdminTTL returns the admin token lifetime.
func (tm *TokenManager) AdminTTL() time.Duration { return tm.adminTTL }

// IssueAgentToken signs a token for an agent principal.
func (tm *TokenManager) IssueAgentToken(agentID, env, team string) (string, error) {
	return tm.issue(agentID, TokenTypeAgent, tm.agentTTL, func(c *Claims) {
		c.Env = env
		c.Team = team
	})
}

// IssueAdminToken signs a token for an admin principal. An empty team means
// the admin spans all teams.
func (tm *TokenManager) IssueAdminToken(adminID, role, team string) (string, error) {
	return tm.issue(adminID, TokenTypeAdmin, tm.adminTTL, func(c *Claims) {
		c.Role = role
		c.Team = team
	})
}

func (tm *TokenManager) issue(subject, tokenType string, ttl time.Duration, fill func(*Claims)) (string, error) {
	now := tm.clock().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: tokenType,
	}
	fill(claims)

	signed, err := tm.keys.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign %s token for %s: %w", tokenType, subject, err)
	}
	return signed, nil
}

// Verify checks the signature and expiry, returning the claims. Revocation
// is checked separately by the auth gate against the revocation set.
func (tm *TokenManager) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, tm.keys.KeyFunc(),
		jwt.WithTimeFunc(func() time.Time { return tm.clock() }),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAgent && claims.Type != TokenTypeAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
