package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MEGA-M1ND/AgentGuard/pkg/identity"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

// ErrUnauthenticated covers every credential failure. Callers map it to a
// uniform 401; the specific cause is logged, never returned to the client.
var ErrUnauthenticated = errors.New("invalid or expired token")

// Gate authenticates requests. Bearer tokens take precedence over the
// legacy x-admin-key / x-agent-key headers; a request with no credentials
// resolves to the public principal.
type Gate struct {
	tokens      *identity.TokenManager
	revocations identity.RevocationSet
	agents      *store.AgentStore
	adminAPIKey string
	logger      *slog.Logger
}

// NewGate creates the authentication gate. adminAPIKey is the process-wide
// shared secret bound to the implicit super-admin.
func NewGate(tokens *identity.TokenManager, revocations identity.RevocationSet, agents *store.AgentStore, adminAPIKey string) *Gate {
	return &Gate{
		tokens:      tokens,
		revocations: revocations,
		agents:      agents,
		adminAPIKey: adminAPIKey,
		logger:      slog.Default().With("component", "auth"),
	}
}

// Authenticate resolves the request's principal. Presented-but-invalid
// credentials return ErrUnauthenticated; absent credentials return the
// public principal.
func (g *Gate) Authenticate(r *http.Request) (Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return Identity{}, ErrUnauthenticated
		}
		return g.fromBearer(r, strings.TrimSpace(token))
	}
	if key := r.Header.Get("x-admin-key"); key != "" {
		return g.fromAdminKey(r, key)
	}
	if key := r.Header.Get("x-agent-key"); key != "" {
		return g.fromAgentKey(r, key)
	}
	return Identity{Kind: KindPublic}, nil
}

func (g *Gate) fromBearer(r *http.Request, token string) (Identity, error) {
	claims, err := g.tokens.Verify(token)
	if err != nil {
		g.logger.Debug("token verification failed", "error", err)
		return Identity{}, ErrUnauthenticated
	}

	// Revocation is checked after signature so unsigned garbage never
	// touches the store. A store failure rejects: never honor a token
	// whose revocation status is unknown.
	revoked, err := g.revocations.IsRevoked(r.Context(), claims.ID)
	if err != nil {
		g.logger.Error("revocation check failed", "jti", claims.ID, "error", err)
		return Identity{}, ErrUnauthenticated
	}
	if revoked {
		return Identity{}, ErrUnauthenticated
	}

	switch claims.Type {
	case identity.TokenTypeAgent:
		agent, err := g.agents.GetAgent(r.Context(), claims.Subject)
		if err != nil || !agent.IsActive {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{
			Kind:      KindAgent,
			SubjectID: agent.AgentID,
			Team:      agent.OwnerTeam,
			Env:       agent.Environment,
			TokenID:   claims.ID,
		}, nil
	case identity.TokenTypeAdmin:
		return Identity{
			Kind:      KindAdmin,
			SubjectID: claims.Subject,
			Role:      claims.Role,
			Team:      claims.Team,
			TokenID:   claims.ID,
		}, nil
	default:
		return Identity{}, ErrUnauthenticated
	}
}

func (g *Gate) fromAdminKey(r *http.Request, key string) (Identity, error) {
	if g.adminAPIKey != "" &&
		subtle.ConstantTimeCompare([]byte(key), []byte(g.adminAPIKey)) == 1 {
		return Identity{Kind: KindAdmin, SubjectID: "root", Role: RoleSuperAdmin}, nil
	}
	admin, err := g.agents.LookupAdminByKey(r.Context(), key)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		Kind:      KindAdmin,
		SubjectID: admin.AdminID,
		Role:      admin.Role,
		Team:      admin.Team,
	}, nil
}

func (g *Gate) fromAgentKey(r *http.Request, key string) (Identity, error) {
	agent, err := g.agents.LookupAgentByKey(r.Context(), key)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		Kind:      KindAgent,
		SubjectID: agent.AgentID,
		Team:      agent.OwnerTeam,
		Env:       agent.Environment,
	}, nil
}

// ExchangeAgentKey verifies a raw agent key and issues a bearer token for
// its agent.
func (g *Gate) ExchangeAgentKey(r *http.Request, rawKey string) (token string, expiresIn int, err error) {
	agent, err := g.agents.LookupAgentByKey(r.Context(), rawKey)
	if err != nil {
		return "", 0, ErrUnauthenticated
	}
	token, err = g.tokens.IssueAgentToken(agent.AgentID, agent.Environment, agent.OwnerTeam)
	if err != nil {
		return "", 0, err
	}
	return token, int(g.tokens.AgentTTL().Seconds()), nil
}

// ExchangeAdminKey verifies a raw admin key (shared secret or admin-user
// key) and issues a bearer token.
func (g *Gate) ExchangeAdminKey(r *http.Request, rawKey string) (token string, expiresIn int, err error) {
	id, err := g.fromAdminKey(r, rawKey)
	if err != nil {
		return "", 0, err
	}
	token, err = g.tokens.IssueAdminToken(id.SubjectID, id.Role, id.Team)
	if err != nil {
		return "", 0, err
	}
	return token, int(g.tokens.AdminTTL().Seconds()), nil
}

// RevokeToken verifies the bearer token and adds its jti to the revocation
// set. Revocation is idempotent.
func (g *Gate) RevokeToken(r *http.Request, token string) error {
	claims, err := g.tokens.Verify(token)
	if err != nil {
		return ErrUnauthenticated
	}
	return g.revocations.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time)
}
