package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEGA-M1ND/AgentGuard/pkg/approval"
	"github.com/MEGA-M1ND/AgentGuard/pkg/auth"
	"github.com/MEGA-M1ND/AgentGuard/pkg/identity"
	"github.com/MEGA-M1ND/AgentGuard/pkg/notify"
	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
	"github.com/MEGA-M1ND/AgentGuard/pkg/ratelimit"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

const testRootKey = "root-shared-secret"

type apiFixture struct {
	srv *httptest.Server
}

func newAPIFixture(t *testing.T, limits map[string]int) *apiFixture {
	t.Helper()

	db, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	agents, err := store.NewAgentStore(db)
	require.NoError(t, err)
	policies, err := store.NewPolicyStore(db)
	require.NoError(t, err)
	audits, err := store.NewAuditLogStore(db)
	require.NoError(t, err)
	approvals, err := store.NewApprovalStore(db)
	require.NoError(t, err)
	revocations, err := store.NewRevocationStore(db)
	require.NoError(t, err)

	ks, err := identity.LoadOrGenerateKeySet("")
	require.NoError(t, err)
	tokens := identity.NewTokenManager(ks, time.Hour, 8*time.Hour)

	mgr := approval.NewManager(approvals, agents, notify.NewDispatcher("", "", 0))
	engine := policy.NewEngine(policies, mgr, audits)
	gate := auth.NewGate(tokens, revocations, agents, testRootKey)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryCounterStore(), true)
	if limits != nil {
		limiter = limiter.WithLimitOverrides(limits)
	}

	server := NewServer(Options{
		Gate:      gate,
		Engine:    engine,
		Approvals: mgr,
		Agents:    agents,
		Policies:  policies,
		Audits:    audits,
		Reports:   store.NewReportStore(db),
		Keys:      ks,
		Limiter:   limiter,
		DB:        db,
		Version:   "test",
	})

	srv := httptest.NewServer(server.Handler(nil))
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv}
}

// do issues a request and decodes the JSON body into a map. headers may be
// nil; body may be nil for bodyless requests.
func (f *apiFixture) do(t *testing.T, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func rootHeaders() map[string]string {
	return map[string]string{"x-admin-key": testRootKey}
}

// createAgent registers an agent via the API and returns its id and raw key.
func (f *apiFixture) createAgent(t *testing.T, name, team, env string) (agentID, rawKey string) {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/agents", rootHeaders(),
		map[string]string{"name": name, "owner_team": team, "environment": env})
	require.Equal(t, http.StatusCreated, status)
	return body["agent_id"].(string), body["api_key"].(string)
}

// agentBearer exchanges a raw agent key for bearer headers.
func (f *apiFixture) agentBearer(t *testing.T, rawKey string) map[string]string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/token", nil, map[string]string{"agent_key": rawKey})
	require.Equal(t, http.StatusOK, status)
	return map[string]string{"Authorization": "Bearer " + body["access_token"].(string)}
}

func (f *apiFixture) putAgentPolicy(t *testing.T, agentID string, doc map[string]any) {
	t.Helper()
	status, _ := f.do(t, http.MethodPut, "/agents/"+agentID+"/policy", rootHeaders(), doc)
	require.Equal(t, http.StatusOK, status)
}

func TestHealthAndJWKS(t *testing.T) {
	f := newAPIFixture(t, nil)

	status, body := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "agentguard", body["service"])

	status, _ = f.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodGet, "/.well-known/jwks.json", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	keys, ok := body["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)
}

func TestEnforceAllowAndAudit(t *testing.T) {
	f := newAPIFixture(t, nil)

	agentID, rawKey := f.createAgent(t, "research-bot", "research", "prod")
	f.putAgentPolicy(t, agentID, map[string]any{
		"allow": []map[string]any{{"action": "read:file"}},
	})
	bearer := f.agentBearer(t, rawKey)

	status, body := f.do(t, http.MethodPost, "/enforce", bearer,
		map[string]any{"action": "read:file", "resource": "notes.txt"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "matched allow rule read:file on *", body["reason"])

	// Default deny for anything not covered.
	status, body = f.do(t, http.MethodPost, "/enforce", bearer,
		map[string]any{"action": "write:file"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "no matching rule", body["reason"])

	// Both decisions landed on the agent's audit chain.
	status, body = f.do(t, http.MethodGet, "/logs", bearer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["total"])

	// A bounded page still reports the filtered total.
	status, body = f.do(t, http.MethodGet, "/logs?limit=1", bearer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 1)
	assert.EqualValues(t, 2, body["total"])

	status, body = f.do(t, http.MethodGet, "/logs/verify", bearer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])
}

func TestApprovalFlow(t *testing.T) {
	f := newAPIFixture(t, nil)

	agentID, rawKey := f.createAgent(t, "research-bot", "research", "prod")
	f.putAgentPolicy(t, agentID, map[string]any{
		"require_approval": []map[string]any{
			{"action": "delete:database", "resource": "research_findings"},
		},
	})
	bearer := f.agentBearer(t, rawKey)

	status, body := f.do(t, http.MethodPost, "/enforce", bearer,
		map[string]any{"action": "delete:database", "resource": "research_findings"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "approval required by rule delete:database on research_findings", body["reason"])

	approvalID, _ := body["approval_id"].(string)
	require.True(t, strings.HasPrefix(approvalID, "ap_"))

	// The agent polls its own request.
	status, body = f.do(t, http.MethodGet, "/approvals/"+approvalID, bearer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pending", body["status"])

	// An admin approves it.
	status, body = f.do(t, http.MethodPost, "/approvals/"+approvalID+"/approve", rootHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", body["status"])
	assert.Equal(t, "root", body["decided_by"])

	status, body = f.do(t, http.MethodGet, "/approvals/"+approvalID, bearer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", body["status"])

	// The decision is terminal.
	status, body = f.do(t, http.MethodPost, "/approvals/"+approvalID+"/deny", rootHeaders(),
		map[string]string{"reason": "changed my mind"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "approval already decided", body["detail"])

	// A foreign agent cannot observe the request.
	_, otherKey := f.createAgent(t, "other-bot", "research", "prod")
	otherBearer := f.agentBearer(t, otherKey)
	status, _ = f.do(t, http.MethodGet, "/approvals/"+approvalID, otherBearer, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDenyRequiresReasonOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)

	agentID, rawKey := f.createAgent(t, "bot", "t1", "dev")
	f.putAgentPolicy(t, agentID, map[string]any{
		"require_approval": []map[string]any{{"action": "deploy:service"}},
	})
	bearer := f.agentBearer(t, rawKey)

	status, body := f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "deploy:service"})
	require.Equal(t, http.StatusOK, status)
	approvalID := body["approval_id"].(string)

	status, _ = f.do(t, http.MethodPost, "/approvals/"+approvalID+"/deny", rootHeaders(), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/approvals/"+approvalID+"/deny", rootHeaders(),
		map[string]string{"reason": "not during launch week"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "denied", body["status"])
}

func TestAuthorizationMatrix(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, rawKey := f.createAgent(t, "bot", "t1", "dev")
	bearer := f.agentBearer(t, rawKey)

	// Anonymous callers get 401 on protected routes.
	status, body := f.do(t, http.MethodGet, "/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "authentication required", body["detail"])

	// Agents cannot reach admin routes.
	status, body = f.do(t, http.MethodGet, "/agents", bearer, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "insufficient permissions", body["detail"])

	// Admins cannot enforce; that is an agent operation.
	status, _ = f.do(t, http.MethodPost, "/enforce", rootHeaders(), map[string]any{"action": "read:file"})
	assert.Equal(t, http.StatusForbidden, status)

	// An auditor reads but does not write.
	status, body = f.do(t, http.MethodPost, "/admin/users", rootHeaders(),
		map[string]string{"name": "casey", "role": "auditor"})
	require.Equal(t, http.StatusCreated, status)
	auditorKey := body["api_key"].(string)
	auditorHeaders := map[string]string{"x-admin-key": auditorKey}

	status, _ = f.do(t, http.MethodGet, "/agents", auditorHeaders, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/agents", auditorHeaders,
		map[string]string{"name": "x", "owner_team": "t", "environment": "dev"})
	assert.Equal(t, http.StatusForbidden, status)

	// Only the super-admin mints admin users.
	status, body = f.do(t, http.MethodPost, "/admin/users", rootHeaders(),
		map[string]string{"name": "dana", "role": "admin"})
	require.Equal(t, http.StatusCreated, status)
	adminKey := body["api_key"].(string)
	status, _ = f.do(t, http.MethodPost, "/admin/users", map[string]string{"x-admin-key": adminKey},
		map[string]string{"name": "evan", "role": "auditor"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestTokenRevocationOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, rawKey := f.createAgent(t, "bot", "t1", "dev")
	bearer := f.agentBearer(t, rawKey)

	status, body := f.do(t, http.MethodPost, "/token/revoke", bearer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["revoked"])

	status, body = f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "read:file"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid or expired token", body["detail"])
}

func TestDeactivatedAgentLosesAccess(t *testing.T) {
	f := newAPIFixture(t, nil)
	agentID, rawKey := f.createAgent(t, "bot", "t1", "dev")
	bearer := f.agentBearer(t, rawKey)

	status, _ := f.do(t, http.MethodDelete, "/agents/"+agentID, rootHeaders(), nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "read:file"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/token", nil, map[string]string{"agent_key": rawKey})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodDelete, "/agents/agt_missing", rootHeaders(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPolicyValidationErrors(t *testing.T) {
	f := newAPIFixture(t, nil)
	agentID, _ := f.createAgent(t, "bot", "t1", "dev")

	// A rule without an action fails schema validation.
	status, body := f.do(t, http.MethodPut, "/agents/"+agentID+"/policy", rootHeaders(),
		map[string]any{"allow": []map[string]any{{"resource": "db"}}})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation failed", body["detail"])
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, errs)

	// A broken guard expression is rejected at write time.
	status, _ = f.do(t, http.MethodPut, "/agents/"+agentID+"/policy", rootHeaders(),
		map[string]any{"deny": []map[string]any{{
			"action":     "delete:*",
			"conditions": map[string]any{"expr": "env ==="},
		}}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// Policies for unknown agents are 404.
	status, _ = f.do(t, http.MethodPut, "/agents/agt_missing/policy", rootHeaders(),
		map[string]any{"allow": []map[string]any{{"action": "read:*"}}})
	assert.Equal(t, http.StatusNotFound, status)
	status, body = f.do(t, http.MethodGet, "/agents/"+agentID+"/policy", rootHeaders(), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no policy set for agent", body["detail"])
}

// PUT then GET of a policy returns the author's rule text untouched;
// canonical expansion only happens when rules are matched.
func TestPolicyRoundTripPreservesAuthoredRules(t *testing.T) {
	f := newAPIFixture(t, nil)

	agentID, rawKey := f.createAgent(t, "bot", "t1", "dev")
	f.putAgentPolicy(t, agentID, map[string]any{
		"allow": []map[string]any{{"action": "Read File"}, {"action": "list"}},
	})

	status, body := f.do(t, http.MethodGet, "/agents/"+agentID+"/policy", rootHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	allow, ok := body["allow"].([]any)
	require.True(t, ok)
	require.Len(t, allow, 2)
	assert.Equal(t, "Read File", allow[0].(map[string]any)["action"])
	assert.Equal(t, "list", allow[1].(map[string]any)["action"])

	// The stored form still matches its canonical equivalent.
	bearer := f.agentBearer(t, rawKey)
	status, body = f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "read:file"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "matched allow rule Read File on *", body["reason"])

	// A bare verb expands to verb:* at match time.
	status, body = f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "list:buckets"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["allowed"])
}

func TestTeamPolicyPrecedenceOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)

	agentID, rawKey := f.createAgent(t, "bot", "research", "prod")
	f.putAgentPolicy(t, agentID, map[string]any{
		"allow": []map[string]any{{"action": "write:prod_db"}},
	})
	status, _ := f.do(t, http.MethodPut, "/teams/research/policy", rootHeaders(),
		map[string]any{"deny": []map[string]any{{"action": "write:prod_db"}}})
	require.Equal(t, http.StatusOK, status)

	bearer := f.agentBearer(t, rawKey)
	status, body := f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "write:prod_db"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Contains(t, body["reason"], "matched deny rule")
}

func TestRateLimitReturns429(t *testing.T) {
	f := newAPIFixture(t, map[string]int{ratelimit.BucketAdminRead: 2})

	for i := 0; i < 2; i++ {
		status, _ := f.do(t, http.MethodGet, "/agents", rootHeaders(), nil)
		require.Equal(t, http.StatusOK, status, "request %d", i)
	}
	status, body := f.do(t, http.MethodGet, "/agents", rootHeaders(), nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", body["detail"])
	retryAfter, ok := body["retry_after"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, retryAfter, float64(1))
}

func TestEnforceRequiresAction(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, rawKey := f.createAgent(t, "bot", "t1", "dev")
	bearer := f.agentBearer(t, rawKey)

	status, body := f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"resource": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "action is required", body["detail"])
}

func TestAgentSubmittedLogValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	agentID, rawKey := f.createAgent(t, "bot", "t1", "dev")
	bearer := f.agentBearer(t, rawKey)

	status, body := f.do(t, http.MethodPost, "/logs", bearer, map[string]any{
		"action": "read:file", "allowed": true, "result": "success",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, agentID, body["agent_id"])
	assert.NotEmpty(t, body["chain_hash"])

	status, _ = f.do(t, http.MethodPost, "/logs", bearer, map[string]any{
		"action": "read:file", "allowed": true, "result": "partial",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/logs", bearer, map[string]any{"result": "success"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTokenExchangeValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, rawKey := f.createAgent(t, "bot", "t1", "dev")

	// Neither or both keys is a client error.
	status, _ := f.do(t, http.MethodPost, "/token", nil, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/token", nil,
		map[string]string{"agent_key": rawKey, "admin_key": testRootKey})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/token", nil, map[string]string{"agent_key": "agk_bogus"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := f.do(t, http.MethodPost, "/token", nil, map[string]string{"admin_key": testRootKey})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bearer", body["token_type"])
	assert.EqualValues(t, 8*3600, body["expires_in"])
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAPIFixture(t, nil)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-777")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "req-777", resp.Header.Get("X-Request-ID"))
}

func TestReportSummaryOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)

	agentID, rawKey := f.createAgent(t, "research-bot", "research", "prod")
	f.putAgentPolicy(t, agentID, map[string]any{
		"allow": []map[string]any{{"action": "read:file"}},
		"deny":  []map[string]any{{"action": "delete:*"}},
	})
	bearer := f.agentBearer(t, rawKey)

	status, _ := f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "read:file"})
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/enforce", bearer, map[string]any{"action": "delete:database"})
	require.Equal(t, http.StatusOK, status)

	status, body := f.do(t, http.MethodGet, "/reports/summary", rootHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 30, body["period_days"])

	overview, ok := body["overview"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, overview["total_actions"])
	assert.EqualValues(t, 1, overview["allowed"])
	assert.EqualValues(t, 1, overview["denied"])
	assert.EqualValues(t, 50.0, overview["deny_rate"])

	denied, ok := body["top_denied_actions"].([]any)
	require.True(t, ok)
	require.Len(t, denied, 1)
	assert.Equal(t, "delete:database", denied[0].(map[string]any)["action"])

	// Agents cannot read reports; the window size is bounded.
	status, _ = f.do(t, http.MethodGet, "/reports/summary", bearer, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = f.do(t, http.MethodGet, "/reports/summary?days=0", rootHeaders(), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, "/reports/summary?days=400", rootHeaders(), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestVerifyChainRequiresAgentID(t *testing.T) {
	f := newAPIFixture(t, nil)

	status, body := f.do(t, http.MethodGet, "/logs/verify", rootHeaders(), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "agent_id is required", body["detail"])

	agentID, _ := f.createAgent(t, "bot", "t1", "dev")
	status, body = f.do(t, http.MethodGet, fmt.Sprintf("/logs/verify?agent_id=%s", agentID), rootHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])
	assert.EqualValues(t, 0, body["total_entries"])
}
