package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/MEGA-M1ND/AgentGuard/pkg/approval"
	"github.com/MEGA-M1ND/AgentGuard/pkg/auth"
	"github.com/MEGA-M1ND/AgentGuard/pkg/identity"
	"github.com/MEGA-M1ND/AgentGuard/pkg/observability"
	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
	"github.com/MEGA-M1ND/AgentGuard/pkg/ratelimit"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

// maxBodyBytes caps request bodies. Policies and contexts are small; a
// larger body is a client bug.
const maxBodyBytes = 1 << 20

// Authentication classes for the routing table.
const (
	authPublic = "public"
	authAgent  = "agent"
	authAdmin  = "admin"
	authAny    = "any" // agent or admin
)

// Server is the HTTP surface of the control plane.
type Server struct {
	gate      *auth.Gate
	engine    *policy.Engine
	approvals *approval.Manager
	agents    *store.AgentStore
	policies  *store.PolicyStore
	audits    *store.AuditLogStore
	reports   *store.ReportStore
	keys      *identity.KeySet
	limiter   *ratelimit.Limiter
	obs       *observability.Provider
	db        *sql.DB
	ipGuard   *ipGuard
	logger    *slog.Logger
	version   string
}

// Options carries the server's dependencies.
type Options struct {
	Gate      *auth.Gate
	Engine    *policy.Engine
	Approvals *approval.Manager
	Agents    *store.AgentStore
	Policies  *store.PolicyStore
	Audits    *store.AuditLogStore
	Reports   *store.ReportStore
	Keys      *identity.KeySet
	Limiter   *ratelimit.Limiter
	Obs       *observability.Provider
	DB        *sql.DB
	Version   string
}

// NewServer assembles the HTTP server.
func NewServer(opts Options) *Server {
	return &Server{
		gate:      opts.Gate,
		engine:    opts.Engine,
		approvals: opts.Approvals,
		agents:    opts.Agents,
		policies:  opts.Policies,
		audits:    opts.Audits,
		reports:   opts.Reports,
		keys:      opts.Keys,
		limiter:   opts.Limiter,
		obs:       opts.Obs,
		db:        opts.DB,
		ipGuard:   newIPGuard(),
		logger:    slog.Default().With("component", "api"),
		version:   opts.Version,
	}
}

// route binds one entry of the routing table: method+path pattern, the
// authentication class with its minimum admin role, and the rate bucket.
type route struct {
	pattern   string
	authClass string
	minRole   string
	bucket    string
	handler   http.HandlerFunc
}

// Handler builds the routing table and wraps it with the middleware chain.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	routes := []route{
		{"POST /token", authPublic, "", ratelimit.BucketPublic, s.handleTokenExchange},
		{"POST /token/revoke", authAny, "", ratelimit.BucketPublic, s.handleTokenRevoke},
		{"GET /.well-known/jwks.json", authPublic, "", ratelimit.BucketPublic, s.handleJWKS},

		{"POST /agents", authAdmin, auth.RoleAdmin, ratelimit.BucketAdminWrite, s.handleCreateAgent},
		{"GET /agents", authAdmin, auth.RoleAuditor, ratelimit.BucketAdminRead, s.handleListAgents},
		{"GET /agents/{id}", authAdmin, auth.RoleAuditor, ratelimit.BucketAdminRead, s.handleGetAgent},
		{"DELETE /agents/{id}", authAdmin, auth.RoleAdmin, ratelimit.BucketAdminWrite, s.handleDeactivateAgent},
		{"PUT /agents/{id}/policy", authAdmin, auth.RoleAdmin, ratelimit.BucketAdminWrite, s.handlePutAgentPolicy},
		{"GET /agents/{id}/policy", authAdmin, auth.RoleAuditor, ratelimit.BucketAdminRead, s.handleGetAgentPolicy},

		{"PUT /teams/{team}/policy", authAdmin, auth.RoleAdmin, ratelimit.BucketAdminWrite, s.handlePutTeamPolicy},
		{"GET /teams/{team}/policy", authAdmin, auth.RoleAuditor, ratelimit.BucketAdminRead, s.handleGetTeamPolicy},

		{"POST /admin/users", authAdmin, auth.RoleSuperAdmin, ratelimit.BucketAdminWrite, s.handleCreateAdminUser},

		{"POST /enforce", authAgent, "", ratelimit.BucketEnforce, s.handleEnforce},

		{"POST /logs", authAgent, "", ratelimit.BucketLogs, s.handleCreateLog},
		{"GET /logs", authAny, auth.RoleAuditor, ratelimit.BucketLogs, s.handleListLogs},
		{"GET /logs/verify", authAny, auth.RoleAuditor, ratelimit.BucketLogs, s.handleVerifyChain},

		{"GET /approvals", authAdmin, auth.RoleAuditor, ratelimit.BucketAdminRead, s.handleListApprovals},
		{"GET /approvals/{id}", authAny, auth.RoleAuditor, ratelimit.BucketAdminRead, s.handleGetApproval},
		{"POST /approvals/{id}/approve", authAdmin, auth.RoleApprover, ratelimit.BucketAdminWrite, s.handleApprove},
		{"POST /approvals/{id}/deny", authAdmin, auth.RoleApprover, ratelimit.BucketAdminWrite, s.handleDeny},
		{"DELETE /approvals/{id}", authAdmin, auth.RoleAdmin, ratelimit.BucketAdminWrite, s.handleCancelApproval},

		{"GET /reports/summary", authAdmin, auth.RoleAuditor, ratelimit.BucketAdminRead, s.handleReportSummary},

		{"GET /health", authPublic, "", "", s.handleHealth},
		{"GET /health/live", authPublic, "", "", s.handleLive},
		{"GET /health/ready", authPublic, "", "", s.handleReady},
		{"GET /metrics", authPublic, "", "", s.handleMetrics},
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.Handle(rt.pattern, s.guard(rt))
	}

	var handler http.Handler = mux
	handler = s.accessLog(handler)
	handler = auth.CORSMiddleware(corsOrigins)(handler)
	handler = auth.RequestIDMiddleware(handler)
	return handler
}

// guard authenticates, authorizes, and admits one route.
func (s *Server) guard(rt route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		id, err := s.gate.Authenticate(r)
		if err != nil {
			WriteUnauthorized(w, "invalid or expired token")
			return
		}

		switch rt.authClass {
		case authPublic:
			// Public routes get per-IP smoothing on top of the window.
			if s.ipGuard != nil && !s.ipGuard.allow(clientIP(r)) {
				WriteTooManyRequests(w, 1)
				return
			}
		case authAgent:
			if !id.IsAgent() {
				s.rejectPrincipal(w, id)
				return
			}
		case authAdmin:
			if !id.HasRole(rt.minRole) {
				s.rejectPrincipal(w, id)
				return
			}
		case authAny:
			if id.IsAdmin() && !id.HasRole(rt.minRole) {
				s.rejectPrincipal(w, id)
				return
			}
			if !id.IsAgent() && !id.IsAdmin() {
				s.rejectPrincipal(w, id)
				return
			}
		}

		if rt.bucket != "" && s.limiter != nil {
			key := id.RateKey()
			if id.Kind == auth.KindPublic {
				key = "ip:" + clientIP(r)
			}
			d := s.limiter.Admit(r.Context(), rt.bucket, key)
			if !d.Allowed {
				WriteTooManyRequests(w, d.RetryAfter)
				return
			}
		}

		rt.handler(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// rejectPrincipal maps an authorization failure: anonymous callers get 401,
// authenticated but unentitled ones 403.
func (s *Server) rejectPrincipal(w http.ResponseWriter, id auth.Identity) {
	if id.Kind == auth.KindPublic {
		WriteUnauthorized(w, "authentication required")
		return
	}
	WriteForbidden(w, "insufficient permissions")
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		s.obs.RecordRequest(r.Context(), r.URL.Path, rec.status, elapsed)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", auth.RequestIDFrom(r.Context()),
		)
	})
}
