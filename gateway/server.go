// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway is the HTTP surface over the governed query
// pipeline: agent registration, query submission, approvals, traces,
// and cache administration.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/vpakspace/universal-agent-connector-sub000/pipeline"
	"github.com/vpakspace/universal-agent-connector-sub000/pool"
	"github.com/vpakspace/universal-agent-connector-sub000/registry"
	"github.com/vpakspace/universal-agent-connector-sub000/trace"
)

// Server binds the pipeline to HTTP.
type Server struct {
	pipeline  *pipeline.Pipeline
	registry  *registry.AgentRegistry
	tokens    *registry.TokenIssuer
	tokenTTL  time.Duration
	providers *ProviderBootstrap
	pool      *pool.ConnectionPool
	router    *mux.Router
	cors      *cors.Cors
}

// Options configures the Server.
type Options struct {
	Pipeline *pipeline.Pipeline
	Registry *registry.AgentRegistry
	Tokens   *registry.TokenIssuer
	TokenTTL time.Duration
	// Providers wires registered agents' AI provider configs into the
	// failover chain. Optional; tests inject providers directly.
	Providers *ProviderBootstrap
	// Pool, when set, gets a connection pool registered for each new
	// agent.
	Pool *pool.ConnectionPool
}

// NewServer creates a Server and registers its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		pipeline:  opts.Pipeline,
		registry:  opts.Registry,
		tokens:    opts.Tokens,
		tokenTTL:  opts.TokenTTL,
		providers: opts.Providers,
		pool:      opts.Pool,
		router:    mux.NewRouter(),
		cors: cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}),
	}
	s.routes()
	return s
}

// Handler returns the full HTTP handler including CORS.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

// ListenAndServe blocks serving HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	log.Printf("Gateway listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/api/agents", s.handleRegisterAgent).Methods("POST")
	s.router.HandleFunc("/api/agents", s.handleListAgents).Methods("GET")
	s.router.HandleFunc("/api/agents/{id}/token", s.handleIssueToken).Methods("POST")

	s.router.Handle("/api/query", s.requireAgentToken(http.HandlerFunc(s.handleSubmitQuery))).Methods("POST")
	s.router.Handle("/api/query/preview", s.requireAgentToken(http.HandlerFunc(s.handlePreviewQuery))).Methods("POST")

	s.router.HandleFunc("/api/approvals", s.handleListApprovals).Methods("GET")
	s.router.HandleFunc("/api/approvals/{id}/approve", s.handleApprove).Methods("POST")
	s.router.HandleFunc("/api/approvals/{id}/reject", s.handleReject).Methods("POST")

	s.router.HandleFunc("/api/traces", s.handleListTraces).Methods("GET")
	s.router.HandleFunc("/api/traces/{id}", s.handleGetTrace).Methods("GET")

	s.router.HandleFunc("/api/cache/invalidate", s.handleInvalidateCache).Methods("POST")
	s.router.HandleFunc("/api/cache/stats", s.handleCacheStats).Methods("GET")
}

// requireAgentToken authenticates the Bearer token and pins the
// request body's agent_id to the token's subject.
func (s *Server) requireAgentToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		agentID, err := s.tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		r.Header.Set("X-Agent-ID", agentID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "agent-connector-gateway",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var input registry.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agent, err := s.registry.Register(input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.providers != nil && input.ProviderConfigJSON != "" {
		if err := s.providers.RegisterAgentProviders(r.Context(), agent.ID, input.ProviderConfigJSON); err != nil {
			// The agent stays registered but cannot convert queries
			// until its providers are fixed.
			if disableErr := s.registry.Disable(agent.ID); disableErr != nil {
				log.Printf("Error disabling agent %s after provider failure: %v", agent.ID, disableErr)
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if s.pool != nil {
		if err := s.pool.Register(agent.ID, input.DatabaseConfig.Pooling, input.DatabaseConfig.Timeouts); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusNotImplemented, "token issuance not configured")
		return
	}
	agentID := mux.Vars(r)["id"]
	token, err := s.tokens.Issue(agentID, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "agent_id": agentID})
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if tokenAgent := r.Header.Get("X-Agent-ID"); tokenAgent != "" {
		req.AgentID = tokenAgent
	}

	resp := s.pipeline.SubmitQuery(r.Context(), req)
	status := http.StatusOK
	if resp.Status == pipeline.StatusError {
		status = http.StatusUnprocessableEntity
	}
	if resp.Status == pipeline.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePreviewQuery(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if tokenAgent := r.Header.Get("X-Agent-ID"); tokenAgent != "" {
		req.AgentID = tokenAgent
	}

	preview, err := s.pipeline.PreviewQuery(r.Context(), req.AgentID, req.Text)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.PendingApprovals())
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxExecutions int `json:"max_executions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.pipeline.Approve(mux.Vars(r)["id"], body.MaxExecutions); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.pipeline.Reject(mux.Vars(r)["id"], body.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.pipeline.GetTrace(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	filter := trace.Filter{
		AgentID:   r.URL.Query().Get("agent_id"),
		QueryType: r.URL.Query().Get("query_type"),
	}
	if raw := r.URL.Query().Get("success"); raw != "" {
		success := raw == "true"
		filter.Success = &success
	}
	writeJSON(w, http.StatusOK, s.pipeline.ListTraces(filter))
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id,omitempty"`
		Pattern string `json:"pattern,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	removed, err := s.pipeline.InvalidateCache(r.Context(), body.AgentID, body.Pattern)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.CacheStats(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
