// Package api is the HTTP surface of the OSP reference server: the
// JSON-RPC dispatcher on /osp-rpc, the health and metrics endpoints and
// the admin routes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/internal/canonical"
	"github.com/openskills/osp-server/internal/conformance"
	"github.com/openskills/osp-server/internal/degrade"
	"github.com/openskills/osp-server/internal/delivery"
	"github.com/openskills/osp-server/internal/metrics"
	"github.com/openskills/osp-server/internal/registry"
	"github.com/openskills/osp-server/internal/routing"
	"github.com/openskills/osp-server/internal/skills"
	"github.com/openskills/osp-server/pkg/models"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcMeta struct {
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id"`
	Timestamp string `json:"timestamp"`
}

// RPCHandler dispatches OSP JSON-RPC methods. Dependencies are injected
// by the composition root; the handler holds no global state.
type RPCHandler struct {
	router     *routing.Engine
	enforcer   *delivery.Enforcer
	registry   *registry.Service
	catalog    *skills.Catalog
	controller *degrade.Controller
	metrics    *metrics.Metrics
	version    string
	log        zerolog.Logger
}

func NewRPCHandler(
	router *routing.Engine,
	enforcer *delivery.Enforcer,
	reg *registry.Service,
	catalog *skills.Catalog,
	controller *degrade.Controller,
	m *metrics.Metrics,
	version string,
	log zerolog.Logger,
) *RPCHandler {
	return &RPCHandler{
		router:     router,
		enforcer:   enforcer,
		registry:   reg,
		catalog:    catalog,
		controller: controller,
		metrics:    m,
		version:    version,
		log:        log.With().Str("component", "rpc").Logger(),
	}
}

// d3Admitted lists the only methods served at D3_CRITICAL. Everything
// else is shed with 503.
var d3Admitted = map[string]bool{
	"osp.get_capabilities": true,
	"osp.list_profiles":    true,
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.write(w, http.StatusBadRequest, nil, nil, &rpcError{Code: codeParseError, Message: "Parse error"})
		h.count("", http.StatusBadRequest)
		return
	}
	if req.JSONRPC != "2.0" {
		h.write(w, http.StatusBadRequest, req.ID, nil, &rpcError{Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\""})
		h.count(req.Method, http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		h.write(w, http.StatusBadRequest, req.ID, nil, &rpcError{Code: codeInvalidRequest, Message: "method required"})
		h.count("", http.StatusBadRequest)
		return
	}

	if h.controller.Level() == models.D3Critical && !d3Admitted[req.Method] {
		h.write(w, http.StatusServiceUnavailable, req.ID, nil, &rpcError{
			Code:    codeServerError,
			Message: "Server is shedding load",
			Data:    map[string]any{"reason_code": models.ReasonD3LoadShedding},
		})
		h.count(req.Method, http.StatusServiceUnavailable)
		return
	}

	status, result, rpcErr := h.dispatch(r, req)
	h.write(w, status, req.ID, result, rpcErr)
	h.count(req.Method, status)
}

func (h *RPCHandler) dispatch(r *http.Request, req rpcRequest) (int, any, *rpcError) {
	switch req.Method {
	case "osp.route":
		return h.route(r, req.Params)
	case "osp.execute":
		return h.execute(r, req.Params)
	case "osp.get_proof":
		return h.getProof(req.Params)
	case "osp.get_all_proofs":
		return h.getAllProofs(req.Params)
	case "osp.list_profiles":
		return h.listProfiles()
	case "osp.list_skills":
		return http.StatusOK, map[string]any{"skills": h.catalog.Manifests()}, nil
	case "osp.get_skill":
		return h.getSkill(req.Params)
	case "osp.get_capabilities":
		return h.capabilities()
	case "osp.conformance.run":
		return http.StatusOK, conformance.Run(r.Context()), nil
	case "osp.registry.register":
		return h.registryRegister(req.Params)
	case "osp.registry.revoke":
		return h.registryRevoke(req.Params)
	case "osp.registry.get":
		return h.registryGet(req.Params)
	case "osp.registry.list":
		return h.registryList(req.Params)
	case "osp.registry.log":
		return h.registryLog(req.Params)
	default:
		return http.StatusNotFound, nil, &rpcError{
			Code:    codeMethodNotFound,
			Message: "Method not found: " + req.Method,
			Data:    map[string]any{"reason_code": models.ReasonUnknownMethod},
		}
	}
}

// ── osp.route ───────────────────────────────────────────────

func (h *RPCHandler) route(r *http.Request, params json.RawMessage) (int, any, *rpcError) {
	var req models.RouteRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid route params"}
		}
	}

	// D2 and above force lexical-only routing regardless of what the
	// caller asked for. D1 keeps the semantic rerank.
	if !h.controller.SemanticAllowed() {
		req.RoutingConditions.SkipSemantic = true
	}

	result := h.router.Route(r.Context(), req)
	if !result.Refused() {
		return http.StatusOK, result, nil
	}
	return refusalStatus(result.Fallback.ReasonCode), result, nil
}

// refusalStatus maps a refusal reason onto an HTTP status: availability
// failures are 503, malformed requests 400, everything else 403.
func refusalStatus(reason string) int {
	switch reason {
	case models.ReasonClassifierDown, models.ReasonSafetyCheckTimeout:
		return http.StatusServiceUnavailable
	case models.ReasonEmptyQuery:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// ── osp.execute ─────────────────────────────────────────────

type executeParams struct {
	SkillID        string         `json:"skill_id"`
	Arguments      map[string]any `json:"arguments"`
	TTLSeconds     int            `json:"ttl_seconds"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (h *RPCHandler) execute(r *http.Request, params json.RawMessage) (int, any, *rpcError) {
	var p executeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid execute params"}
		}
	}
	if p.SkillID == "" {
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "skill_id is required"}
	}
	skill, ok := h.catalog.Get(p.SkillID)
	if !ok {
		return http.StatusNotFound, nil, &rpcError{Code: codeMethodNotFound, Message: "Unknown skill: " + p.SkillID}
	}

	start := time.Now()
	outcome := h.enforcer.Execute(r.Context(), p.SkillID, skill.Execute, p.Arguments, p.TTLSeconds, p.IdempotencyKey)
	h.metrics.ExecutionDuration.WithLabelValues(p.SkillID).Observe(time.Since(start).Seconds())

	switch outcome.Status {
	case delivery.StatusRejected:
		return http.StatusServiceUnavailable, outcome, nil
	case delivery.StatusExpired, delivery.StatusFailed:
		return http.StatusInternalServerError, outcome, nil
	default:
		return http.StatusOK, outcome, nil
	}
}

// ── Proofs ──────────────────────────────────────────────────

func (h *RPCHandler) getProof(params json.RawMessage) (int, any, *rpcError) {
	var p struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid get_proof params"}
		}
	}
	if p.IdempotencyKey == "" {
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "idempotency_key is required"}
	}
	bundle, ok := h.enforcer.GetProof(p.IdempotencyKey)
	if !ok {
		return http.StatusNotFound, nil, &rpcError{Code: codeMethodNotFound, Message: "No contract for key: " + p.IdempotencyKey}
	}
	return http.StatusOK, bundle, nil
}

func (h *RPCHandler) getAllProofs(params json.RawMessage) (int, any, *rpcError) {
	var p struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid get_all_proofs params"}
		}
	}
	return http.StatusOK, h.enforcer.AllProofs(p.Limit, p.Offset), nil
}

// ── Profiles / Skills / Capabilities ────────────────────────

func (h *RPCHandler) listProfiles() (int, any, *rpcError) {
	return http.StatusOK, map[string]any{
		"current_level": h.controller.Level().String(),
		"profiles": map[string]any{
			models.D0Normal.String(): map[string]any{
				"description":      "Full functionality, all capabilities",
				"llm":              true,
				"semantic_routing": true,
			},
			models.D1ReducedIntelligence.String(): map[string]any{
				"description":      "No LLM, deterministic routing only",
				"llm":              false,
				"semantic_routing": true,
			},
			models.D2Minimal.String(): map[string]any{
				"description":      "Strict lexical matching only",
				"llm":              false,
				"semantic_routing": false,
			},
			models.D3Critical.String(): map[string]any{
				"description":      "Load shedding, service unavailable",
				"llm":              false,
				"semantic_routing": false,
			},
		},
	}, nil
}

func (h *RPCHandler) getSkill(params json.RawMessage) (int, any, *rpcError) {
	var p struct {
		SkillID string `json:"skill_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid get_skill params"}
		}
	}
	if p.SkillID == "" {
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "skill_id is required"}
	}
	skill, ok := h.catalog.Get(p.SkillID)
	if !ok {
		return http.StatusNotFound, nil, &rpcError{Code: codeMethodNotFound, Message: "Unknown skill: " + p.SkillID}
	}
	return http.StatusOK, skill.Manifest(), nil
}

func (h *RPCHandler) capabilities() (int, any, *rpcError) {
	return http.StatusOK, map[string]any{
		"protocol": "OSP/1.0",
		"version":  h.version,
		"methods": []string{
			"osp.route",
			"osp.execute",
			"osp.get_proof",
			"osp.get_all_proofs",
			"osp.list_profiles",
			"osp.list_skills",
			"osp.get_skill",
			"osp.get_capabilities",
			"osp.conformance.run",
			"osp.registry.register",
			"osp.registry.revoke",
			"osp.registry.get",
			"osp.registry.list",
			"osp.registry.log",
		},
		"auth": "JCS+" + joinAlgs(),
		"degradation_levels": []string{
			models.D0Normal.String(),
			models.D1ReducedIntelligence.String(),
			models.D2Minimal.String(),
			models.D3Critical.String(),
		},
		"delivery_contracts": true,
		"registry":           true,
	}, nil
}

func joinAlgs() string {
	out := ""
	for i, a := range canonical.Algorithms {
		if i > 0 {
			out += "/"
		}
		out += a
	}
	return out
}

// ── Registry ────────────────────────────────────────────────

func (h *RPCHandler) registryRegister(params json.RawMessage) (int, any, *rpcError) {
	var entry models.RegistryEntry
	if len(params) == 0 {
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "registry entry required"}
	}
	if err := json.Unmarshal(params, &entry); err != nil {
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid registry entry"}
	}
	stored, err := h.registry.Register(entry)
	if err != nil {
		return registryErrorStatus(err)
	}
	return http.StatusOK, stored, nil
}

func (h *RPCHandler) registryRevoke(params json.RawMessage) (int, any, *rpcError) {
	var p struct {
		SkillRef string `json:"skill_ref"`
		SignedBy string `json:"signed_by"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid revoke params"}
		}
	}
	if p.SkillRef == "" || p.SignedBy == "" {
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "skill_ref and signed_by are required"}
	}
	revoked, err := h.registry.Revoke(p.SkillRef, p.SignedBy)
	if err != nil {
		return registryErrorStatus(err)
	}
	return http.StatusOK, revoked, nil
}

func (h *RPCHandler) registryGet(params json.RawMessage) (int, any, *rpcError) {
	var p struct {
		SkillRef string `json:"skill_ref"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid get params"}
		}
	}
	if p.SkillRef == "" {
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "skill_ref is required"}
	}
	entry, ok := h.registry.Get(p.SkillRef)
	if !ok {
		return http.StatusNotFound, nil, &rpcError{Code: codeMethodNotFound, Message: "Not registered: " + p.SkillRef}
	}
	return http.StatusOK, entry, nil
}

func (h *RPCHandler) registryList(params json.RawMessage) (int, any, *rpcError) {
	var p struct {
		Status string `json:"status"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid list params"}
		}
	}
	if p.Status == "" {
		p.Status = "active"
	}
	return http.StatusOK, map[string]any{"entries": h.registry.List(p.Status)}, nil
}

func (h *RPCHandler) registryLog(params json.RawMessage) (int, any, *rpcError) {
	var p struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: "invalid log params"}
		}
	}
	return http.StatusOK, h.registry.TransparencyLog(p.Limit, p.Offset), nil
}

func registryErrorStatus(err error) (int, any, *rpcError) {
	var ve *registry.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, nil, &rpcError{Code: codeInvalidParams, Message: ve.Reason}
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, nil, &rpcError{Code: codeMethodNotFound, Message: err.Error()}
	case errors.Is(err, registry.ErrUnauthorized), errors.Is(err, registry.ErrRevoked):
		return http.StatusForbidden, nil, &rpcError{Code: codeServerError, Message: err.Error()}
	default:
		return http.StatusInternalServerError, nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
}

// ── Envelope ────────────────────────────────────────────────

func (h *RPCHandler) write(w http.ResponseWriter, status int, id json.RawMessage, result any, rpcErr *rpcError) {
	if id == nil {
		id = json.RawMessage("null")
	}
	envelope := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"_meta": rpcMeta{
			RequestID: uuid.NewString(),
			TraceID:   uuid.NewString(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if rpcErr != nil {
		envelope["error"] = rpcErr
	} else {
		envelope["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *RPCHandler) count(method string, status int) {
	if method == "" {
		method = "unknown"
	}
	h.metrics.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
