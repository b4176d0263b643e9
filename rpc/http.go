package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safehold/native/common"
	"safehold/native/dispute"
	"safehold/native/emergency"
	"safehold/native/escrow"
	"safehold/native/registry"
	"safehold/native/reputation"
	"safehold/native/timelock"
	"safehold/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

// Modules bundles the engines the server exposes. Nil entries disable their
// method families.
type Modules struct {
	Registry   *registry.Registry
	Escrow     *escrow.Engine
	TimeLock   *timelock.Policy
	Emergency  *emergency.Engine
	Disputes   *dispute.Registry
	Reputation *reputation.Ledger
}

// Server is the JSON-RPC 2.0 surface: a single POST endpoint with a method
// table, bearer-token gating on administrative methods and a per-client write
// quota.
type Server struct {
	modules   Modules
	authToken string
	quota     common.Quota
	log       *slog.Logger
	nowFn     func() int64

	mu       sync.Mutex
	counters map[string]common.QuotaNow

	methods map[string]methodSpec
}

type methodSpec struct {
	handler func(params json.RawMessage) (interface{}, *RPCError)
	admin   bool
	write   bool
}

// NewServer builds a server over the wired modules. An empty auth token
// disables every administrative method.
func NewServer(modules Modules, authToken string, quota common.Quota, log *slog.Logger) *Server {
	s := &Server{
		modules:   modules,
		authToken: strings.TrimSpace(authToken),
		quota:     quota,
		log:       log,
		nowFn:     func() int64 { return time.Now().Unix() },
		counters:  make(map[string]common.QuotaNow),
	}
	s.methods = s.buildMethodTable()
	return s
}

// SetNowFunc overrides the time source, primarily for tests.
func (s *Server) SetNowFunc(now func() int64) {
	if s == nil || now == nil {
		return
	}
	s.nowFn = now
}

// Router assembles the HTTP surface: the JSON-RPC endpoint plus health and
// metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// RPCRequest is the JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func errorObj(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

func writeResponse(w http.ResponseWriter, status int, resp RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeResponse(w, http.StatusBadRequest, RPCResponse{JSONRPC: jsonRPCVersion, Error: errorObj(codeParseError, "unable to read request body")})
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, http.StatusBadRequest, RPCResponse{JSONRPC: jsonRPCVersion, Error: errorObj(codeParseError, "invalid JSON")})
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeResponse(w, http.StatusBadRequest, RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Error: errorObj(codeInvalidRequest, "unsupported jsonrpc version")})
		return
	}
	method := strings.TrimSpace(req.Method)
	spec, ok := s.methods[method]
	if !ok {
		s.observe(method, codeMethodNotFound, start)
		writeResponse(w, http.StatusNotFound, RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Error: errorObj(codeMethodNotFound, "method not found")})
		return
	}
	if spec.admin && !s.authorized(r) {
		s.observe(method, codeUnauthorized, start)
		writeResponse(w, http.StatusUnauthorized, RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Error: errorObj(codeUnauthorized, "administrative token required")})
		return
	}
	if spec.write {
		if err := s.throttle(r); err != nil {
			observability.ModuleMetrics().RecordThrottle(moduleOf(method), "rate_limit")
			writeResponse(w, http.StatusTooManyRequests, RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Error: errorObj(codeRateLimited, "rate limit exceeded")})
			return
		}
	}

	result, rpcErr := spec.handler(req.Params)
	if rpcErr != nil {
		if s.log != nil && rpcErr.Code == codeServerError {
			s.log.Error("rpc method failed", "method", method, "err", rpcErr.Message)
		}
		s.observe(method, rpcErr.Code, start)
		writeResponse(w, http.StatusOK, RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Error: rpcErr})
		return
	}
	s.observe(method, 0, start)
	writeResponse(w, http.StatusOK, RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
}

func (s *Server) observe(method string, code int, start time.Time) {
	codeLabel := ""
	if code != 0 {
		codeLabel = strconv.Itoa(code)
	}
	observability.ModuleMetrics().Observe(moduleOf(method), method, codeLabel, time.Since(start))
}

func moduleOf(method string) string {
	if idx := strings.IndexByte(method, '_'); idx > 0 {
		return method[:idx]
	}
	return method
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) == 1
}

// throttle applies the per-client write quota keyed by remote host.
func (s *Server) throttle(r *http.Request) error {
	if s.quota.MaxPerEpoch == 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := common.CheckQuota(s.quota, s.quota.Epoch(s.nowFn()), s.counters[host], 1)
	if err != nil {
		return err
	}
	s.counters[host] = next
	return nil
}

// mapError converts engine sentinel errors into JSON-RPC error objects,
// keeping validation and state-guard failures distinguishable for clients.
func mapError(err error) *RPCError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, registry.ErrUnknownTrade),
		errors.Is(err, registry.ErrUnknownEscrow),
		errors.Is(err, dispute.ErrCaseNotFound):
		return errorObj(codeInvalidParams, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, dispute.ErrUnauthorized),
		errors.Is(err, emergency.ErrUnauthorized),
		errors.Is(err, timelock.ErrUnauthorized),
		errors.Is(err, reputation.ErrUnauthorized):
		return errorObj(codeUnauthorized, err.Error())
	case errors.Is(err, escrow.ErrInvalidParty),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidDescription),
		errors.Is(err, escrow.ErrInvalidTradeID),
		errors.Is(err, escrow.ErrInvalidDuration),
		errors.Is(err, escrow.ErrInsufficientAmount),
		errors.Is(err, escrow.ErrInvalidEmergencyHash),
		errors.Is(err, escrow.ErrInvalidPanicCode),
		errors.Is(err, registry.ErrInsufficientFee),
		errors.Is(err, registry.ErrDuplicateTradeID),
		errors.Is(err, registry.ErrInvalidFee),
		errors.Is(err, dispute.ErrInsufficientStake),
		errors.Is(err, dispute.ErrReasonRequired),
		errors.Is(err, dispute.ErrInvalidOutcome),
		errors.Is(err, timelock.ErrInvalidAmount),
		errors.Is(err, timelock.ErrInvalidDuration),
		errors.Is(err, timelock.ErrInvalidConfiguration):
		return errorObj(codeInvalidParams, err.Error())
	default:
		return errorObj(codeServerError, err.Error())
	}
}
