package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"futarchy/core"
	"futarchy/native/escrow"
	"futarchy/native/market"
	"futarchy/observability"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultRatePerMinute   = 120.0
	defaultRateBurst       = 30
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32004
	codeConflict       = -32009
	codeRateLimited    = -32020
)

// Server serves the settlement API over JSON-RPC 2.0. Mutating methods
// require the bearer token from FUTARCHY_RPC_TOKEN when one is configured.
type Server struct {
	node   *core.Node
	logger *slog.Logger

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	authToken string

	maxRequestBytes int64
	ratePerSecond   rate.Limit
	rateBurst       int
}

// ServerOption customises a Server at construction time.
type ServerOption func(*Server)

// WithRateLimit overrides the per-source request budget.
func WithRateLimit(perMinute float64, burst int) ServerOption {
	return func(s *Server) {
		if perMinute > 0 {
			s.ratePerSecond = rate.Limit(perMinute / 60)
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithMaxRequestBytes overrides the request body size cap.
func WithMaxRequestBytes(limit int64) ServerOption {
	return func(s *Server) {
		if limit > 0 {
			s.maxRequestBytes = limit
		}
	}
}

// WithLogger overrides the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(node *core.Node, opts ...ServerOption) *Server {
	s := &Server{
		node:            node,
		logger:          slog.Default(),
		limiters:        make(map[string]*rate.Limiter),
		authToken:       strings.TrimSpace(os.Getenv("FUTARCHY_RPC_TOKEN")),
		maxRequestBytes: defaultMaxRequestBytes,
		ratePerSecond:   rate.Limit(defaultRatePerMinute / 60),
		rateBurst:       defaultRateBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler exposes the RPC endpoint as an http.Handler for embedding into an
// outer mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return http.ListenAndServe(addr, mux)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	if !s.allowSource(clientSource(r)) {
		observability.RPC().ObserveRequest(req.Method, "rate_limited", time.Since(start))
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate exceeded", nil)
		return
	}

	outcome := s.dispatch(w, r, req)
	observability.RPC().ObserveRequest(req.Method, outcome, time.Since(start))
}

// dispatch routes a validated request and reports the outcome label for
// metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	authed := func(handler func(http.ResponseWriter, *RPCRequest)) string {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return "unauthorized"
		}
		handler(w, req)
		return "ok"
	}

	switch req.Method {
	case "market_create":
		return authed(s.handleMarketCreate)
	case "market_finalize":
		return authed(s.handleMarketFinalize)
	case "market_get":
		s.handleMarketGet(w, req)
	case "market_list":
		s.handleMarketList(w, req)
	case "escrow_registerOutcome":
		return authed(s.handleEscrowRegisterOutcome)
	case "escrow_seed":
		return authed(s.handleEscrowSeed)
	case "escrow_mintSet":
		s.handleEscrowMintSet(w, req)
	case "escrow_redeemSet":
		s.handleEscrowRedeemSet(w, req)
	case "escrow_redeemWinning":
		s.handleEscrowRedeemWinning(w, req)
	case "escrow_burnLosing":
		s.handleEscrowBurnLosing(w, req)
	case "escrow_swap":
		s.handleEscrowSwap(w, req)
	case "escrow_extractFee":
		return authed(s.handleEscrowExtractFee)
	case "escrow_sweep":
		return authed(s.handleEscrowSweep)
	case "escrow_get":
		s.handleEscrowGet(w, req)
	case "token_get":
		s.handleTokenGet(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return "not_found"
	}
	return "ok"
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(s.ratePerSecond, s.rateBurst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeNodeError translates node and engine failures into RPC error codes.
// Unknown errors are logged under a correlation id and reported opaquely.
func (s *Server) writeNodeError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, core.ErrMarketNotFound), errors.Is(err, core.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, core.ErrDuplicateSlug),
		errors.Is(err, market.ErrAlreadyFinalized),
		errors.Is(err, escrow.ErrMarketFinalized),
		errors.Is(err, escrow.ErrNotFinalized),
		errors.Is(err, escrow.ErrRegistrationOpen),
		errors.Is(err, escrow.ErrRegistrationComplete),
		errors.Is(err, escrow.ErrSweepNotElapsed),
		errors.Is(err, escrow.ErrAlreadySeeded),
		errors.Is(err, escrow.ErrTokenConsumed):
		writeError(w, http.StatusConflict, id, codeConflict, err.Error(), nil)
	case errors.Is(err, escrow.ErrBadCapability):
		writeError(w, http.StatusUnauthorized, id, codeUnauthorized, err.Error(), nil)
	case errors.Is(err, escrow.ErrWrongMarket),
		errors.Is(err, escrow.ErrWrongFlavor),
		errors.Is(err, escrow.ErrWrongOutcome),
		errors.Is(err, escrow.ErrIncompleteSet),
		errors.Is(err, escrow.ErrDuplicateToken),
		errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInsufficientDeposit),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrInsufficientSupply),
		errors.Is(err, escrow.ErrOverflow),
		errors.Is(err, escrow.ErrOutcomeOutOfOrder),
		errors.Is(err, escrow.ErrOutcomeOutOfRange),
		errors.Is(err, market.ErrWinnerOutOfRange),
		errors.Is(err, market.ErrEmptySlug),
		errors.Is(err, market.ErrTooFewOutcomes),
		errors.Is(err, market.ErrTooManyOutcomes):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		correlation := uuid.NewString()
		s.logger.Error("rpc request failed", "correlation", correlation, "err", err)
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", correlation)
	}
}
