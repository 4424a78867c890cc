package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keymarket/identity"
	"keymarket/native/market"
	"keymarket/observability"
	"keymarket/tradelog"
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
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeTradeRejected  = -32021
)

// Server exposes the market engine and handle registry over JSON-RPC 2.0.
type Server struct {
	engine    *market.Engine
	registry  *identity.Registry
	treasury  *market.TreasuryCell
	trades    *tradelog.Store
	metrics   *observability.MarketMetrics
	log       *slog.Logger
	authToken string
}

// NewServer wires the RPC surface. The auth token guarding administrative
// methods is read from KEYMARKET_RPC_TOKEN; when unset those methods are
// disabled.
func NewServer(engine *market.Engine, registry *identity.Registry, treasury *market.TreasuryCell) *Server {
	return &Server{
		engine:    engine,
		registry:  registry,
		treasury:  treasury,
		metrics:   observability.Metrics(),
		log:       slog.Default().With("component", "rpc"),
		authToken: strings.TrimSpace(os.Getenv("KEYMARKET_RPC_TOKEN")),
	}
}

// SetTradeLog attaches the trade index used by the market_trades query.
func (s *Server) SetTradeLog(store *tradelog.Store) { s.trades = store }

// SetLogger overrides the request logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.log = logger.With("component", "rpc")
	}
}

// SetAuthToken overrides the admin token; tests use it.
func (s *Server) SetAuthToken(token string) { s.authToken = strings.TrimSpace(token) }

// Handler assembles the HTTP routes: the JSON-RPC endpoint, a liveness
// probe, and the Prometheus scrape target.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handle)
	return r
}

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload")
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version")
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method is required")
		return
	}
	s.dispatch(w, r, &req, method)
	s.metrics.ObserveRequest(method, time.Since(started).Seconds())
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest, method string) {
	switch method {
	case "market_quoteBuy":
		s.handleQuoteBuy(w, req)
	case "market_quoteSell":
		s.handleQuoteSell(w, req)
	case "market_buy":
		s.handleBuy(w, req)
	case "market_sell":
		s.handleSell(w, req)
	case "market_subject":
		s.handleSubject(w, req)
	case "market_shares":
		s.handleShares(w, req)
	case "market_balance":
		s.handleBalance(w, req)
	case "market_trades":
		s.handleTrades(w, req)
	case "market_mint":
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized")
			return
		}
		s.handleMint(w, req)
	case "market_setTreasury":
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized")
			return
		}
		s.handleSetTreasury(w, req)
	case "identity_register":
		s.handleRegister(w, req)
	case "identity_resolve":
		s.handleResolve(w, req)
	case "identity_setAddress":
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized")
			return
		}
		s.handleSetAddress(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", method))
	}
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

// writeEngineError maps engine failures onto RPC error codes. Trade
// rejections are client errors; anything unrecognised is a server fault.
func (s *Server) writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidSubject),
		errors.Is(err, identity.ErrInvalidHandle),
		errors.Is(err, identity.ErrUnregisteredHandle):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error())
	case errors.Is(err, market.ErrInsufficientPayment),
		errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientShares),
		errors.Is(err, market.ErrInsufficientSupply),
		errors.Is(err, market.ErrSpotPriceOverflow),
		errors.Is(err, market.ErrSpotPriceUnderflow),
		errors.Is(err, market.ErrBootstrapRestricted),
		errors.Is(err, market.ErrArithmeticOverflow):
		writeError(w, http.StatusBadRequest, id, codeTradeRejected, err.Error())
	default:
		s.log.Error("rpc request failed", "error", err)
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error())
	}
}
