// Package rpc provides a JSON-RPC 2.0 server for the wallet daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/ltcwallet/internal/metrics"
	"github.com/klingon-exchange/ltcwallet/internal/wallet"
	"github.com/klingon-exchange/ltcwallet/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	wallet  *wallet.Service
	metrics *metrics.Metrics
	log     *logging.Logger
	wsHub   *WSHub
	started time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Wallet error codes.
const (
	WalletNotFound      = -32001
	InsufficientFunds   = -32002
	InvalidAddress      = -32003
	ProposalRejected    = -32004
	ExplorerUnavailable = -32005
)

// errInvalidParams marks malformed or missing method parameters.
var errInvalidParams = errors.New("invalid params")

// callError attaches response data to a handler error.
type callError struct {
	err  error
	data interface{}
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// NewServer creates a new JSON-RPC server. m may be nil.
func NewServer(w *wallet.Service, m *metrics.Metrics) *Server {
	s := &Server{
		wallet:   w,
		metrics:  m,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		started:  time.Now(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["node_status"] = s.nodeStatus

	s.handlers["wallet_exists"] = s.walletExists
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_getAddress"] = s.walletGetAddress
	s.handlers["wallet_getBalance"] = s.walletGetBalance
	s.handlers["wallet_getHistory"] = s.walletGetHistory
	s.handlers["wallet_send"] = s.walletSend
	s.handlers["wallet_listSends"] = s.walletListSends
}

// Handler returns the HTTP handler serving JSON-RPC, WebSocket events and
// Prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	start := time.Now()
	result, err := handler(r.Context(), req.Params)
	s.metrics.ObserveRPC(req.Method, start, err != nil)
	if err != nil {
		var data interface{}
		var ce *callError
		if errors.As(err, &ce) {
			data = ce.data
		}
		s.writeError(w, req.ID, errorCode(err), err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps wallet errors to JSON-RPC error codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams),
		errors.Is(err, wallet.ErrInvalidUserID),
		errors.Is(err, wallet.ErrInvalidAmount):
		return InvalidParams
	case errors.Is(err, wallet.ErrWalletNotFound):
		return WalletNotFound
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return InsufficientFunds
	case errors.Is(err, wallet.ErrInvalidAddress):
		return InvalidAddress
	case errors.Is(err, wallet.ErrProposalRejected):
		return ProposalRejected
	case errors.Is(err, wallet.ErrExplorerUnavailable):
		return ExplorerUnavailable
	default:
		return InternalError
	}
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
