package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
	"github.com/klingon-exchange/ltcwallet/internal/chain"
	"github.com/klingon-exchange/ltcwallet/internal/metrics"
	"github.com/klingon-exchange/ltcwallet/internal/storage"
	"github.com/klingon-exchange/ltcwallet/internal/wallet"
	"github.com/klingon-exchange/ltcwallet/pkg/logging"
)

// stubExplorer funds every address it is asked about with one receive of
// funding litoshis and accepts every proposal.
type stubExplorer struct {
	mu      sync.Mutex
	funding int64
	sends   int
}

func (e *stubExplorer) Type() backend.Type { return backend.TypeBlockCypher }

func (e *stubExplorer) GetAddressTxs(ctx context.Context, address string) ([]backend.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.funding == 0 {
		return nil, nil
	}
	return []backend.Transaction{{
		Hash:    "fund-" + address,
		Inputs:  []backend.TxInput{{Addresses: []string{"Lfaucet"}, OutputValue: e.funding + 1000}},
		Outputs: []backend.TxOutput{{Addresses: []string{address}, Value: e.funding}},
	}}, nil
}

func (e *stubExplorer) NewTransaction(ctx context.Context, req *backend.TxRequest) (*backend.TxSkeleton, error) {
	return &backend.TxSkeleton{
		Tx:     json.RawMessage(`{"hash":"pending"}`),
		ToSign: []string{strings.Repeat("ab", 32)},
	}, nil
}

func (e *stubExplorer) SendTransaction(ctx context.Context, tx *backend.SignedTx) (*backend.BroadcastResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sends++
	return &backend.BroadcastResult{TxID: fmt.Sprintf("tx%d", e.sends)}, nil
}

type testServer struct {
	srv      *Server
	http     *httptest.Server
	explorer *stubExplorer
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	explorer := &stubExplorer{}
	m := metrics.New()
	svc, err := wallet.NewService(&wallet.ServiceConfig{
		Store:    store,
		Explorer: explorer,
		Params:   chain.MustGet(chain.LTC, chain.Mainnet),
		Logger:   logging.Discard(),
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("wallet.NewService() error = %v", err)
	}

	srv := NewServer(svc, m)
	go srv.wsHub.Run()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.wsHub.Stop()
	})

	return &testServer{srv: srv, http: ts, explorer: explorer, metrics: m}
}

// rawResponse keeps the result undecoded so tests can pick the type.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      interface{}     `json:"id"`
}

func (ts *testServer) post(t *testing.T, body string) *rawResponse {
	t.Helper()

	resp, err := http.Post(ts.http.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var out rawResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

// call invokes method and decodes a successful result into result.
func (ts *testServer) call(t *testing.T, method string, params interface{}, result interface{}) *rawResponse {
	t.Helper()

	p, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := json.Marshal(&Request{JSONRPC: "2.0", Method: method, Params: p, ID: 1})

	resp := ts.post(t, string(req))
	if resp.Error == nil && result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			t.Fatalf("%s: decode result %s: %v", method, resp.Result, err)
		}
	}
	return resp
}

func (ts *testServer) mustCall(t *testing.T, method string, params interface{}, result interface{}) {
	t.Helper()
	if resp := ts.call(t, method, params, result); resp.Error != nil {
		t.Fatalf("%s error = %+v", method, resp.Error)
	}
}

func TestHandleRPCProtocolErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc":`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"node_status","id":1}`, InvalidRequest},
		{"batch not supported", `[{"jsonrpc":"2.0","method":"node_status","id":1}]`, ParseError},
		{"unknown method", `{"jsonrpc":"2.0","method":"orders_list","id":1}`, MethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"wallet_exists","id":1}`, InvalidParams},
		{"malformed params", `{"jsonrpc":"2.0","method":"wallet_exists","params":[1,2],"id":1}`, InvalidParams},
		{"blank user", `{"jsonrpc":"2.0","method":"wallet_exists","params":{"user_id":" "},"id":1}`, InvalidParams},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.post(t, tc.body)
			if resp.Error == nil {
				t.Fatalf("expected error, got result %s", resp.Result)
			}
			if resp.Error.Code != tc.code {
				t.Errorf("Error.Code = %d, want %d (%s)", resp.Error.Code, tc.code, resp.Error.Message)
			}
		})
	}
}

func TestHandleRPCEchoesID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, `{"jsonrpc":"2.0","method":"node_status","id":"abc-123"}`)
	if resp.Error != nil {
		t.Fatalf("node_status error = %+v", resp.Error)
	}
	if resp.ID != "abc-123" {
		t.Errorf("ID = %v, want abc-123", resp.ID)
	}
	if resp.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q", resp.JSONRPC)
	}
}

func TestHTTPMethodCheck(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET / status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.http.URL+"/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: bad", errInvalidParams), InvalidParams},
		{wallet.ErrInvalidUserID, InvalidParams},
		{fmt.Errorf("%w: zero", wallet.ErrInvalidAmount), InvalidParams},
		{fmt.Errorf("%w: u1", wallet.ErrWalletNotFound), WalletNotFound},
		{&wallet.InsufficientFundsError{}, InsufficientFunds},
		{fmt.Errorf("%w: xyz", wallet.ErrInvalidAddress), InvalidAddress},
		{&wallet.ProposalRejectedError{Stage: "proposal"}, ProposalRejected},
		{fmt.Errorf("refresh: %w", wallet.ErrExplorerUnavailable), ExplorerUnavailable},
		{&callError{err: wallet.ErrInsufficientFunds}, InsufficientFunds},
		{errors.New("disk full"), InternalError},
	}

	for _, tc := range tests {
		if got := errorCode(tc.err); got != tc.code {
			t.Errorf("errorCode(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.mustCall(t, "wallet_exists", UserParams{UserID: "u1"}, nil)
	ts.call(t, "wallet_exists", UserParams{UserID: ""}, nil)

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`ltcwallet_rpc_requests_total{method="wallet_exists",status="ok"} 1`,
		`ltcwallet_rpc_requests_total{method="wallet_exists",status="error"} 1`,
		`go_goroutines`,
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsEndpointWithoutMetrics(t *testing.T) {
	srv := NewServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(nil, nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.Addr() == "" {
		t.Error("Addr() should report the bound address")
	}

	resp, err := http.Post("http://"+srv.Addr(), "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"nope","id":1}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func dialWS(t *testing.T, ts *testServer, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.WSHub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *WSEvent {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event WSEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return &event
}

func TestWebSocketUserFilter(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts, "?user_id=alice")

	ts.mustCall(t, "wallet_create", UserParams{UserID: "bob"}, nil)
	ts.mustCall(t, "wallet_create", UserParams{UserID: "alice"}, nil)

	event := readEvent(t, conn)
	if event.Type != EventWalletCreated || event.UserID != "alice" {
		t.Fatalf("event = %+v, want wallet_created for alice", event)
	}
	data, _ := json.Marshal(event.Data)
	var created WalletCreateResult
	json.Unmarshal(data, &created)
	if created.Address == "" || !created.Created {
		t.Errorf("event data = %s", data)
	}
}

func TestWebSocketSubscription(t *testing.T) {
	ts := newTestServer(t)
	ts.explorer.funding = 100000
	conn := dialWS(t, ts, "")

	sub := WSSubscription{Action: "subscribe", Events: []string{string(EventBalanceUpdated)}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	// The subscription is applied by the read pump; give it a moment.
	time.Sleep(50 * time.Millisecond)

	ts.mustCall(t, "wallet_create", UserParams{UserID: "carol"}, nil)
	ts.mustCall(t, "wallet_getBalance", UserParams{UserID: "carol"}, nil)

	event := readEvent(t, conn)
	if event.Type != EventBalanceUpdated {
		t.Fatalf("event type = %s, want balance_updated only", event.Type)
	}
	data, _ := json.Marshal(event.Data)
	var bal WalletBalanceResult
	json.Unmarshal(data, &bal)
	if !bal.Balance.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("balance = %s, want 0.001", bal.Balance)
	}
}

func TestWebSocketHubStop(t *testing.T) {
	hub := NewWSHub()
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Broadcast(EventNodeStatus, "", map[string]string{"status": "ok"})
	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after stop", hub.ClientCount())
	}
}

func TestWSClientWants(t *testing.T) {
	tests := []struct {
		name   string
		events []EventType
		user   string
		event  WSEvent
		want   bool
	}{
		{"no filters", nil, "", WSEvent{Type: EventSendFailed, UserID: "u1"}, true},
		{"event filter match", []EventType{EventSendFailed}, "", WSEvent{Type: EventSendFailed}, true},
		{"event filter miss", []EventType{EventSendCompleted}, "", WSEvent{Type: EventSendFailed}, false},
		{"user match", nil, "u1", WSEvent{Type: EventSendFailed, UserID: "u1"}, true},
		{"user miss", nil, "u1", WSEvent{Type: EventSendFailed, UserID: "u2"}, false},
		{"daemon event reaches user filter", nil, "u1", WSEvent{Type: EventNodeStatus}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &WSClient{events: make(map[EventType]bool), userID: tc.user}
			for _, e := range tc.events {
				c.events[e] = true
			}
			if got := c.wants(&tc.event); got != tc.want {
				t.Errorf("wants() = %v, want %v", got, tc.want)
			}
		})
	}
}
