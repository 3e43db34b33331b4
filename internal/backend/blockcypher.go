package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 8 << 20

// BlockCypherConfig configures a BlockCypherBackend.
type BlockCypherConfig struct {
	BaseURL string        // e.g. https://api.blockcypher.com/v1/ltc/main
	Token   string        // API token, optional
	Timeout time.Duration // per request, default 10s
	TxLimit int           // max transactions per address query, 0 = service default
}

// BlockCypherBackend implements Explorer using the BlockCypher REST API.
// API docs: https://www.blockcypher.com/dev/bitcoin/
type BlockCypherBackend struct {
	baseURL    string
	token      string
	txLimit    int
	httpClient *http.Client
}

// NewBlockCypherBackend creates a new BlockCypher backend.
func NewBlockCypherBackend(cfg BlockCypherConfig) *BlockCypherBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &BlockCypherBackend{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		txLimit: cfg.TxLimit,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Type returns TypeBlockCypher.
func (b *BlockCypherBackend) Type() Type {
	return TypeBlockCypher
}

// blockcypherAddress is the /addrs/{addr}/full response.
type blockcypherAddress struct {
	Address string `json:"address"`
	Txs     []struct {
		Hash      string     `json:"hash"`
		Confirmed *time.Time `json:"confirmed"`
		Inputs    []struct {
			Addresses   []string `json:"addresses"`
			OutputValue int64    `json:"output_value"`
		} `json:"inputs"`
		Outputs []struct {
			Addresses []string `json:"addresses"`
			Value     int64    `json:"value"`
		} `json:"outputs"`
	} `json:"txs"`
}

// GetAddressTxs returns the address's transactions, oldest first.
// BlockCypher lists newest first; the order is reversed here.
func (b *BlockCypherBackend) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	query := url.Values{}
	if b.txLimit > 0 {
		query.Set("limit", strconv.Itoa(b.txLimit))
	}

	var result blockcypherAddress
	if err := b.get(ctx, "/addrs/"+url.PathEscape(address)+"/full", query, &result); err != nil {
		return nil, err
	}

	txs := make([]Transaction, len(result.Txs))
	for i, bt := range result.Txs {
		tx := Transaction{
			Hash:      bt.Hash,
			Confirmed: bt.Confirmed,
			Inputs:    make([]TxInput, 0, len(bt.Inputs)),
			Outputs:   make([]TxOutput, 0, len(bt.Outputs)),
		}
		for _, in := range bt.Inputs {
			tx.Inputs = append(tx.Inputs, TxInput{Addresses: in.Addresses, OutputValue: in.OutputValue})
		}
		for _, out := range bt.Outputs {
			tx.Outputs = append(tx.Outputs, TxOutput{Addresses: out.Addresses, Value: out.Value})
		}
		txs[len(txs)-1-i] = tx
	}

	return txs, nil
}

// blockcypherErrors is the error payload shape shared by all endpoints.
type blockcypherErrors struct {
	Error  string `json:"error"`
	Errors []struct {
		Error string `json:"error"`
	} `json:"errors"`
}

func (e blockcypherErrors) messages() []string {
	var msgs []string
	if e.Error != "" {
		msgs = append(msgs, e.Error)
	}
	for _, item := range e.Errors {
		if item.Error != "" {
			msgs = append(msgs, item.Error)
		}
	}
	return msgs
}

// NewTransaction requests an unsigned skeleton from /txs/new.
func (b *BlockCypherBackend) NewTransaction(ctx context.Context, req *TxRequest) (*TxSkeleton, error) {
	status, body, err := b.post(ctx, "/txs/new", req)
	if err != nil {
		return nil, err
	}

	var result struct {
		blockcypherErrors
		Tx     json.RawMessage `json:"tx"`
		ToSign []string        `json:"tosign"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		if status >= 300 {
			return nil, fmt.Errorf("unexpected status %d: %s", status, truncate(body))
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if msgs := result.messages(); len(msgs) > 0 {
		return nil, &RejectedError{StatusCode: status, Messages: msgs}
	}
	if status >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", status, truncate(body))
	}
	if len(result.Tx) == 0 || len(result.ToSign) == 0 {
		return nil, fmt.Errorf("%w: skeleton without tx or tosign", ErrMalformedResponse)
	}

	return &TxSkeleton{Tx: result.Tx, ToSign: result.ToSign}, nil
}

// SendTransaction broadcasts a signed skeleton via /txs/send.
//
// Once the service has accepted the request, a response that cannot be
// parsed still counts as success with UnknownTxID: the funds may have moved.
func (b *BlockCypherBackend) SendTransaction(ctx context.Context, tx *SignedTx) (*BroadcastResult, error) {
	status, body, err := b.post(ctx, "/txs/send", tx)
	if err != nil {
		return nil, err
	}

	var result struct {
		blockcypherErrors
		Tx struct {
			Hash string `json:"hash"`
		} `json:"tx"`
	}
	parseErr := json.Unmarshal(body, &result)

	if status >= 300 {
		if parseErr == nil {
			if msgs := result.messages(); len(msgs) > 0 {
				return nil, &RejectedError{StatusCode: status, Messages: msgs}
			}
		}
		return nil, fmt.Errorf("unexpected status %d: %s", status, truncate(body))
	}

	if parseErr != nil || result.Tx.Hash == "" {
		return &BroadcastResult{TxID: UnknownTxID, Ambiguous: true}, nil
	}
	return &BroadcastResult{TxID: result.Tx.Hash}, nil
}

// endpoint builds a request URL with the token and extra query values.
func (b *BlockCypherBackend) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if b.token != "" {
		query.Set("token", b.token)
	}
	if len(query) == 0 {
		return b.baseURL + path
	}
	return b.baseURL + path + "?" + query.Encode()
}

// get performs a GET request and decodes JSON response.
func (b *BlockCypherBackend) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(path, query), nil)
	if err != nil {
		return err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAddressNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(result); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// post sends a JSON body and returns the raw response for the caller to
// interpret, since BlockCypher reports business errors in the body.
func (b *BlockCypherBackend) post(ctx context.Context, path string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(path, nil), bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, nil, ErrRateLimited
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		// Status is known, body is not; callers treat this as unparsable
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
