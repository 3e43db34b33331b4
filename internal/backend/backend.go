// Package backend provides the external service clients the wallet core consumes:
// a block explorer (history, transaction proposal, broadcast) and a price feed.
// This package never sees private keys - all signing happens in the wallet package.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/ltcwallet/internal/chain"
)

// Common errors
var (
	ErrAddressNotFound   = errors.New("address not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed response")
	ErrRejected          = errors.New("request rejected by service")
	ErrNoExplorer        = errors.New("no explorer configured for network")
)

// Type represents the backend type.
type Type string

const (
	TypeBlockCypher Type = "blockcypher"
	TypeCoinGecko   Type = "coingecko"
)

// Transaction is one entry of an address's transaction feed.
type Transaction struct {
	Hash      string     `json:"hash"`
	Confirmed *time.Time `json:"confirmed,omitempty"` // nil while unconfirmed
	Inputs    []TxInput  `json:"inputs"`
	Outputs   []TxOutput `json:"outputs"`
}

// TxInput is a transaction input with the value of the output it spends.
type TxInput struct {
	Addresses   []string `json:"addresses"`
	OutputValue int64    `json:"output_value"` // litoshis
}

// TxOutput is a transaction output.
type TxOutput struct {
	Addresses []string `json:"addresses"`
	Value     int64    `json:"value"` // litoshis
}

// TxEndpoint is one side of a transaction proposal request.
type TxEndpoint struct {
	Addresses []string `json:"addresses"`
	Value     int64    `json:"value,omitempty"`
}

// TxRequest asks the explorer to build a skeleton spending from Inputs to Outputs.
type TxRequest struct {
	Inputs  []TxEndpoint `json:"inputs"`
	Outputs []TxEndpoint `json:"outputs"`
	Fees    int64        `json:"fees"`
}

// TxSkeleton is an unsigned transaction proposal. Tx is kept opaque and
// sent back to the broadcast endpoint unchanged.
type TxSkeleton struct {
	Tx     json.RawMessage `json:"tx"`
	ToSign []string        `json:"tosign"`
}

// SignedTx is a skeleton plus one signature and public key per tosign digest.
type SignedTx struct {
	Tx         json.RawMessage `json:"tx"`
	ToSign     []string        `json:"tosign"`
	Signatures []string        `json:"signatures"`
	PubKeys    []string        `json:"pubkeys"`
}

// UnknownTxID is reported when a broadcast was accepted but the response
// carried no transaction hash.
const UnknownTxID = "unknown_txid"

// BroadcastResult is the outcome of an accepted broadcast.
type BroadcastResult struct {
	TxID      string
	Ambiguous bool // accepted, but TxID could not be read from the response
}

// RejectedError is an explicit error payload returned by a service.
type RejectedError struct {
	StatusCode int
	Messages   []string
}

func (e *RejectedError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("rejected (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("rejected (status %d): %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// Is makes errors.Is(err, ErrRejected) hold.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Explorer defines the block explorer operations the wallet needs.
type Explorer interface {
	// Type returns the backend type.
	Type() Type

	// GetAddressTxs returns the address's transactions, oldest first.
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)

	// NewTransaction requests an unsigned skeleton. A service-reported error
	// is returned as *RejectedError.
	NewTransaction(ctx context.Context, req *TxRequest) (*TxSkeleton, error)

	// SendTransaction broadcasts a signed skeleton.
	SendTransaction(ctx context.Context, tx *SignedTx) (*BroadcastResult, error)
}

// PriceFeed returns the current price of one native unit in the fiat currency.
type PriceFeed interface {
	Type() Type
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Config contains explorer configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`
}

// DefaultExplorerConfig returns the default Litecoin explorer configuration.
// BlockCypher serves no Litecoin testnet, so testnet needs an explicit URL.
func DefaultExplorerConfig() *Config {
	return &Config{
		Type:       TypeBlockCypher,
		MainnetURL: "https://api.blockcypher.com/v1/ltc/main",
	}
}

// URL returns the endpoint for a network.
func (c *Config) URL(network chain.Network) (string, error) {
	url := c.MainnetURL
	if network == chain.Testnet {
		url = c.TestnetURL
	}
	if url == "" {
		return "", fmt.Errorf("%w: %s", ErrNoExplorer, network)
	}
	return url, nil
}
