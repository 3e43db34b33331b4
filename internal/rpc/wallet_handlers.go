package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/ltcwallet/internal/storage"
	"github.com/klingon-exchange/ltcwallet/internal/wallet"
)

// ========================================
// Wallet handlers
// ========================================

// UserParams is the parameters for the per-user read methods.
type UserParams struct {
	UserID string `json:"user_id"`
}

// WalletExistsResult is the response for wallet_exists.
type WalletExistsResult struct {
	UserID string `json:"user_id"`
	Exists bool   `json:"exists"`
}

func (s *Server) walletExists(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeUser(params)
	if err != nil {
		return nil, err
	}

	exists, err := s.wallet.WalletExists(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	return &WalletExistsResult{UserID: p.UserID, Exists: exists}, nil
}

// WalletCreateResult is the response for wallet_create. The secret key never
// leaves the daemon.
type WalletCreateResult struct {
	UserID  string `json:"user_id"`
	Address string `json:"address"`
	Created bool   `json:"created"`
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeUser(params)
	if err != nil {
		return nil, err
	}

	existed, err := s.wallet.WalletExists(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	address, _, err := s.wallet.CreateWallet(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	result := &WalletCreateResult{UserID: p.UserID, Address: address, Created: !existed}
	if result.Created {
		s.wsHub.Broadcast(EventWalletCreated, p.UserID, result)
	}

	return result, nil
}

// WalletGetAddressResult is the response for wallet_getAddress.
type WalletGetAddressResult struct {
	UserID  string `json:"user_id"`
	Address string `json:"address,omitempty"`
	Found   bool   `json:"found"`
}

func (s *Server) walletGetAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeUser(params)
	if err != nil {
		return nil, err
	}

	address, found, err := s.wallet.GetAddress(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	return &WalletGetAddressResult{UserID: p.UserID, Address: address, Found: found}, nil
}

// WalletBalanceResult is the response for wallet_getBalance.
type WalletBalanceResult struct {
	UserID      string          `json:"user_id"`
	Balance     decimal.Decimal `json:"balance_ltc"`
	BalanceFiat decimal.Decimal `json:"balance_fiat"`
}

func (s *Server) walletGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeUser(params)
	if err != nil {
		return nil, err
	}

	native, fiat, err := s.wallet.GetBalance(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	result := &WalletBalanceResult{UserID: p.UserID, Balance: native, BalanceFiat: fiat}
	s.wsHub.Broadcast(EventBalanceUpdated, p.UserID, result)

	return result, nil
}

// WalletHistoryResult is the response for wallet_getHistory.
type WalletHistoryResult struct {
	UserID  string                `json:"user_id"`
	History []storage.LedgerEntry `json:"history"`
}

func (s *Server) walletGetHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeUser(params)
	if err != nil {
		return nil, err
	}

	history, err := s.wallet.GetHistory(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	return &WalletHistoryResult{UserID: p.UserID, History: history}, nil
}

// WalletSendParams is the parameters for wallet_send.
type WalletSendParams struct {
	UserID      string          `json:"user_id"`
	Destination string          `json:"destination"`
	AmountFiat  decimal.Decimal `json:"amount_fiat"`
}

func (s *Server) walletSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Destination == "" {
		return nil, fmt.Errorf("%w: destination is required", errInvalidParams)
	}

	res, err := s.wallet.Send(ctx, p.UserID, p.Destination, p.AmountFiat)
	if err != nil {
		s.wsHub.Broadcast(EventSendFailed, p.UserID, res)
		return nil, &callError{err: err, data: res}
	}

	s.wsHub.Broadcast(EventSendCompleted, p.UserID, res)
	return res, nil
}

// WalletListSendsParams is the parameters for wallet_listSends.
type WalletListSendsParams struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"` // default 20
}

// WalletListSendsResult is the response for wallet_listSends.
type WalletListSendsResult struct {
	UserID string                `json:"user_id"`
	Sends  []*storage.SendRecord `json:"sends"`
}

func (s *Server) walletListSends(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletListSendsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}

	sends, err := s.wallet.ListSends(ctx, p.UserID, p.Limit)
	if err != nil {
		return nil, err
	}
	if sends == nil {
		sends = []*storage.SendRecord{}
	}

	return &WalletListSendsResult{UserID: p.UserID, Sends: sends}, nil
}

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	*wallet.Stats
	Uptime    string `json:"uptime"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	stats, err := s.wallet.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	return &NodeStatusResult{
		Stats:     stats,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

func decodeUser(params json.RawMessage) (*UserParams, error) {
	var p UserParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: params are required", errInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}
