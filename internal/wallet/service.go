// Package wallet provides the wallet service for managing custodial wallets.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
	"github.com/klingon-exchange/ltcwallet/internal/chain"
	"github.com/klingon-exchange/ltcwallet/internal/lock"
	"github.com/klingon-exchange/ltcwallet/internal/metrics"
	"github.com/klingon-exchange/ltcwallet/internal/storage"
	"github.com/klingon-exchange/ltcwallet/pkg/helpers"
	"github.com/klingon-exchange/ltcwallet/pkg/logging"
)

// Defaults applied by NewService.
var (
	DefaultFee  = decimal.RequireFromString("0.00003")
	DefaultRate = decimal.NewFromInt(40000)
)

// Store is the persistence the service needs. Both storage.Storage and
// storage.BadgerStore implement it.
type Store interface {
	CreateWallet(w *storage.Wallet) (*storage.Wallet, bool, error)
	GetWallet(userID string) (*storage.Wallet, error)
	WalletExists(userID string) (bool, error)
	UpdateWallet(userID string, fn func(w *storage.Wallet) (*storage.Snapshot, error)) (*storage.Wallet, error)
	CountWallets() (int, error)

	SaveSend(rec *storage.SendRecord) error
	ListSends(userID string, limit int) ([]*storage.SendRecord, error)
}

var (
	_ Store = (*storage.Storage)(nil)
	_ Store = (*storage.BadgerStore)(nil)
)

// ServiceConfig holds the collaborators and policy of the wallet service.
type ServiceConfig struct {
	Store     Store
	Explorer  backend.Explorer
	PriceFeed backend.PriceFeed // nil means DefaultRate is always used
	Locker    lock.Locker       // nil means an in-process KeyedMutex
	Params    *chain.Params

	AddressType  chain.AddressType // default p2pkh
	Fee          decimal.Decimal   // LTC per send, default DefaultFee
	DefaultRate  decimal.Decimal   // used when the price feed fails
	HistoryLimit int               // default DefaultHistoryLimit

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
	Entropy io.Reader // key generation source, nil means crypto/rand
}

// Service manages wallet lifecycle, refresh and sends.
type Service struct {
	store    Store
	explorer backend.Explorer
	feed     backend.PriceFeed
	locker   lock.Locker
	params   *chain.Params

	addrType     chain.AddressType
	fee          decimal.Decimal
	feeBase      int64
	defaultRate  decimal.Decimal
	historyLimit int

	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	entropy io.Reader
}

// NewService creates a new wallet service.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("wallet store is required")
	}
	if cfg.Explorer == nil {
		return nil, fmt.Errorf("explorer is required")
	}
	if cfg.Params == nil {
		return nil, fmt.Errorf("chain params are required")
	}

	s := &Service{
		store:        cfg.Store,
		explorer:     cfg.Explorer,
		feed:         cfg.PriceFeed,
		locker:       cfg.Locker,
		params:       cfg.Params,
		addrType:     cfg.AddressType,
		fee:          cfg.Fee,
		defaultRate:  cfg.DefaultRate,
		historyLimit: cfg.HistoryLimit,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Clock,
		entropy:      cfg.Entropy,
	}

	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.addrType == "" {
		s.addrType = chain.AddressP2PKH
	}
	if s.addrType != chain.AddressP2PKH && s.addrType != chain.AddressP2WPKH {
		return nil, fmt.Errorf("unsupported wallet address type: %s", s.addrType)
	}
	if s.fee.IsZero() {
		s.fee = DefaultFee
	}
	if s.fee.IsNegative() {
		return nil, fmt.Errorf("fee must be positive: %s", s.fee)
	}
	if !s.defaultRate.IsPositive() {
		s.defaultRate = DefaultRate
	}
	if s.historyLimit <= 0 {
		s.historyLimit = DefaultHistoryLimit
	}
	if s.log == nil {
		s.log = logging.GetDefault().Component("wallet")
	}
	if s.now == nil {
		s.now = time.Now
	}

	// Fee and amount are kept in LTC; the wire uses litoshis
	s.feeBase = helpers.ToBaseUnits(s.fee, helpers.LitecoinDecimals)

	return s, nil
}

// Params returns the chain parameters the service runs on.
func (s *Service) Params() *chain.Params {
	return s.params
}

// Fee returns the fixed per-send fee in LTC.
func (s *Service) Fee() decimal.Decimal {
	return s.fee
}

// WalletExists reports whether userID has a wallet.
func (s *Service) WalletExists(ctx context.Context, userID string) (bool, error) {
	if err := checkUserID(userID); err != nil {
		return false, err
	}
	return s.store.WalletExists(userID)
}

// CreateWallet returns the user's address and WIF secret, generating a key
// pair on first use. Repeated and concurrent calls return the stored pair.
func (s *Service) CreateWallet(ctx context.Context, userID string) (address, wif string, err error) {
	if err := checkUserID(userID); err != nil {
		return "", "", err
	}

	if w, err := s.store.GetWallet(userID); err == nil {
		return w.Address, w.SecretKey, nil
	} else if !errors.Is(err, storage.ErrWalletNotFound) {
		return "", "", err
	}

	key, err := GenerateKey(s.entropy, s.params)
	if err != nil {
		return "", "", err
	}
	address, err = key.Address(s.addrType)
	if err != nil {
		return "", "", fmt.Errorf("failed to derive address: %w", err)
	}

	stored, created, err := s.store.CreateWallet(&storage.Wallet{
		UserID:      userID,
		Address:     address,
		AddressType: string(s.addrType),
		SecretKey:   key.WIF(),
		History:     []storage.LedgerEntry{},
		CreatedAt:   s.now(),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to store wallet: %w", err)
	}

	if created {
		s.metrics.WalletCreated()
		s.log.Info("Wallet created", "user", userID, "address", stored.Address, "type", s.addrType)
	}
	return stored.Address, stored.SecretKey, nil
}

// GetAddress returns the user's address, or false if the user has no wallet.
func (s *Service) GetAddress(ctx context.Context, userID string) (string, bool, error) {
	w, err := s.store.GetWallet(userID)
	if errors.Is(err, storage.ErrWalletNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return w.Address, true, nil
}

// GetBalance refreshes the wallet and returns its balance in LTC and fiat.
func (s *Service) GetBalance(ctx context.Context, userID string) (native, fiat decimal.Decimal, err error) {
	w, err := s.Refresh(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return w.BalanceNative, w.BalanceFiat, nil
}

// GetHistory refreshes the wallet and returns its recent history, most
// recent last.
func (s *Service) GetHistory(ctx context.Context, userID string) ([]storage.LedgerEntry, error) {
	w, err := s.Refresh(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.History == nil {
		return []storage.LedgerEntry{}, nil
	}
	return w.History, nil
}

// Refresh recomputes the user's balance and history from the explorer and
// stores the snapshot. If the explorer fails, the cached snapshot is
// returned unchanged; if the price feed fails, the default rate is used.
// Only ErrWalletNotFound and store failures are returned.
func (s *Service) Refresh(ctx context.Context, userID string) (*storage.Wallet, error) {
	unlock, err := s.locker.Lock(ctx, "refresh:"+userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.loadWallet(userID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	txs, err := s.explorer.GetAddressTxs(ctx, w.Address)
	s.metrics.ObserveExternal(string(s.explorer.Type()), "address_txs", start, err)
	if err != nil {
		s.metrics.Refreshed(true)
		s.log.Warn("Explorer unavailable, serving cached snapshot",
			"user", userID, "address", w.Address, "error", fmt.Errorf("%w: %v", ErrExplorerUnavailable, err))
		return w, nil
	}

	rate := s.rate(ctx)
	ledger := Reconcile(w.Address, txs, rate, s.now(), s.historyLimit)

	updated, err := s.store.UpdateWallet(userID, func(*storage.Wallet) (*storage.Snapshot, error) {
		return &storage.Snapshot{
			BalanceNative: ledger.Balance,
			BalanceFiat:   ledger.BalanceFiat,
			History:       ledger.History,
			RefreshedAt:   s.now(),
		}, nil
	})
	if err != nil {
		return nil, s.walletError(userID, err)
	}

	s.metrics.Refreshed(false)
	s.log.Debug("Wallet refreshed", "user", userID, "balance", ledger.Balance, "txs", len(txs))
	return updated, nil
}

// SendFunds sends the LTC equivalent of fiatAmount to destination. It
// returns true and the transaction id, or false and the error message.
func (s *Service) SendFunds(ctx context.Context, userID, destination string, fiatAmount decimal.Decimal) (bool, string) {
	res, err := s.Send(ctx, userID, destination, fiatAmount)
	if err != nil {
		return false, err.Error()
	}
	return true, res.TxID
}

// Send runs the send workflow for one payment and returns its result. The
// error is the result's Err; a send with an ambiguous broadcast succeeds
// with backend.UnknownTxID. Sends for the same user are serialized.
func (s *Service) Send(ctx context.Context, userID, destination string, fiatAmount decimal.Decimal) (*SendResult, error) {
	res := &SendResult{
		ID:          uuid.NewString(),
		UserID:      userID,
		Destination: strings.TrimSpace(destination),
		AmountFiat:  fiatAmount,
		Fee:         s.fee,
		State:       SendRequested,
		CreatedAt:   s.now(),
	}

	if err := checkUserID(userID); err != nil {
		res.State, res.Err = SendFailed, err
		return res, err
	}
	if !fiatAmount.IsPositive() {
		res.State, res.Err = SendFailed, fmt.Errorf("%w: fiat amount must be positive", ErrInvalidAmount)
		return res, res.Err
	}

	unlock, err := s.locker.Lock(ctx, "send:"+userID)
	if err != nil {
		res.State, res.Err = SendFailed, err
		return res, err
	}
	defer unlock()

	flow := &sendFlow{svc: s, res: res}
	flow.run(ctx)

	done := s.now()
	res.CompletedAt = &done
	s.finishSend(res)

	return res, res.Err
}

// ListSends returns the user's most recent send attempts, newest first.
func (s *Service) ListSends(ctx context.Context, userID string, limit int) ([]*storage.SendRecord, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	return s.store.ListSends(userID, limit)
}

// Stats is a summary for status reporting.
type Stats struct {
	Network     chain.Network     `json:"network"`
	AddressType chain.AddressType `json:"address_type"`
	Fee         decimal.Decimal   `json:"fee"`
	Explorer    backend.Type      `json:"explorer"`
	Wallets     int               `json:"wallets"`
}

// Stats returns the service configuration and wallet count.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	n, err := s.store.CountWallets()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Network:     s.params.Network,
		AddressType: s.addrType,
		Fee:         s.fee,
		Explorer:    s.explorer.Type(),
		Wallets:     n,
	}, nil
}

// finishSend journals and reports a send that reached a terminal state.
func (s *Service) finishSend(res *SendResult) {
	if err := s.store.SaveSend(res.record()); err != nil {
		s.log.Error("Failed to journal send", "send", res.ID, "user", res.UserID, "error", err)
	}

	amount, _ := res.AmountNative.Float64()
	s.metrics.SendFinished(string(res.State), amount, res.Succeeded())

	if res.Succeeded() {
		s.log.Info("Send broadcast", "user", res.UserID, "send", res.ID, "txid", res.TxID,
			"amount", res.AmountNative, "to", res.Destination)
		return
	}
	s.log.Warn("Send failed", "user", res.UserID, "send", res.ID, "error", res.Err)
}

// rate returns the current LTC price, falling back to the default rate on
// any price feed failure.
func (s *Service) rate(ctx context.Context) decimal.Decimal {
	if s.feed == nil {
		return s.defaultRate
	}

	start := time.Now()
	rate, err := s.feed.Rate(ctx)
	s.metrics.ObserveExternal(string(s.feed.Type()), "rate", start, err)
	if err != nil {
		s.metrics.RateFallback()
		s.log.Warn("Using default rate", "rate", s.defaultRate, "error", fmt.Errorf("%w: %v", ErrRateUnavailable, err))
		return s.defaultRate
	}
	return rate
}

func (s *Service) loadWallet(userID string) (*storage.Wallet, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	w, err := s.store.GetWallet(userID)
	if err != nil {
		return nil, s.walletError(userID, err)
	}
	return w, nil
}

func (s *Service) walletError(userID string, err error) error {
	if errors.Is(err, storage.ErrWalletNotFound) {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return err
}

func checkUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	return nil
}
