// Package storage - Wallet storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Wallet errors
var (
	ErrWalletNotFound = errors.New("wallet not found")
)

// Direction classifies a ledger entry.
type Direction string

const (
	DirectionReceive Direction = "receive"
	DirectionSend    Direction = "send"
)

// ReceiveCounterparty is the counterparty placeholder for receives.
const ReceiveCounterparty = "-"

// LedgerEntry is one classified transaction in a wallet's cached history.
type LedgerEntry struct {
	Direction    Direction       `json:"type"`
	AmountNative decimal.Decimal `json:"amount_ltc"`
	AmountFiat   decimal.Decimal `json:"amount_fiat"`
	Timestamp    time.Time       `json:"timestamp"`
	TxID         string          `json:"txid"`
	Counterparty string          `json:"to"`
}

// Wallet represents a custodial wallet in the database.
type Wallet struct {
	UserID      string `json:"user_id"`
	Address     string `json:"address"`
	AddressType string `json:"address_type"`
	SecretKey   string `json:"secret_key"` // WIF

	// Cached ledger snapshot, recomputed on refresh
	BalanceNative decimal.Decimal `json:"balance_native"`
	BalanceFiat   decimal.Decimal `json:"balance_fiat"`
	History       []LedgerEntry   `json:"history"`

	CreatedAt   time.Time  `json:"created_at"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}

// Snapshot is the mutable part of a wallet record.
type Snapshot struct {
	BalanceNative decimal.Decimal
	BalanceFiat   decimal.Decimal
	History       []LedgerEntry
	RefreshedAt   time.Time
}

const walletColumns = `user_id, address, address_type, secret_key,
	balance_native, balance_fiat, history, created_at, refreshed_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// CreateWallet inserts w unless the user already has a wallet. It returns
// the stored record and whether this call created it. Concurrent callers
// for the same user all receive the same stored key pair.
func (s *Storage) CreateWallet(w *Wallet) (*Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	history, err := encodeHistory(w.History)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(user_id) DO NOTHING
	`,
		w.UserID, w.Address, w.AddressType, w.SecretKey,
		w.BalanceNative, w.BalanceFiat, history, w.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert wallet: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := scanWallet(tx.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, w.UserID))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit wallet: %w", err)
	}
	return stored, inserted == 1, nil
}

// GetWallet retrieves a wallet by user id.
func (s *Storage) GetWallet(userID string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanWallet(s.db.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID))
}

// WalletExists reports whether the user has a wallet.
func (s *Storage) WalletExists(userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM wallets WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateWallet atomically reads the user's wallet, lets fn compute a new
// snapshot from it and writes that snapshot back. Key material is never
// written. If fn returns an error nothing is stored.
func (s *Storage) UpdateWallet(userID string, fn func(w *Wallet) (*Snapshot, error)) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	w, err := scanWallet(tx.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID))
	if err != nil {
		return nil, err
	}

	view := *w
	snap, err := fn(&view)
	if err != nil {
		return nil, err
	}
	applySnapshot(w, snap)

	history, err := encodeHistory(w.History)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE wallets SET balance_native = ?, balance_fiat = ?, history = ?, refreshed_at = ?
		WHERE user_id = ?
	`, w.BalanceNative, w.BalanceFiat, history, w.RefreshedAt.Unix(), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit wallet: %w", err)
	}
	return w, nil
}

// CountWallets returns the number of stored wallets.
func (s *Storage) CountWallets() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM wallets").Scan(&n)
	return n, err
}

func applySnapshot(w *Wallet, snap *Snapshot) {
	w.BalanceNative = snap.BalanceNative
	w.BalanceFiat = snap.BalanceFiat
	w.History = snap.History
	refreshed := snap.RefreshedAt
	if refreshed.IsZero() {
		refreshed = time.Now()
	}
	w.RefreshedAt = &refreshed
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	var history string
	var createdAt int64
	var refreshedAt sql.NullInt64

	err := row.Scan(
		&w.UserID, &w.Address, &w.AddressType, &w.SecretKey,
		&w.BalanceNative, &w.BalanceFiat, &history, &createdAt, &refreshedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}

	if err := json.Unmarshal([]byte(history), &w.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	w.CreatedAt = time.Unix(createdAt, 0)
	if refreshedAt.Valid {
		t := time.Unix(refreshedAt.Int64, 0)
		w.RefreshedAt = &t
	}

	return &w, nil
}

func encodeHistory(history []LedgerEntry) (string, error) {
	if history == nil {
		history = []LedgerEntry{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to encode history: %w", err)
	}
	return string(data), nil
}
