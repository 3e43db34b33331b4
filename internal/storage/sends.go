// Package storage - Send journal operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Send journal errors
var (
	ErrSendNotFound = errors.New("send not found")
)

// SendRecord is one journaled send attempt.
type SendRecord struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Destination string `json:"destination"`

	AmountFiat   decimal.Decimal `json:"amount_fiat"`
	AmountNative decimal.Decimal `json:"amount_native"`
	Fee          decimal.Decimal `json:"fee"`
	Rate         decimal.Decimal `json:"rate"`

	State string `json:"state"` // terminal send state
	TxID  string `json:"txid,omitempty"`
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const sendColumns = `id, user_id, destination, amount_fiat, amount_native, fee, rate,
	state, txid, error_message, created_at, completed_at`

// SaveSend inserts or updates a send record.
func (s *Storage) SaveSend(rec *SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var completedAt sql.NullInt64
	if rec.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: rec.CompletedAt.Unix(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO sends (`+sendColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			txid = excluded.txid,
			error_message = excluded.error_message,
			completed_at = excluded.completed_at
	`,
		rec.ID, rec.UserID, rec.Destination,
		rec.AmountFiat, rec.AmountNative, rec.Fee, rec.Rate,
		rec.State, nullString(rec.TxID), nullString(rec.Error),
		rec.CreatedAt.Unix(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save send: %w", err)
	}
	return nil
}

// GetSend retrieves a send record by id.
func (s *Storage) GetSend(id string) (*SendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanSend(s.db.QueryRow(`SELECT `+sendColumns+` FROM sends WHERE id = ?`, id))
}

// ListSends returns a user's most recent sends, newest first.
// A limit of 0 or less returns all of them.
func (s *Storage) ListSends(userID string, limit int) ([]*SendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.Query(`
		SELECT `+sendColumns+` FROM sends
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sends: %w", err)
	}
	defer rows.Close()

	var records []*SendRecord
	for rows.Next() {
		rec, err := scanSend(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanSend(row rowScanner) (*SendRecord, error) {
	var rec SendRecord
	var txid, errMsg sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Destination,
		&rec.AmountFiat, &rec.AmountNative, &rec.Fee, &rec.Rate,
		&rec.State, &txid, &errMsg, &createdAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSendNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan send: %w", err)
	}

	rec.TxID = txid.String
	rec.Error = errMsg.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
