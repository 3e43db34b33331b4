package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerDirName is the badger directory inside the data directory.
const BadgerDirName = "badger"

// maxConflictRetries bounds retries of an optimistic badger transaction.
const maxConflictRetries = 16

// BadgerStore is an embedded key-value alternative to the SQLite Storage.
// Records are JSON under "wallet:<user>", "send:<id>" and "setting:<key>".
type BadgerStore struct {
	db  *badger.DB
	dir string
}

// OpenBadger opens (or creates) a badger store in cfg.DataDir.
func OpenBadger(cfg *Config) (*BadgerStore, error) {
	dir := filepath.Join(expandPath(cfg.DataDir), BadgerDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	opts.Compression = options.Snappy

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, dir: dir}, nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// Path returns the badger directory.
func (b *BadgerStore) Path() string {
	return b.dir
}

func walletKey(userID string) []byte { return []byte("wallet:" + userID) }
func sendKey(id string) []byte       { return []byte("send:" + id) }
func settingKey(key string) []byte   { return []byte("setting:" + key) }

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent transactions.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// CreateWallet inserts w unless the user already has a wallet, returning
// the stored record and whether this call created it.
func (b *BadgerStore) CreateWallet(w *Wallet) (*Wallet, bool, error) {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}

	var stored Wallet
	var created bool
	err := b.update(func(txn *badger.Txn) error {
		created = false
		err := getJSON(txn, walletKey(w.UserID), &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		stored = *w
		if stored.History == nil {
			stored.History = []LedgerEntry{}
		}
		created = true
		return setJSON(txn, walletKey(w.UserID), &stored)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &stored, created, nil
}

// GetWallet retrieves a wallet by user id.
func (b *BadgerStore) GetWallet(userID string) (*Wallet, error) {
	var w Wallet
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, walletKey(userID), &w)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// WalletExists reports whether the user has a wallet.
func (b *BadgerStore) WalletExists(userID string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(walletKey(userID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UpdateWallet atomically replaces the user's cached snapshot with the one
// fn computes. Key material is carried over unchanged.
func (b *BadgerStore) UpdateWallet(userID string, fn func(w *Wallet) (*Snapshot, error)) (*Wallet, error) {
	var w Wallet
	err := b.update(func(txn *badger.Txn) error {
		w = Wallet{}
		if err := getJSON(txn, walletKey(userID), &w); err != nil {
			return err
		}

		view := w
		snap, err := fn(&view)
		if err != nil {
			return err
		}
		applySnapshot(&w, snap)
		return setJSON(txn, walletKey(userID), &w)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CountWallets returns the number of stored wallets.
func (b *BadgerStore) CountWallets() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("wallet:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// SaveSend inserts or updates a send record.
func (b *BadgerStore) SaveSend(rec *SendRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return b.update(func(txn *badger.Txn) error {
		return setJSON(txn, sendKey(rec.ID), rec)
	})
}

// GetSend retrieves a send record by id.
func (b *BadgerStore) GetSend(id string) (*SendRecord, error) {
	var rec SendRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sendKey(id), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSendNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSends returns a user's most recent sends, newest first.
// A limit of 0 or less returns all of them.
func (b *BadgerStore) ListSends(userID string, limit int) ([]*SendRecord, error) {
	var records []*SendRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("send:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec SendRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.UserID == userID {
				records = append(records, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// SetSetting stores a key/value setting.
func (b *BadgerStore) SetSetting(key, value string) error {
	return b.update(func(txn *badger.Txn) error {
		return txn.Set(settingKey(key), []byte(value))
	})
}

// GetSetting returns a setting value, or "" if unset.
func (b *BadgerStore) GetSetting(key string) (string, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settingKey(key))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		value = string(data)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	return value, err
}
