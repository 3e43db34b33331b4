package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// walletStore is the method set shared by Storage and BadgerStore.
type walletStore interface {
	CreateWallet(w *Wallet) (*Wallet, bool, error)
	GetWallet(userID string) (*Wallet, error)
	WalletExists(userID string) (bool, error)
	UpdateWallet(userID string, fn func(w *Wallet) (*Snapshot, error)) (*Wallet, error)
	CountWallets() (int, error)
}

func eachStore(t *testing.T, fn func(t *testing.T, store walletStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStorage(t)) })
	t.Run("badger", func(t *testing.T) { fn(t, newTestBadger(t)) })
}

func testWallet(userID string) *Wallet {
	return &Wallet{
		UserID:      userID,
		Address:     "L" + userID,
		AddressType: "p2pkh",
		SecretKey:   "T" + userID,
	}
}

func TestCreateAndGetWallet(t *testing.T) {
	eachStore(t, func(t *testing.T, store walletStore) {
		stored, created, err := store.CreateWallet(testWallet("alice"))
		if err != nil {
			t.Fatalf("CreateWallet() error = %v", err)
		}
		if !created {
			t.Error("first CreateWallet should report created")
		}
		if stored.Address != "Lalice" || stored.SecretKey != "Talice" {
			t.Errorf("stored = %+v", stored)
		}
		if !stored.BalanceNative.IsZero() || len(stored.History) != 0 {
			t.Errorf("new wallet should have empty snapshot: %+v", stored)
		}

		got, err := store.GetWallet("alice")
		if err != nil {
			t.Fatalf("GetWallet() error = %v", err)
		}
		if got.Address != stored.Address || got.SecretKey != stored.SecretKey {
			t.Errorf("GetWallet() = %+v, want %+v", got, stored)
		}
		if got.RefreshedAt != nil {
			t.Error("RefreshedAt should be nil before first refresh")
		}

		exists, err := store.WalletExists("alice")
		if err != nil || !exists {
			t.Errorf("WalletExists(alice) = %v, %v", exists, err)
		}
		exists, err = store.WalletExists("bob")
		if err != nil || exists {
			t.Errorf("WalletExists(bob) = %v, %v", exists, err)
		}
	})
}

func TestGetWalletNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, store walletStore) {
		if _, err := store.GetWallet("nobody"); !errors.Is(err, ErrWalletNotFound) {
			t.Errorf("GetWallet() error = %v, want ErrWalletNotFound", err)
		}

		_, err := store.UpdateWallet("nobody", func(w *Wallet) (*Snapshot, error) {
			t.Error("fn should not be called for a missing wallet")
			return &Snapshot{}, nil
		})
		if !errors.Is(err, ErrWalletNotFound) {
			t.Errorf("UpdateWallet() error = %v, want ErrWalletNotFound", err)
		}
	})
}

func TestCreateWalletKeepsExistingPair(t *testing.T) {
	eachStore(t, func(t *testing.T, store walletStore) {
		if _, _, err := store.CreateWallet(testWallet("alice")); err != nil {
			t.Fatalf("CreateWallet() error = %v", err)
		}

		other := &Wallet{UserID: "alice", Address: "Lother", AddressType: "p2pkh", SecretKey: "Tother"}
		stored, created, err := store.CreateWallet(other)
		if err != nil {
			t.Fatalf("second CreateWallet() error = %v", err)
		}
		if created {
			t.Error("second CreateWallet should not report created")
		}
		if stored.Address != "Lalice" || stored.SecretKey != "Talice" {
			t.Errorf("existing pair was replaced: %+v", stored)
		}

		if n, _ := store.CountWallets(); n != 1 {
			t.Errorf("CountWallets() = %d, want 1", n)
		}
	})
}

func TestCreateWalletConcurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, store walletStore) {
		const workers = 8

		var wg sync.WaitGroup
		results := make([]*Wallet, workers)
		createdCount := make([]bool, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				w := &Wallet{
					UserID:      "racer",
					Address:     fmt.Sprintf("Laddr%d", i),
					AddressType: "p2pkh",
					SecretKey:   fmt.Sprintf("Tkey%d", i),
				}
				stored, created, err := store.CreateWallet(w)
				if err != nil {
					t.Errorf("CreateWallet() error = %v", err)
					return
				}
				results[i] = stored
				createdCount[i] = created
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := 0; i < workers; i++ {
			if createdCount[i] {
				winners++
			}
			if results[i] == nil || results[0] == nil {
				continue
			}
			if results[i].Address != results[0].Address || results[i].SecretKey != results[0].SecretKey {
				t.Errorf("worker %d got %s, worker 0 got %s", i, results[i].Address, results[0].Address)
			}
		}
		if winners != 1 {
			t.Errorf("%d callers created the wallet, want exactly 1", winners)
		}
		if n, _ := store.CountWallets(); n != 1 {
			t.Errorf("CountWallets() = %d, want 1", n)
		}
	})
}

func TestUpdateWallet(t *testing.T) {
	eachStore(t, func(t *testing.T, store walletStore) {
		if _, _, err := store.CreateWallet(testWallet("alice")); err != nil {
			t.Fatalf("CreateWallet() error = %v", err)
		}

		ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
		history := []LedgerEntry{{
			Direction:    DirectionReceive,
			AmountNative: decimal.RequireFromString("0.001"),
			AmountFiat:   decimal.RequireFromString("40"),
			Timestamp:    ts,
			TxID:         "tx1",
			Counterparty: ReceiveCounterparty,
		}}

		updated, err := store.UpdateWallet("alice", func(w *Wallet) (*Snapshot, error) {
			// Key material can be mutated here but must never be persisted
			w.SecretKey = "tampered"
			return &Snapshot{
				BalanceNative: decimal.RequireFromString("0.001"),
				BalanceFiat:   decimal.RequireFromString("40"),
				History:       history,
				RefreshedAt:   ts,
			}, nil
		})
		if err != nil {
			t.Fatalf("UpdateWallet() error = %v", err)
		}
		if updated.RefreshedAt == nil || !updated.RefreshedAt.Equal(ts) {
			t.Errorf("RefreshedAt = %v, want %v", updated.RefreshedAt, ts)
		}

		got, err := store.GetWallet("alice")
		if err != nil {
			t.Fatalf("GetWallet() error = %v", err)
		}
		if !got.BalanceNative.Equal(decimal.RequireFromString("0.001")) {
			t.Errorf("BalanceNative = %s, want 0.001", got.BalanceNative)
		}
		if !got.BalanceFiat.Equal(decimal.NewFromInt(40)) {
			t.Errorf("BalanceFiat = %s, want 40", got.BalanceFiat)
		}
		if len(got.History) != 1 || got.History[0].TxID != "tx1" || !got.History[0].Timestamp.Equal(ts) {
			t.Errorf("History = %+v", got.History)
		}
		if got.History[0].Direction != DirectionReceive || got.History[0].Counterparty != "-" {
			t.Errorf("History[0] = %+v", got.History[0])
		}
		if got.Address != "Lalice" {
			t.Errorf("Address changed to %s", got.Address)
		}
	})
}

func TestUpdateWalletAbortsOnError(t *testing.T) {
	eachStore(t, func(t *testing.T, store walletStore) {
		if _, _, err := store.CreateWallet(testWallet("alice")); err != nil {
			t.Fatalf("CreateWallet() error = %v", err)
		}

		boom := errors.New("boom")
		_, err := store.UpdateWallet("alice", func(w *Wallet) (*Snapshot, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("UpdateWallet() error = %v, want boom", err)
		}

		got, _ := store.GetWallet("alice")
		if got.RefreshedAt != nil || !got.BalanceNative.IsZero() {
			t.Errorf("failed update was applied: %+v", got)
		}
	})
}

func TestUpdateWalletConcurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, store walletStore) {
		if _, _, err := store.CreateWallet(testWallet("alice")); err != nil {
			t.Fatalf("CreateWallet() error = %v", err)
		}

		// Every writer stores a self-consistent snapshot; the survivor must
		// be one of them, never a mix.
		var wg sync.WaitGroup
		for i := 1; i <= 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				native := decimal.New(int64(i), -3)
				_, err := store.UpdateWallet("alice", func(w *Wallet) (*Snapshot, error) {
					return &Snapshot{
						BalanceNative: native,
						BalanceFiat:   native.Mul(decimal.NewFromInt(40000)),
						History:       []LedgerEntry{{TxID: native.String()}},
					}, nil
				})
				if err != nil {
					t.Errorf("UpdateWallet() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, _ := store.GetWallet("alice")
		if !got.BalanceFiat.Equal(got.BalanceNative.Mul(decimal.NewFromInt(40000))) {
			t.Errorf("torn snapshot: native %s fiat %s", got.BalanceNative, got.BalanceFiat)
		}
		if len(got.History) != 1 || got.History[0].TxID != got.BalanceNative.String() {
			t.Errorf("torn snapshot: native %s history %+v", got.BalanceNative, got.History)
		}
	})
}
