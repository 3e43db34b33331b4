package wallet

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
	"github.com/klingon-exchange/ltcwallet/internal/storage"
)

const (
	me    = "Lme"
	alice = "Lalice"
	bob   = "Lbob"
)

var rate = decimal.NewFromInt(40000)

func in(addr string, value int64) backend.TxInput {
	return backend.TxInput{Addresses: []string{addr}, OutputValue: value}
}

func out(addr string, value int64) backend.TxOutput {
	return backend.TxOutput{Addresses: []string{addr}, Value: value}
}

func confirmedAt(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestReconcileClassification(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := []backend.Transaction{
		{ // receive among other payees
			Hash:      "r1",
			Confirmed: confirmedAt(100),
			Inputs:    []backend.TxInput{in(alice, 500000)},
			Outputs:   []backend.TxOutput{out(bob, 100000), out(me, 300000), out(alice, 90000)},
		},
		{ // send with change back to the wallet
			Hash:      "s1",
			Confirmed: confirmedAt(200),
			Inputs:    []backend.TxInput{in(me, 300000)},
			Outputs:   []backend.TxOutput{out(bob, 100000), out(me, 197000)},
		},
		{ // unrelated, skipped
			Hash:    "x1",
			Inputs:  []backend.TxInput{in(alice, 1)},
			Outputs: []backend.TxOutput{out(bob, 1)},
		},
		{ // unconfirmed receive
			Hash:    "r2",
			Inputs:  []backend.TxInput{in(bob, 60000)},
			Outputs: []backend.TxOutput{out(me, 50000)},
		},
	}

	ledger := Reconcile(me, txs, rate, now, 10)

	// 300000 - 300000 + 197000 + 50000
	if ledger.BalanceBase != 247000 {
		t.Errorf("BalanceBase = %d, want 247000", ledger.BalanceBase)
	}
	if !ledger.Balance.Equal(decimal.RequireFromString("0.00247")) {
		t.Errorf("Balance = %s, want 0.00247", ledger.Balance)
	}
	if !ledger.BalanceFiat.Equal(decimal.RequireFromString("98.8")) {
		t.Errorf("BalanceFiat = %s, want 98.8", ledger.BalanceFiat)
	}

	want := []struct {
		txid  string
		dir   storage.Direction
		ltc   string
		to    string
		stamp time.Time
	}{
		{"r1", storage.DirectionReceive, "0.003", "-", *confirmedAt(100)},
		{"s1", storage.DirectionSend, "0.001", bob, *confirmedAt(200)},
		{"r2", storage.DirectionReceive, "0.0005", "-", now},
	}
	if len(ledger.History) != len(want) {
		t.Fatalf("history has %d entries, want %d: %+v", len(ledger.History), len(want), ledger.History)
	}
	for i, w := range want {
		got := ledger.History[i]
		if got.TxID != w.txid || got.Direction != w.dir || got.Counterparty != w.to {
			t.Errorf("History[%d] = %+v, want %s %s to %s", i, got, w.txid, w.dir, w.to)
		}
		if !got.AmountNative.Equal(decimal.RequireFromString(w.ltc)) {
			t.Errorf("History[%d] amount = %s, want %s", i, got.AmountNative, w.ltc)
		}
		if !got.AmountFiat.Equal(got.AmountNative.Mul(rate)) {
			t.Errorf("History[%d] fiat = %s, want amount x rate", i, got.AmountFiat)
		}
		if !got.Timestamp.Equal(w.stamp) {
			t.Errorf("History[%d] timestamp = %v, want %v", i, got.Timestamp, w.stamp)
		}
	}
}

func TestReconcileSendToSelf(t *testing.T) {
	txs := []backend.Transaction{{
		Hash:    "self",
		Inputs:  []backend.TxInput{in(me, 100000)},
		Outputs: []backend.TxOutput{out(me, 97000)},
	}}

	ledger := Reconcile(me, txs, rate, time.Now(), 10)
	if len(ledger.History) != 1 {
		t.Fatalf("history = %+v", ledger.History)
	}
	e := ledger.History[0]
	if e.Direction != storage.DirectionSend || e.Counterparty != me || !e.AmountNative.IsZero() {
		t.Errorf("consolidation entry = %+v, want send of 0 to own address", e)
	}
}

func TestReconcileEmptyFeed(t *testing.T) {
	for name, txs := range map[string][]backend.Transaction{
		"nil":   nil,
		"empty": {},
		"malformed": {
			{Hash: "no-io"},
			{Hash: "nil-addresses", Inputs: []backend.TxInput{{OutputValue: 5}}, Outputs: []backend.TxOutput{{Value: 5}}},
		},
	} {
		t.Run(name, func(t *testing.T) {
			ledger := Reconcile(me, txs, rate, time.Now(), 10)
			if ledger.BalanceBase != 0 || !ledger.Balance.IsZero() || !ledger.BalanceFiat.IsZero() {
				t.Errorf("balance = %s / %s, want 0 / 0", ledger.Balance, ledger.BalanceFiat)
			}
			if ledger.History == nil || len(ledger.History) != 0 {
				t.Errorf("history = %#v, want empty", ledger.History)
			}
		})
	}
}

func TestReconcileHistoryWindow(t *testing.T) {
	var txs []backend.Transaction
	for i := 0; i < 25; i++ {
		txs = append(txs, backend.Transaction{
			Hash:      fmt.Sprintf("tx%02d", i),
			Confirmed: confirmedAt(int64(i)),
			Inputs:    []backend.TxInput{in(alice, 2000)},
			Outputs:   []backend.TxOutput{out(me, 1000)},
		})
	}

	ledger := Reconcile(me, txs, rate, time.Now(), 10)
	if len(ledger.History) != 10 {
		t.Fatalf("history length = %d, want 10", len(ledger.History))
	}
	if ledger.History[0].TxID != "tx15" || ledger.History[9].TxID != "tx24" {
		t.Errorf("history spans %s..%s, want tx15..tx24", ledger.History[0].TxID, ledger.History[9].TxID)
	}
	// Balance covers the full feed, not just the window
	if ledger.BalanceBase != 25000 {
		t.Errorf("BalanceBase = %d, want 25000", ledger.BalanceBase)
	}

	if got := Reconcile(me, txs, rate, time.Now(), 0); len(got.History) != DefaultHistoryLimit {
		t.Errorf("limit 0 should use the default, got %d entries", len(got.History))
	}
}

// Balance equals outputs to A minus spent inputs from A for random feeds.
func TestReconcileBalanceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	addrs := []string{me, alice, bob}
	pick := func() string { return addrs[rng.Intn(len(addrs))] }

	for round := 0; round < 200; round++ {
		var txs []backend.Transaction
		var want int64
		for i := 0; i < rng.Intn(30); i++ {
			tx := backend.Transaction{Hash: fmt.Sprintf("%d-%d", round, i)}
			for j := 0; j < 1+rng.Intn(3); j++ {
				a, v := pick(), rng.Int63n(1e8)
				tx.Inputs = append(tx.Inputs, in(a, v))
				if a == me {
					want -= v
				}
			}
			for j := 0; j < 1+rng.Intn(3); j++ {
				a, v := pick(), rng.Int63n(1e8)
				tx.Outputs = append(tx.Outputs, out(a, v))
				if a == me {
					want += v
				}
			}
			txs = append(txs, tx)
		}

		ledger := Reconcile(me, txs, rate, time.Now(), 10)
		if ledger.BalanceBase != want {
			t.Fatalf("round %d: BalanceBase = %d, want %d", round, ledger.BalanceBase, want)
		}
		if !ledger.Balance.Equal(decimal.New(want, -8)) {
			t.Fatalf("round %d: Balance = %s, want %d litoshis", round, ledger.Balance, want)
		}
		if len(ledger.History) > 10 {
			t.Fatalf("round %d: history length %d", round, len(ledger.History))
		}
		for _, e := range ledger.History {
			if e.AmountNative.IsNegative() {
				t.Fatalf("round %d: negative amount in %+v", round, e)
			}
		}
	}
}
