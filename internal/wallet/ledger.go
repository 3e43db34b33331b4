package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
	"github.com/klingon-exchange/ltcwallet/internal/storage"
	"github.com/klingon-exchange/ltcwallet/pkg/helpers"
)

// DefaultHistoryLimit is the number of most recent transactions kept in history.
const DefaultHistoryLimit = 10

// Ledger is an address's balance and classified history computed from its
// transaction feed.
type Ledger struct {
	BalanceBase int64 // litoshis
	Balance     decimal.Decimal
	BalanceFiat decimal.Decimal
	History     []storage.LedgerEntry // feed order, most recent last
}

// Reconcile computes the ledger for address from txs (oldest first).
//
// The balance covers every transaction in txs: outputs paying the address
// minus the spent values of inputs drawn from it. Only the last limit
// transactions are classified into history. Fiat values use rate for all
// entries. Unconfirmed transactions are stamped with now.
func Reconcile(address string, txs []backend.Transaction, rate decimal.Decimal, now time.Time, limit int) *Ledger {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var balance int64
	for _, tx := range txs {
		for _, out := range tx.Outputs {
			if containsAddress(out.Addresses, address) {
				balance += out.Value
			}
		}
		for _, in := range tx.Inputs {
			if containsAddress(in.Addresses, address) {
				balance -= in.OutputValue
			}
		}
	}

	window := txs
	if len(window) > limit {
		window = window[len(window)-limit:]
	}

	history := make([]storage.LedgerEntry, 0, len(window))
	for _, tx := range window {
		entry, ok := classify(address, tx)
		if !ok {
			continue
		}
		entry.AmountFiat = entry.AmountNative.Mul(rate)
		entry.Timestamp = now
		if tx.Confirmed != nil {
			entry.Timestamp = *tx.Confirmed
		}
		history = append(history, entry)
	}

	native := helpers.FromBaseUnits(balance, helpers.LitecoinDecimals)
	return &Ledger{
		BalanceBase: balance,
		Balance:     native,
		BalanceFiat: native.Mul(rate),
		History:     history,
	}
}

// classify turns one transaction into a ledger entry. A transaction that
// spends from the address is a send, whatever its outputs; one that only
// pays it is a receive. Transactions not touching the address are skipped.
func classify(address string, tx backend.Transaction) (storage.LedgerEntry, bool) {
	spends := false
	for _, in := range tx.Inputs {
		if containsAddress(in.Addresses, address) {
			spends = true
			break
		}
	}

	if spends {
		// The amount sent is everything paid elsewhere. Change back to the
		// address is excluded and the fee is not counted.
		var amount int64
		counterparty := ""
		for _, out := range tx.Outputs {
			if containsAddress(out.Addresses, address) {
				continue
			}
			amount += out.Value
			if counterparty == "" && len(out.Addresses) > 0 {
				counterparty = out.Addresses[0]
			}
		}
		if counterparty == "" {
			// Every output went back to the wallet (consolidation)
			counterparty = address
		}
		return storage.LedgerEntry{
			Direction:    storage.DirectionSend,
			AmountNative: helpers.FromBaseUnits(amount, helpers.LitecoinDecimals),
			TxID:         tx.Hash,
			Counterparty: counterparty,
		}, true
	}

	var received int64
	paid := false
	for _, out := range tx.Outputs {
		if containsAddress(out.Addresses, address) {
			received += out.Value
			paid = true
		}
	}
	if !paid {
		return storage.LedgerEntry{}, false
	}

	return storage.LedgerEntry{
		Direction:    storage.DirectionReceive,
		AmountNative: helpers.FromBaseUnits(received, helpers.LitecoinDecimals),
		TxID:         tx.Hash,
		Counterparty: storage.ReceiveCounterparty,
	}, true
}

func containsAddress(addrs []string, address string) bool {
	for _, a := range addrs {
		if a == address {
			return true
		}
	}
	return false
}
