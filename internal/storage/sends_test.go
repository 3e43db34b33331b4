package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type sendStore interface {
	SaveSend(rec *SendRecord) error
	GetSend(id string) (*SendRecord, error)
	ListSends(userID string, limit int) ([]*SendRecord, error)
}

func TestSendJournal(t *testing.T) {
	stores := map[string]sendStore{
		"sqlite": newTestStorage(t),
		"badger": newTestBadger(t),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			for i, id := range []string{"s1", "s2", "s3"} {
				rec := &SendRecord{
					ID:           id,
					UserID:       "alice",
					Destination:  "Ldest",
					AmountFiat:   decimal.NewFromInt(39),
					AmountNative: decimal.RequireFromString("0.000975"),
					Fee:          decimal.RequireFromString("0.00003"),
					Rate:         decimal.NewFromInt(40000),
					State:        "failed",
					Error:        "insufficient funds",
					CreatedAt:    base.Add(time.Duration(i) * time.Minute),
				}
				if err := store.SaveSend(rec); err != nil {
					t.Fatalf("SaveSend(%s) error = %v", id, err)
				}
			}
			if err := store.SaveSend(&SendRecord{ID: "other", UserID: "bob", State: "failed", CreatedAt: base}); err != nil {
				t.Fatalf("SaveSend(other) error = %v", err)
			}

			// Update s2 to a successful terminal state
			done := base.Add(time.Hour)
			if err := store.SaveSend(&SendRecord{
				ID: "s2", UserID: "alice", Destination: "Ldest",
				AmountFiat: decimal.NewFromInt(39), AmountNative: decimal.RequireFromString("0.000975"),
				Fee: decimal.RequireFromString("0.00003"), Rate: decimal.NewFromInt(40000),
				State: "confirmed_pending", TxID: "abc", CreatedAt: base.Add(time.Minute), CompletedAt: &done,
			}); err != nil {
				t.Fatalf("SaveSend(update) error = %v", err)
			}

			got, err := store.GetSend("s2")
			if err != nil {
				t.Fatalf("GetSend() error = %v", err)
			}
			if got.State != "confirmed_pending" || got.TxID != "abc" || got.Error != "" {
				t.Errorf("GetSend(s2) = %+v", got)
			}
			if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
				t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
			}
			if !got.AmountNative.Equal(decimal.RequireFromString("0.000975")) {
				t.Errorf("AmountNative = %s", got.AmountNative)
			}

			list, err := store.ListSends("alice", 2)
			if err != nil {
				t.Fatalf("ListSends() error = %v", err)
			}
			if len(list) != 2 || list[0].ID != "s3" || list[1].ID != "s2" {
				t.Errorf("ListSends(alice, 2) = %v, want [s3 s2]", ids(list))
			}

			all, _ := store.ListSends("alice", 0)
			if len(all) != 3 {
				t.Errorf("ListSends(alice, 0) returned %d, want 3", len(all))
			}

			if _, err := store.GetSend("missing"); !errors.Is(err, ErrSendNotFound) {
				t.Errorf("GetSend(missing) error = %v, want ErrSendNotFound", err)
			}
		})
	}
}

func ids(recs []*SendRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
