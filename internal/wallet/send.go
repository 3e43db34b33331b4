package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
	"github.com/klingon-exchange/ltcwallet/internal/storage"
	"github.com/klingon-exchange/ltcwallet/pkg/helpers"
)

// ErrInvalidSendState is returned for a transition the send workflow does not allow.
var ErrInvalidSendState = errors.New("invalid send state")

// SendState is the last completed step of a send.
type SendState string

const (
	SendRequested        SendState = "requested"         // Inputs accepted
	SendFundedCheck      SendState = "funded_check"      // Cached balance covers amount + fee
	SendProposed         SendState = "proposed"          // Skeleton received
	SendSigned           SendState = "signed"            // Every digest signed
	SendBroadcast        SendState = "broadcast"         // Accepted by the network
	SendConfirmedPending SendState = "confirmed_pending" // Broadcast and wallet refreshed
	SendFailed           SendState = "failed"
)

var sendTransitions = map[SendState][]SendState{
	SendRequested:        {SendFundedCheck, SendFailed},
	SendFundedCheck:      {SendProposed, SendFailed},
	SendProposed:         {SendSigned, SendFailed},
	SendSigned:           {SendBroadcast, SendFailed},
	SendBroadcast:        {SendConfirmedPending},
	SendConfirmedPending: {}, // Terminal state
	SendFailed:           {}, // Terminal state
}

// IsTerminal returns true for ConfirmedPending and Failed.
func (s SendState) IsTerminal() bool {
	return s == SendConfirmedPending || s == SendFailed
}

// CanTransitionTo reports whether next directly follows s.
func (s SendState) CanTransitionTo(next SendState) bool {
	for _, allowed := range sendTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SendResult is the outcome of one send attempt.
type SendResult struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Destination  string          `json:"destination"`
	AmountFiat   decimal.Decimal `json:"amount_fiat"`
	AmountNative decimal.Decimal `json:"amount_ltc"`
	Fee          decimal.Decimal `json:"fee"`
	Rate         decimal.Decimal `json:"rate"`
	State        SendState       `json:"state"`
	TxID         string          `json:"txid,omitempty"`
	Ambiguous    bool            `json:"ambiguous,omitempty"` // broadcast accepted, txid not parsed
	Err          error           `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Succeeded reports whether the funds were broadcast.
func (r *SendResult) Succeeded() bool {
	return r.State == SendConfirmedPending
}

// TransitionTo moves the send to next if the workflow allows it.
func (r *SendResult) TransitionTo(next SendState) error {
	if !r.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidSendState, r.State, next)
	}
	r.State = next
	return nil
}

func (r *SendResult) record() *storage.SendRecord {
	rec := &storage.SendRecord{
		ID:           r.ID,
		UserID:       r.UserID,
		Destination:  r.Destination,
		AmountFiat:   r.AmountFiat,
		AmountNative: r.AmountNative,
		Fee:          r.Fee,
		Rate:         r.Rate,
		State:        string(r.State),
		TxID:         r.TxID,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// sendFlow carries the transient data of one send between steps. The
// proposal and signed transaction never outlive it.
type sendFlow struct {
	svc *Service
	res *SendResult

	wallet *storage.Wallet
	key    *SecretKey
	base   int64 // litoshis to the destination
	skel   *backend.TxSkeleton
	signed *backend.SignedTx
}

// run drives the send until it reaches a terminal state. A failing step
// moves the send to Failed; nothing is written to the wallet record.
func (f *sendFlow) run(ctx context.Context) {
	for !f.res.State.IsTerminal() {
		next, err := f.step(ctx)
		if err != nil {
			f.res.Err = err
			next = SendFailed
		}
		if terr := f.res.TransitionTo(next); terr != nil {
			f.res.Err = errors.Join(f.res.Err, terr)
			f.res.State = SendFailed
		}
	}
}

func (f *sendFlow) step(ctx context.Context) (SendState, error) {
	switch f.res.State {
	case SendRequested:
		return SendFundedCheck, f.checkFunds(ctx)
	case SendFundedCheck:
		return SendProposed, f.propose(ctx)
	case SendProposed:
		return SendSigned, f.sign()
	case SendSigned:
		return SendBroadcast, f.broadcast(ctx)
	case SendBroadcast:
		f.settle(ctx)
		return SendConfirmedPending, nil
	default:
		return SendFailed, fmt.Errorf("%w: %s", ErrInvalidSendState, f.res.State)
	}
}

// checkFunds converts the fiat amount and compares amount + fee against
// the cached balance. No explorer call is made here.
func (f *sendFlow) checkFunds(ctx context.Context) error {
	s := f.svc
	res := f.res

	if _, _, err := ParseAddress(res.Destination, s.params); err != nil {
		return err
	}

	w, err := s.loadWallet(res.UserID)
	if err != nil {
		return err
	}
	f.wallet = w

	res.Rate = s.rate(ctx)
	res.AmountNative = res.AmountFiat.Div(res.Rate)

	required := res.AmountNative.Add(res.Fee)
	if required.GreaterThan(w.BalanceNative) {
		return &InsufficientFundsError{Balance: w.BalanceNative, Required: required}
	}

	f.base = helpers.ToBaseUnits(res.AmountNative, helpers.LitecoinDecimals)
	if f.base <= 0 {
		return fmt.Errorf("%w: %s LTC is below one litoshi", ErrInvalidAmount, res.AmountNative)
	}

	key, err := ParseSecretKey(w.SecretKey, s.params)
	if err != nil {
		return err
	}
	f.key = key
	return nil
}

func (f *sendFlow) propose(ctx context.Context) error {
	s := f.svc
	req := NewTxRequest(f.wallet.Address, f.res.Destination, f.base, s.feeBase)

	start := time.Now()
	skel, err := s.explorer.NewTransaction(ctx, req)
	s.metrics.ObserveExternal(string(s.explorer.Type()), "propose", start, err)
	if err != nil {
		return rejection("proposal", err)
	}
	f.skel = skel
	return nil
}

func (f *sendFlow) sign() error {
	signed, err := SignSkeleton(f.skel, f.key)
	if err != nil {
		return err
	}
	f.signed = signed
	return nil
}

func (f *sendFlow) broadcast(ctx context.Context) error {
	s := f.svc

	start := time.Now()
	result, err := s.explorer.SendTransaction(ctx, f.signed)
	s.metrics.ObserveExternal(string(s.explorer.Type()), "broadcast", start, err)
	if err != nil {
		return rejection("broadcast", err)
	}

	f.res.TxID = result.TxID
	if result.Ambiguous || result.TxID == "" {
		f.res.TxID = backend.UnknownTxID
		f.res.Ambiguous = true
		s.log.Warn("Broadcast accepted without a transaction id",
			"user", f.res.UserID, "send", f.res.ID, "error", ErrBroadcastAmbiguous)
	}
	return nil
}

// settle refreshes the wallet after a successful broadcast. A failed
// refresh leaves the previous snapshot in place and does not undo the send.
func (f *sendFlow) settle(ctx context.Context) {
	if _, err := f.svc.Refresh(ctx, f.res.UserID); err != nil {
		f.svc.log.Warn("Post-send refresh failed", "user", f.res.UserID, "error", err)
	}
}

// rejection maps a service error payload to ProposalRejectedError. Other
// errors (timeouts, transport) are returned wrapped as they are.
func rejection(stage string, err error) error {
	var rejected *backend.RejectedError
	if errors.As(err, &rejected) {
		return &ProposalRejectedError{Stage: stage, Messages: rejected.Messages}
	}
	return fmt.Errorf("%s failed: %w", stage, err)
}
