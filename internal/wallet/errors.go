package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Wallet errors. Match with errors.Is / errors.As.
var (
	ErrInvalidKeyFormat    = errors.New("invalid key format")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrRateUnavailable     = errors.New("exchange rate unavailable")
	ErrExplorerUnavailable = errors.New("explorer unavailable")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrProposalRejected    = errors.New("proposal rejected")
	ErrBroadcastAmbiguous  = errors.New("broadcast result ambiguous")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidUserID       = errors.New("user id is required")
)

// InsufficientFundsError reports a send that the cached balance cannot cover.
type InsufficientFundsError struct {
	Balance  decimal.Decimal // cached balance, LTC
	Required decimal.Decimal // amount + fee, LTC
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s LTC, required %s LTC",
		e.Balance.StringFixed(8), e.Required.StringFixed(8))
}

// Is makes errors.Is(err, ErrInsufficientFunds) hold.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// ProposalRejectedError carries the error payload returned by the
// transaction construction or broadcast service.
type ProposalRejectedError struct {
	Stage    string // "proposal" or "broadcast"
	Messages []string
}

func (e *ProposalRejectedError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("%s rejected", e.Stage)
	}
	return fmt.Sprintf("%s rejected: %s", e.Stage, strings.Join(e.Messages, "; "))
}

// Is makes errors.Is(err, ErrProposalRejected) hold.
func (e *ProposalRejectedError) Is(target error) bool {
	return target == ErrProposalRejected
}
