// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"github.com/shopspring/decimal"
)

// LitecoinDecimals is the number of decimal places between LTC and litoshis.
const LitecoinDecimals = 8

// ToBaseUnits converts a display amount to integer base units, truncating
// toward zero.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) int64 {
	return amount.Shift(int32(decimals)).Truncate(0).IntPart()
}

// FromBaseUnits converts integer base units to a display amount.
func FromBaseUnits(amount int64, decimals uint8) decimal.Decimal {
	return decimal.New(amount, -int32(decimals))
}
