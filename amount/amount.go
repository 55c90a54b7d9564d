// Package amount converts between human decimal token amounts and the
// ledger's base-unit integer representation. All financial comparisons happen
// on base units; decimal strings exist only at the boundary.
package amount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/vitwit/payflow/types"
)

// ToBaseUnits parses a decimal amount string and scales it by the token's
// declared precision. It rejects negative values, malformed decimals and
// amounts with more fractional digits than the token can represent.
func ToBaseUnits(amt string, decimals uint8) (*big.Int, error) {
	if amt == "" {
		return nil, &types.PayflowError{
			Code:    types.ErrMalformedAmount,
			Message: "amount cannot be empty",
		}
	}

	dec, err := decimal.NewFromString(amt)
	if err != nil {
		return nil, &types.PayflowError{
			Code:    types.ErrMalformedAmount,
			Message: fmt.Sprintf("invalid amount format %q: %v", amt, err),
		}
	}

	if dec.IsNegative() {
		return nil, &types.PayflowError{
			Code:    types.ErrMalformedAmount,
			Message: fmt.Sprintf("amount %q cannot be negative", amt),
		}
	}

	shifted := dec.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, &types.PayflowError{
			Code:    types.ErrMalformedAmount,
			Message: fmt.Sprintf("amount %q has more than %d fractional digits", amt, decimals),
		}
	}

	return shifted.BigInt(), nil
}

// ToDecimal formats a base-unit value back into a decimal string. It is the
// total inverse of ToBaseUnits for any amount within the token's precision.
func ToDecimal(baseUnits *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(baseUnits, -int32(decimals)).String()
}
