// Package eligibility decides whether a payment can proceed from a balance
// and allowance snapshot. It is pure: no remote calls, no side effects.
package eligibility

import (
	"math/big"

	"github.com/vitwit/payflow/amount"
	"github.com/vitwit/payflow/types"
)

// Evaluate compares balance and allowance against the required amount in
// base units. Equality counts as sufficient. The decimal strings in the
// snapshot are formatted with the token's precision for reporting only;
// they play no part in the comparison.
func Evaluate(balance, allowance, required *big.Int, decimals uint8) types.EligibilityResult {
	return types.EligibilityResult{
		HasBalance:       balance.Cmp(required) >= 0,
		HasAllowance:     allowance.Cmp(required) >= 0,
		CurrentBalance:   amount.ToDecimal(balance, decimals),
		CurrentAllowance: amount.ToDecimal(allowance, decimals),
		RequiredAmount:   amount.ToDecimal(required, decimals),
	}
}
