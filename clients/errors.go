package clients

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/vitwit/payflow/types"
)

// Provider error code used by wallet signers when the user declines a
// request (EIP-1193).
const providerCodeUserRejected = 4001

// rpcError matches go-ethereum's JSON-RPC error interface without
// depending on the rpc package's concrete type.
type rpcError interface {
	Error() string
	ErrorCode() int
}

// Classify maps a raw remote-call failure onto the closed error taxonomy.
// Ordering matters: explicit balance/allowance messages are checked before
// generic rejection and transport categories, so the most actionable code
// wins. Raw provider text never reaches the caller unclassified.
func Classify(err error) *types.PayflowError {
	if err == nil {
		return nil
	}

	// Already-classified errors pass through untouched.
	var perr *types.PayflowError
	if errors.As(err, &perr) {
		return perr
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "transfer amount exceeds balance"),
		strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "insufficient token balance"):
		return &types.PayflowError{
			Code:    types.ErrInsufficientBalance,
			Message: "token balance is below the required payment amount",
		}

	case strings.Contains(msg, "transfer amount exceeds allowance"),
		strings.Contains(msg, "insufficient allowance"):
		return &types.PayflowError{
			Code:    types.ErrTransactionReverted,
			Message: "spending authorization is below the required payment amount",
		}

	case isUserRejection(err, msg):
		return &types.PayflowError{
			Code:    types.ErrUserRejected,
			Message: "request was rejected by the signer",
		}

	case strings.Contains(msg, "insufficient funds"):
		return &types.PayflowError{
			Code:    types.ErrInsufficientGas,
			Message: "not enough native currency to pay transaction fees",
		}

	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return &types.PayflowError{
			Code:    types.ErrTransactionReverted,
			Message: "transaction reverted on the remote ledger",
		}

	case isTransportFailure(err, msg):
		return &types.PayflowError{
			Code:    types.ErrNetworkUnavailable,
			Message: "unable to reach the remote ledger",
		}
	}

	// Unknown provider failure: surface a classified wrapper, keep the raw
	// text in Data for diagnostics.
	return &types.PayflowError{
		Code:    types.ErrNetworkUnavailable,
		Message: "remote call failed",
		Data:    err.Error(),
	}
}

func isUserRejection(err error, msg string) bool {
	var rerr rpcError
	if errors.As(err, &rerr) && rerr.ErrorCode() == providerCodeUserRejected {
		return true
	}

	return strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "rejected by user")
}

func isTransportFailure(err error, msg string) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "eof")
}
