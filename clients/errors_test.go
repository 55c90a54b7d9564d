package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/types"
)

type fakeRPCError struct {
	code int
	msg  string
}

func (e *fakeRPCError) Error() string  { return e.msg }
func (e *fakeRPCError) ErrorCode() int { return e.code }

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &types.PayflowError{Code: types.ErrApprovalTimeout, Message: "approval window elapsed"}
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
}

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{
			"explicit balance message",
			errors.New("execution reverted: ERC20: transfer amount exceeds balance"),
			types.ErrInsufficientBalance,
		},
		{
			"explicit allowance message",
			errors.New("execution reverted: ERC20: transfer amount exceeds allowance"),
			types.ErrTransactionReverted,
		},
		{
			"user rejected by message",
			errors.New("MetaMask Tx Signature: User denied transaction signature."),
			types.ErrUserRejected,
		},
		{
			"user rejected by provider code",
			&fakeRPCError{code: 4001, msg: "request rejected"},
			types.ErrUserRejected,
		},
		{
			"gas shortfall",
			errors.New("insufficient funds for gas * price + value"),
			types.ErrInsufficientGas,
		},
		{
			"generic revert",
			errors.New("execution reverted"),
			types.ErrTransactionReverted,
		},
		{
			"connection refused",
			errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"),
			types.ErrNetworkUnavailable,
		},
		{
			"net error",
			&net.DNSError{Err: "lookup failed", Name: "rpc.example.org", IsTimeout: true},
			types.ErrNetworkUnavailable,
		},
		{
			"context deadline",
			context.DeadlineExceeded,
			types.ErrNetworkUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := Classify(tt.err)
			require.NotNil(t, perr)
			assert.Equal(t, tt.code, perr.Code)
		})
	}
}

// Balance text wins over the generic revert category even though both
// substrings are present.
func TestClassifyOrdering(t *testing.T) {
	err := errors.New("execution reverted: ERC20: transfer amount exceeds balance")
	assert.Equal(t, types.ErrInsufficientBalance, Classify(err).Code)
}

func TestClassifyUnknownKeepsRawInData(t *testing.T) {
	raw := "some provider-specific failure " + time.Now().Format(time.RFC3339)
	perr := Classify(errors.New(raw))

	require.NotNil(t, perr)
	assert.Equal(t, types.ErrNetworkUnavailable, perr.Code)
	assert.NotContains(t, perr.Message, "provider-specific")
	assert.Equal(t, raw, perr.Data)
}
