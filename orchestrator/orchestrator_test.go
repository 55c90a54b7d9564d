package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/events"
	"github.com/vitwit/payflow/types"
)

const testDecimals = 6

// fakeClock advances by d on every After call and fires immediately, so
// polling loops run deterministically without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// fakeLedger is a scriptable in-memory Ledger.
type fakeLedger struct {
	mu sync.Mutex

	balance *big.Int

	// allowanceFromCall: the 1-based Allowance call number from which the
	// approved amount is reported. 0 means the allowance is live from the
	// start; -1 means it never lands.
	allowanceFromCall int
	approved          *big.Int
	allowanceCalls    int

	approvals      []string
	approvedAmts   []*big.Int
	transferCount  int
	failAtTransfer int // 1-based transfer whose confirmation fails; 0 = none
	submitErr      error

	blockReads  chan struct{} // if non-nil, Balance blocks until closed
	readStarted chan struct{} // closed once the first blocked read begins
	readOnce    sync.Once
}

func (f *fakeLedger) Decimals(context.Context) (uint8, error) { return testDecimals, nil }
func (f *fakeLedger) Payer() string                           { return "0xPayer" }
func (f *fakeLedger) Close()                                  {}

func (f *fakeLedger) Balance(ctx context.Context, owner string) (*big.Int, error) {
	if f.blockReads != nil {
		if f.readStarted != nil {
			f.readOnce.Do(func() { close(f.readStarted) })
		}
		select {
		case <-f.blockReads:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeLedger) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.allowanceCalls++
	if f.allowanceFromCall >= 0 && f.allowanceCalls > f.allowanceFromCall && f.approved != nil {
		return new(big.Int).Set(f.approved), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) SubmitApproval(ctx context.Context, spender string, amt *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return "", f.submitErr
	}

	hash := fmt.Sprintf("0xapprove%d", len(f.approvals)+1)
	f.approvals = append(f.approvals, hash)
	f.approvedAmts = append(f.approvedAmts, new(big.Int).Set(amt))
	if f.approved == nil {
		f.approved = new(big.Int).Set(amt)
	}
	return hash, nil
}

func (f *fakeLedger) SubmitTransfer(ctx context.Context, to string, amt *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.transferCount++
	return fmt.Sprintf("0xtransfer%d", f.transferCount), nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, txHash string) (*types.TransactionOutcome, error) {
	f.mu.Lock()
	n := f.transferCount
	fail := f.failAtTransfer
	f.mu.Unlock()

	if fail != 0 && n == fail {
		return &types.TransactionOutcome{Hash: txHash, Confirmed: false}, &types.PayflowError{
			Code:    types.ErrTransactionReverted,
			Message: "transaction " + txHash + " reverted",
		}
	}

	return &types.TransactionOutcome{
		Hash:        txHash,
		BlockNumber: uint64(100 + n),
		GasUsed:     "21000",
		Confirmed:   true,
	}, nil
}

// mockEmitter records events for assertions.
type mockEmitter struct {
	mu     sync.Mutex
	events []events.PaymentEvent
}

func (m *mockEmitter) EmitEvent(e events.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *mockEmitter) Close() error { return nil }

func (m *mockEmitter) byType(t events.EventType) []events.PaymentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []events.PaymentEvent
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testDistribution() types.DistributionConfig {
	return types.DistributionConfig{
		TotalAmount: "0.05",
		Recipients: []types.Recipient{
			{Address: "0xRecipient1", Amount: "0.02", Label: "Recipient 1"},
			{Address: "0xRecipient2", Amount: "0.03", Label: "Recipient 2"},
		},
	}
}

func newTestOrchestrator(t *testing.T, ledger *fakeLedger, opts ...Option) *Orchestrator {
	t.Helper()

	base := []Option{WithClock(newFakeClock())}
	o, err := New(ledger, testDistribution(), "0xSpender", testDecimals, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func TestNewRejectsBadDistribution(t *testing.T) {
	dist := types.DistributionConfig{
		TotalAmount: "0.05",
		Recipients: []types.Recipient{
			{Address: "0xRecipient1", Amount: "0.02", Label: "Recipient 1"},
		},
	}

	_, err := New(&fakeLedger{balance: big.NewInt(0), allowanceFromCall: -1}, dist, "0xSpender", testDecimals)
	require.Error(t, err)

	var perr *types.PayflowError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.ErrConfigurationInvalid, perr.Code)
}

func TestFullRunWithExistingAllowance(t *testing.T) {
	ledger := &fakeLedger{
		balance:           big.NewInt(50000), // 0.05
		approved:          big.NewInt(50000),
		allowanceFromCall: 0,
	}
	emitter := &mockEmitter{}
	o := newTestOrchestrator(t, ledger, WithEmitter(emitter))

	record, err := o.Pay(context.Background())
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, types.StateComplete, o.State())
	assert.Equal(t, "0xPayer", record.Payer)
	assert.Equal(t, "0.05", record.TotalAmount)
	assert.NotEmpty(t, record.ID)

	require.Len(t, record.Outcomes, 2)
	assert.Equal(t, "0xtransfer1", record.Outcomes[0].Hash)
	assert.Equal(t, "0xtransfer2", record.Outcomes[1].Hash)
	for _, outcome := range record.Outcomes {
		assert.True(t, outcome.Confirmed)
	}

	// Recipient order matches configuration order and amounts sum to total.
	require.Len(t, record.Recipients, 2)
	assert.Equal(t, "Recipient 1", record.Recipients[0].Label)
	assert.Equal(t, "Recipient 2", record.Recipients[1].Label)

	// No approval needed when the allowance already covers the total.
	assert.Empty(t, ledger.approvals)

	assert.Len(t, emitter.byType(events.EventTransferConfirmed), 2)
	assert.Len(t, emitter.byType(events.EventPaymentComplete), 1)
}

func TestApprovalFlowTransitionsAfterPolling(t *testing.T) {
	// The initial snapshot sees no allowance; the approval lands on the
	// third poll.
	ledger := &fakeLedger{
		balance:           big.NewInt(50000),
		allowanceFromCall: 3,
	}
	emitter := &mockEmitter{}
	o := newTestOrchestrator(t, ledger, WithEmitter(emitter))

	record, err := o.Pay(context.Background())
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, types.StateComplete, o.State())

	// Approval submitted exactly once, for exactly the required total.
	require.Len(t, ledger.approvals, 1)
	require.Len(t, ledger.approvedAmts, 1)
	assert.Equal(t, 0, ledger.approvedAmts[0].Cmp(big.NewInt(50000)))

	assert.Len(t, emitter.byType(events.EventApprovalPending), 1)
}

func TestApprovalTimeoutThenManualRecheck(t *testing.T) {
	ledger := &fakeLedger{
		balance:           big.NewInt(50000),
		allowanceFromCall: -1, // never lands
	}
	o := newTestOrchestrator(t, ledger)

	_, err := o.Pay(context.Background())
	require.Error(t, err)

	var perr *types.PayflowError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.ErrApprovalTimeout, perr.Code)
	assert.Equal(t, types.StateAwaitingApproval, o.State())

	status, ok := perr.Data.(types.ApprovalStatus)
	require.True(t, ok)
	assert.True(t, status.Pending)
	assert.Equal(t, "0xapprove1", status.TxHash)
	// 30s window at 2s per poll.
	assert.Equal(t, 15, status.Polls)

	// No transfer was attempted while the approval was pending.
	assert.Equal(t, 0, ledger.transferCount)

	// The approval confirms later; a manual re-check proceeds without a
	// second submission.
	ledger.mu.Lock()
	ledger.allowanceFromCall = 0
	ledger.mu.Unlock()

	record, err := o.Pay(context.Background())
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Len(t, ledger.approvals, 1)
}

func TestInsufficientBalanceIsRecoverable(t *testing.T) {
	ledger := &fakeLedger{
		balance:           big.NewInt(10000), // 0.01, below the 0.05 total
		allowanceFromCall: -1,
	}
	o := newTestOrchestrator(t, ledger)

	_, err := o.Pay(context.Background())
	require.Error(t, err)

	var perr *types.PayflowError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.ErrInsufficientBalance, perr.Code)

	// The machine stays checkable; nothing was submitted.
	assert.Equal(t, types.StateChecking, o.State())
	assert.Empty(t, ledger.approvals)
	assert.Equal(t, 0, ledger.transferCount)

	// After funding, the same orchestrator completes.
	ledger.mu.Lock()
	ledger.balance = big.NewInt(50000)
	ledger.allowanceFromCall = 0
	ledger.approved = big.NewInt(50000)
	ledger.mu.Unlock()

	record, err := o.Pay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.05", record.TotalAmount)
}

func TestPartialExecutionReportsConfirmedTransfers(t *testing.T) {
	dist := types.DistributionConfig{
		TotalAmount: "0.06",
		Recipients: []types.Recipient{
			{Address: "0xRecipient1", Amount: "0.01", Label: "Recipient 1"},
			{Address: "0xRecipient2", Amount: "0.02", Label: "Recipient 2"},
			{Address: "0xRecipient3", Amount: "0.03", Label: "Recipient 3"},
		},
	}
	ledger := &fakeLedger{
		balance:           big.NewInt(60000),
		approved:          big.NewInt(60000),
		allowanceFromCall: 0,
		failAtTransfer:    2,
	}

	o, err := New(ledger, dist, "0xSpender", testDecimals, WithClock(newFakeClock()))
	require.NoError(t, err)

	_, err = o.Pay(context.Background())
	require.Error(t, err)

	var perr *types.PayflowError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.ErrPartialExecution, perr.Code)
	assert.Equal(t, types.StateFailed, o.State())

	data, ok := perr.Data.(types.PartialExecutionData)
	require.True(t, ok)
	require.Len(t, data.Confirmed, 1)
	assert.Equal(t, []string{"Recipient 1"}, data.ConfirmedLabels)
	assert.Equal(t, "Recipient 2", data.FailedRecipient.Label)
	assert.Equal(t, 1, data.FailedIndex)

	// The third transfer was never attempted.
	assert.Equal(t, 2, ledger.transferCount)
}

func TestFirstTransferFailureIsNotPartial(t *testing.T) {
	ledger := &fakeLedger{
		balance:           big.NewInt(50000),
		approved:          big.NewInt(50000),
		allowanceFromCall: 0,
		failAtTransfer:    1,
	}
	o := newTestOrchestrator(t, ledger)

	_, err := o.Pay(context.Background())
	require.Error(t, err)

	var perr *types.PayflowError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.ErrTransactionReverted, perr.Code)
	assert.Equal(t, 1, ledger.transferCount)
}

func TestConcurrentPayIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ledger := &fakeLedger{
		balance:           big.NewInt(50000),
		approved:          big.NewInt(50000),
		allowanceFromCall: 0,
		blockReads:        release,
		readStarted:       started,
	}
	o := newTestOrchestrator(t, ledger)

	firstDone := make(chan error, 1)
	go func() {
		_, err := o.Pay(context.Background())
		firstDone <- err
	}()

	// Wait for the first invocation to take the guard and block on the
	// ledger read.
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first invocation never reached the ledger")
	}

	_, err := o.Pay(context.Background())
	require.Error(t, err)

	var perr *types.PayflowError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.ErrConcurrentOperation, perr.Code)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, types.StateComplete, o.State())
}

func TestUserRejectedApproval(t *testing.T) {
	ledger := &fakeLedger{
		balance:           big.NewInt(50000),
		allowanceFromCall: -1,
		submitErr:         errors.New("MetaMask Tx Signature: User denied transaction signature."),
	}
	o := newTestOrchestrator(t, ledger)

	_, err := o.Pay(context.Background())
	require.Error(t, err)

	var perr *types.PayflowError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, types.ErrUserRejected, perr.Code)
}

func TestCheckEligibilitySnapshot(t *testing.T) {
	ledger := &fakeLedger{
		balance:           big.NewInt(50000),
		allowanceFromCall: -1,
	}
	o := newTestOrchestrator(t, ledger)

	snap, err := o.CheckEligibility(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.HasBalance)
	assert.False(t, snap.HasAllowance)
	assert.Equal(t, "0.05", snap.CurrentBalance)
	assert.Equal(t, "0", snap.CurrentAllowance)
	assert.Equal(t, "0.05", snap.RequiredAmount)
	assert.Equal(t, types.StateAwaitingApproval, snap.NextState())
}
