// Package orchestrator drives a multi-step token payment: eligibility
// check, spending authorization if absent, then sequential transfers to the
// configured recipients. One orchestrator owns one ledger session; a second
// concurrent invocation on the same account is rejected outright.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/payflow/amount"
	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/eligibility"
	"github.com/vitwit/payflow/events"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/types"
)

// Orchestrator sequences one payment flow over a Ledger. Construct with New,
// run with Pay, discard after a terminal state.
type Orchestrator struct {
	ledger   clients.Ledger
	dist     types.DistributionConfig
	spender  string
	decimals uint8

	pollInterval    time.Duration
	approvalTimeout time.Duration

	clock   Clock
	log     logger.Logger
	metrics metrics.Recorder
	emitter events.Emitter

	// required and per-recipient amounts in base units, fixed at build time.
	required  *big.Int
	transfers []*big.Int

	inFlight atomic.Bool

	mu         sync.Mutex
	state      types.PaymentState
	approvalTx string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

func WithEmitter(e events.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithPolling(interval, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInterval = interval
		o.approvalTimeout = timeout
	}
}

// New validates the distribution, converts every configured amount to base
// units and returns an orchestrator in the checking state. Amount conversion
// failures are local and never reach the remote.
func New(ledger clients.Ledger, dist types.DistributionConfig, spender string, decimals uint8, opts ...Option) (*Orchestrator, error) {
	if err := dist.Validate(); err != nil {
		return nil, err
	}

	required, err := amount.ToBaseUnits(dist.TotalAmount, decimals)
	if err != nil {
		return nil, err
	}

	transfers := make([]*big.Int, 0, len(dist.Recipients))
	for _, r := range dist.Recipients {
		amt, err := amount.ToBaseUnits(r.Amount, decimals)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, amt)
	}

	o := &Orchestrator{
		ledger:          ledger,
		dist:            dist,
		spender:         spender,
		decimals:        decimals,
		pollInterval:    types.DefaultPollInterval,
		approvalTimeout: types.DefaultApprovalTimeout,
		clock:           NewRealClock(),
		log:             logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
		emitter:         events.NoopEmitter{},
		required:        required,
		transfers:       transfers,
		state:           types.StateChecking,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// State returns the orchestrator's current position in the flow.
func (o *Orchestrator) State() types.PaymentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CheckEligibility takes a fresh balance/allowance snapshot. It shares the
// single-flight guard with Pay: checking while a payment is mid-flow is
// rejected rather than interleaved.
func (o *Orchestrator) CheckEligibility(ctx context.Context) (types.EligibilityResult, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return types.EligibilityResult{}, concurrentOperation()
	}
	defer o.inFlight.Store(false)

	return o.snapshot(ctx)
}

// Pay runs the state machine to a terminal state. On full success it returns
// the assembled PaymentRecord; every failure comes back classified. A second
// Pay on the same orchestrator while one is in flight fails with
// concurrent_operation.
func (o *Orchestrator) Pay(ctx context.Context) (*types.PaymentRecord, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, concurrentOperation()
	}
	defer o.inFlight.Store(false)

	started := o.clock.Now()
	o.metrics.IncCounter("payment_started", map[string]string{"state": o.State().String()})

	record, err := o.run(ctx)

	o.metrics.ObserveLatency("pay", o.clock.Now().Sub(started), map[string]string{"state": o.State().String()})
	if err != nil {
		o.metrics.IncCounter("payment_failed", map[string]string{"state": o.State().String()})
		return nil, err
	}

	o.metrics.IncCounter("payment_complete", map[string]string{"state": o.State().String()})
	return record, nil
}

func (o *Orchestrator) run(ctx context.Context) (*types.PaymentRecord, error) {
	o.setState(types.StateChecking)

	snap, err := o.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if !snap.HasBalance {
		// Recoverable: the caller funds the account and re-invokes. The
		// machine stays in checking.
		o.log.Warn("insufficient balance", map[string]any{
			"balance":  snap.CurrentBalance,
			"required": snap.RequiredAmount,
		})
		return nil, &types.PayflowError{
			Code:    types.ErrInsufficientBalance,
			Message: fmt.Sprintf("balance %s is below required %s", snap.CurrentBalance, snap.RequiredAmount),
			Data:    snap,
		}
	}

	if !snap.HasAllowance {
		o.setState(types.StateAwaitingApproval)
		if err := o.awaitApproval(ctx); err != nil {
			return nil, err
		}
	}

	o.setState(types.StateExecuting)
	outcomes, err := o.execute(ctx)
	if err != nil {
		o.setState(types.StateFailed)
		o.emit(events.PaymentEvent{
			Type:      events.EventPaymentFailed,
			State:     types.StateFailed,
			ErrorCode: errorCode(err),
		})
		return nil, err
	}

	record := &types.PaymentRecord{
		ID:          uuid.NewString(),
		Payer:       o.ledger.Payer(),
		Recipients:  o.dist.Recipients,
		Outcomes:    outcomes,
		TotalAmount: o.dist.TotalAmount,
		Timestamp:   o.clock.Now(),
	}

	o.setState(types.StateComplete)
	o.emit(events.PaymentEvent{
		Type:   events.EventPaymentComplete,
		State:  types.StateComplete,
		Record: record,
	})
	o.log.Info("payment complete", map[string]any{
		"id":    record.ID,
		"total": record.TotalAmount,
	})

	return record, nil
}

// snapshot re-reads balance and allowance and evaluates eligibility. Results
// are never cached across calls.
func (o *Orchestrator) snapshot(ctx context.Context) (types.EligibilityResult, error) {
	payer := o.ledger.Payer()

	balance, err := o.ledger.Balance(ctx, payer)
	if err != nil {
		return types.EligibilityResult{}, clients.Classify(err)
	}

	allowance, err := o.ledger.Allowance(ctx, payer, o.spender)
	if err != nil {
		return types.EligibilityResult{}, clients.Classify(err)
	}

	return eligibility.Evaluate(balance, allowance, o.required, o.decimals), nil
}

// awaitApproval submits the approval once (for exactly the required total)
// and polls eligibility until the allowance lands or the window elapses.
// A pending approval from an earlier invocation is never resubmitted.
func (o *Orchestrator) awaitApproval(ctx context.Context) error {
	o.mu.Lock()
	pending := o.approvalTx
	o.mu.Unlock()

	if pending == "" {
		hash, err := o.ledger.SubmitApproval(ctx, o.spender, o.required)
		if err != nil {
			return clients.Classify(err)
		}
		pending = hash

		o.mu.Lock()
		o.approvalTx = hash
		o.mu.Unlock()

		o.log.Info("approval submitted", map[string]any{"txHash": hash})
		o.emit(events.PaymentEvent{
			Type:   events.EventApprovalPending,
			State:  types.StateAwaitingApproval,
			TxHash: hash,
		})
	}

	deadline := o.clock.Now().Add(o.approvalTimeout)
	polls := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(o.pollInterval):
		}
		polls++

		snap, err := o.snapshot(ctx)
		if err != nil {
			return err
		}
		if snap.HasAllowance {
			o.log.Debug("allowance confirmed", map[string]any{"polls": polls})
			return nil
		}

		if !o.clock.Now().Before(deadline) {
			// Not fatal: the approval may still confirm later. The machine
			// stays in awaiting_approval and a later invocation re-checks
			// without resubmitting.
			return &types.PayflowError{
				Code:    types.ErrApprovalTimeout,
				Message: "approval still pending after polling window elapsed",
				Data: types.ApprovalStatus{
					TxHash:  pending,
					Pending: true,
					Polls:   polls,
				},
			}
		}
	}
}

// execute submits one transfer per recipient, strictly in configuration
// order, awaiting each confirmation before the next submission. Once a
// transfer is submitted its outcome is always awaited, even if ctx is
// cancelled; cancellation is honored only between transfers.
func (o *Orchestrator) execute(ctx context.Context) ([]types.TransactionOutcome, error) {
	outcomes := make([]types.TransactionOutcome, 0, len(o.dist.Recipients))

	for i, r := range o.dist.Recipients {
		if err := ctx.Err(); err != nil {
			return nil, o.partialFailure(outcomes, i, err)
		}

		hash, err := o.ledger.SubmitTransfer(ctx, r.Address, o.transfers[i])
		if err != nil {
			return nil, o.partialFailure(outcomes, i, err)
		}

		o.log.Info("transfer submitted", map[string]any{
			"recipient": r.Label,
			"amount":    r.Amount,
			"txHash":    hash,
		})

		// The submitted write is irreversible; never abandon it mid-flight.
		outcome, err := o.ledger.AwaitConfirmation(context.WithoutCancel(ctx), hash)
		if err != nil {
			return nil, o.partialFailure(outcomes, i, err)
		}

		outcomes = append(outcomes, *outcome)
		o.emit(events.PaymentEvent{
			Type:   events.EventTransferConfirmed,
			State:  types.StateExecuting,
			TxHash: outcome.Hash,
		})
	}

	return outcomes, nil
}

// partialFailure classifies a transfer failure. With prior confirmations the
// result is always partial_execution carrying exactly which transfers went
// through; those are irreversible and must be surfaced, never coalesced into
// a generic failure.
func (o *Orchestrator) partialFailure(confirmed []types.TransactionOutcome, failedIdx int, cause error) error {
	if len(confirmed) == 0 {
		return clients.Classify(cause)
	}

	labels := make([]string, 0, len(confirmed))
	for i := range confirmed {
		labels = append(labels, o.dist.Recipients[i].Label)
	}

	failed := o.dist.Recipients[failedIdx]
	o.log.Error("partial execution", map[string]any{
		"confirmed": len(confirmed),
		"total":     len(o.dist.Recipients),
		"failedFor": failed.Label,
	})

	return &types.PayflowError{
		Code: types.ErrPartialExecution,
		Message: fmt.Sprintf("%d of %d transfers confirmed before the transfer to %s failed",
			len(confirmed), len(o.dist.Recipients), failed.Label),
		Data: types.PartialExecutionData{
			Confirmed:       confirmed,
			ConfirmedLabels: labels,
			FailedRecipient: failed,
			FailedIndex:     failedIdx,
		},
	}
}

func (o *Orchestrator) setState(s types.PaymentState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()

	o.emit(events.PaymentEvent{
		Type:  events.EventStateChanged,
		State: s,
	})
	o.metrics.IncCounter("state_transition", map[string]string{"state": s.String()})
}

// emit delivers a lifecycle event; delivery failures are logged and never
// interrupt the flow.
func (o *Orchestrator) emit(event events.PaymentEvent) {
	event.Payer = o.ledger.Payer()
	event.Timestamp = o.clock.Now()
	if err := o.emitter.EmitEvent(event); err != nil {
		o.log.Warn("failed to emit event", map[string]any{
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

func concurrentOperation() *types.PayflowError {
	return &types.PayflowError{
		Code:    types.ErrConcurrentOperation,
		Message: "another orchestration is already in flight for this account",
	}
}

func errorCode(err error) string {
	if perr, ok := err.(*types.PayflowError); ok {
		return perr.Code
	}
	return ""
}
