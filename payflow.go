// Package payflow drives a multi-step ERC-20 payment against a remote
// ledger: it verifies the payer's balance and spending authorization,
// requests an approval when one is missing, then executes sequential
// transfers to a fixed set of recipients.
package payflow

import (
	"context"
	"fmt"

	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/events"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/orchestrator"
	"github.com/vitwit/payflow/types"
)

// Payflow is the main entry point. Build with New, dial the ledger with
// Connect, then run CheckEligibility / Pay. One Payflow owns one account
// session; tear it down with Close on disconnect.
type Payflow struct {
	config  *types.Config
	log     logger.Logger
	metrics metrics.Recorder
	emitter events.Emitter
	clock   orchestrator.Clock

	ledger   clients.Ledger
	orch     *orchestrator.Orchestrator
	decimals uint8
}

// New validates the configuration and applies options. The distribution sum
// check runs here, before any remote call.
func New(config *types.Config, opts ...Option) (*Payflow, error) {
	if config == nil {
		return nil, &types.PayflowError{
			Code:    types.ErrConfigurationInvalid,
			Message: "config is required",
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Payflow{
		config:  config,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		emitter: events.NoopEmitter{},
		clock:   orchestrator.NewRealClock(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// NewWithDefaults wires the production stack: zap logging at the configured
// level and, when a broker is configured, a Kafka lifecycle event emitter.
func NewWithDefaults(config *types.Config) (*Payflow, error) {
	opts := []Option{
		WithLogger(logger.NewZapLogger(config.LogLevel)),
	}
	if config.KafkaBroker != "" {
		opts = append(opts, WithEmitter(events.NewKafkaEmitter(config.KafkaBroker, config.KafkaTopic)))
	}

	return New(config, opts...)
}

// Connect dials the RPC provider, binds the signer and reads the token's
// decimal precision once for the session.
func (p *Payflow) Connect(ctx context.Context) error {
	ledger, err := clients.NewEVMLedger(
		p.config.RPCUrl,
		p.config.TokenAddress,
		p.config.PayerKey,
		p.config.ChainID,
	)
	if err != nil {
		return fmt.Errorf("failed to connect ledger: %w", err)
	}

	decimals, err := ledger.Decimals(ctx)
	if err != nil {
		ledger.Close()
		return clients.Classify(err)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(p.log),
		orchestrator.WithMetrics(p.metrics),
		orchestrator.WithEmitter(p.emitter),
		orchestrator.WithClock(p.clock),
	}
	if p.config.PollInterval > 0 && p.config.ApprovalTimeout > 0 {
		orchOpts = append(orchOpts, orchestrator.WithPolling(p.config.PollInterval, p.config.ApprovalTimeout))
	}

	orch, err := orchestrator.New(
		ledger,
		p.config.Distribution,
		p.config.SpenderAddress,
		decimals,
		orchOpts...,
	)
	if err != nil {
		ledger.Close()
		return err
	}

	p.ledger = ledger
	p.orch = orch
	p.decimals = decimals

	p.log.Info("ledger connected", map[string]any{
		"payer":    ledger.Payer(),
		"token":    p.config.TokenAddress,
		"decimals": decimals,
	})

	return nil
}

// CheckEligibility takes a fresh balance/allowance snapshot for the
// connected account.
func (p *Payflow) CheckEligibility(ctx context.Context) (types.EligibilityResult, error) {
	if p.orch == nil {
		return types.EligibilityResult{}, notConnected()
	}
	return p.orch.CheckEligibility(ctx)
}

// Pay runs the payment flow to completion and returns the PaymentRecord on
// full success. Failures come back classified; partial execution is always
// reported explicitly.
func (p *Payflow) Pay(ctx context.Context) (*types.PaymentRecord, error) {
	if p.orch == nil {
		return nil, notConnected()
	}
	return p.orch.Pay(ctx)
}

// State reports the orchestrator's current position in the flow.
func (p *Payflow) State() types.PaymentState {
	if p.orch == nil {
		return types.StateChecking
	}
	return p.orch.State()
}

// Payer returns the connected account's address, or empty before Connect.
func (p *Payflow) Payer() string {
	if p.ledger == nil {
		return ""
	}
	return p.ledger.Payer()
}

// Close tears down the ledger connection and the event sink.
func (p *Payflow) Close() {
	if p.ledger != nil {
		p.ledger.Close()
	}
	if err := p.emitter.Close(); err != nil {
		p.log.Warn("failed to close emitter", map[string]any{"error": err.Error()})
	}
}

func notConnected() *types.PayflowError {
	return &types.PayflowError{
		Code:    types.ErrNetworkUnavailable,
		Message: "ledger not connected; call Connect first",
	}
}

// Version information
const Version = "1.0.0"
