package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState represents the orchestrator's position in the payment flow.
type PaymentState string

const (
	StateChecking         PaymentState = "checking"
	StateAwaitingApproval PaymentState = "awaiting_approval"
	StateExecuting        PaymentState = "executing"
	StateComplete         PaymentState = "complete"
	StateFailed           PaymentState = "failed"
)

func (s PaymentState) String() string {
	return string(s)
}

// IsTerminal reports whether the state machine can make further progress.
func (s PaymentState) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

// Recipient is a fixed payout destination.
type Recipient struct {
	// Ledger address receiving the transfer.
	Address string `json:"address" validate:"required"`

	// Human-readable decimal token amount (e.g. "0.02").
	Amount string `json:"amount" validate:"required"`

	// Display label, passed through untouched.
	Label string `json:"label"`
}

// DistributionConfig is the ordered recipient list a payment fans out to.
// The order is configuration, never runtime-derived.
type DistributionConfig struct {
	Recipients  []Recipient `json:"recipients" validate:"required,min=1,dive"`
	TotalAmount string      `json:"totalAmount" validate:"required"`
}

// Validate checks that recipient amounts sum exactly to the configured total.
// A mismatch is fatal at load time, before any remote call is made.
func (d *DistributionConfig) Validate() error {
	if len(d.Recipients) == 0 {
		return &PayflowError{
			Code:    ErrConfigurationInvalid,
			Message: "distribution requires at least one recipient",
		}
	}

	total, err := decimal.NewFromString(d.TotalAmount)
	if err != nil {
		return &PayflowError{
			Code:    ErrConfigurationInvalid,
			Message: fmt.Sprintf("invalid total amount %q: %v", d.TotalAmount, err),
		}
	}

	sum := decimal.Zero
	for _, r := range d.Recipients {
		amt, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return &PayflowError{
				Code:    ErrConfigurationInvalid,
				Message: fmt.Sprintf("invalid amount %q for recipient %s: %v", r.Amount, r.Label, err),
			}
		}
		if amt.IsNegative() || amt.IsZero() {
			return &PayflowError{
				Code:    ErrConfigurationInvalid,
				Message: fmt.Sprintf("recipient %s amount must be positive", r.Label),
			}
		}
		sum = sum.Add(amt)
	}

	if !sum.Equal(total) {
		return &PayflowError{
			Code:    ErrConfigurationInvalid,
			Message: fmt.Sprintf("recipient amounts sum to %s, expected %s", sum.String(), total.String()),
		}
	}

	return nil
}

// EligibilityResult is a point-in-time snapshot of whether a payment can
// proceed. It is recomputed from fresh ledger reads on every check and never
// cached across evaluations.
type EligibilityResult struct {
	HasBalance       bool   `json:"hasBalance"`
	HasAllowance     bool   `json:"hasAllowance"`
	CurrentBalance   string `json:"currentBalance"`
	CurrentAllowance string `json:"currentAllowance"`
	RequiredAmount   string `json:"requiredAmount"`
}

// NextState maps an eligibility snapshot to the step the orchestrator
// should take next.
func (e *EligibilityResult) NextState() PaymentState {
	switch {
	case !e.HasBalance:
		return StateChecking
	case !e.HasAllowance:
		return StateAwaitingApproval
	default:
		return StateExecuting
	}
}

// TransactionOutcome is the observed result of one submitted transaction.
// Confirmed=false means the receipt carried a failure status; that is a
// terminal result for the operation, not a transient condition.
type TransactionOutcome struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     string `json:"gasUsed"`
	Confirmed   bool   `json:"confirmed"`
}

// PaymentRecord is the final aggregate of a fully confirmed payment. It is
// only ever constructed after every recipient transfer confirmed; a partial
// run never produces one.
type PaymentRecord struct {
	ID          string               `json:"id"`
	Payer       string               `json:"payer"`
	Recipients  []Recipient          `json:"recipients"`
	Outcomes    []TransactionOutcome `json:"outcomes"`
	TotalAmount string               `json:"totalAmount"`
	Timestamp   time.Time            `json:"timestamp"`
}

// Config contains everything needed to run one payment flow against a token
// contract: the provider endpoint, the contract addresses, the signing key
// and the distribution plan.
type Config struct {
	// RPCUrl is the provider endpoint for all ledger reads and writes.
	RPCUrl string `json:"rpcUrl" validate:"required"`

	// ChainID of the target network, used by the EIP-155 signer.
	ChainID int64 `json:"chainId" validate:"required,gt=0"`

	// TokenAddress is the ERC-20 contract the payment moves.
	TokenAddress string `json:"tokenAddress" validate:"required"`

	// SpenderAddress is approved to move exactly the payment total.
	SpenderAddress string `json:"spenderAddress" validate:"required"`

	// PayerKey is the hex private key of the connected account. Supplied by
	// the wallet collaborator; this library never discovers or derives keys.
	PayerKey string `json:"-" validate:"required"`

	Distribution DistributionConfig `json:"distribution"`

	// PollInterval between eligibility re-checks while an approval is
	// pending. Defaults to 2s.
	PollInterval time.Duration `json:"pollInterval,omitempty"`

	// ApprovalTimeout bounds the approval polling window. Defaults to 30s.
	ApprovalTimeout time.Duration `json:"approvalTimeout,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	// Optional Kafka sink for payment lifecycle events.
	KafkaBroker string `json:"kafkaBroker,omitempty"`
	KafkaTopic  string `json:"kafkaTopic,omitempty"`
}

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultApprovalTimeout = 30 * time.Second
)

// Validate checks the config fields and the distribution sum.
func (c *Config) Validate() error {
	if c.RPCUrl == "" {
		return &PayflowError{Code: ErrConfigurationInvalid, Message: "rpcUrl is required"}
	}
	if c.TokenAddress == "" {
		return &PayflowError{Code: ErrConfigurationInvalid, Message: "tokenAddress is required"}
	}
	if c.SpenderAddress == "" {
		return &PayflowError{Code: ErrConfigurationInvalid, Message: "spenderAddress is required"}
	}
	if c.ChainID <= 0 {
		return &PayflowError{Code: ErrConfigurationInvalid, Message: "chainId must be greater than 0"}
	}

	return c.Distribution.Validate()
}

// PayflowError is the classified error surfaced to callers. Raw provider
// failures never cross the library boundary unclassified.
type PayflowError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *PayflowError) Error() string {
	return e.Message
}

// Closed error taxonomy.
const (
	ErrMalformedAmount      = "malformed_amount"
	ErrInsufficientBalance  = "insufficient_balance"
	ErrApprovalTimeout      = "approval_timeout"
	ErrUserRejected         = "user_rejected"
	ErrInsufficientGas      = "insufficient_gas"
	ErrTransactionReverted  = "transaction_reverted"
	ErrPartialExecution     = "partial_execution"
	ErrConcurrentOperation  = "concurrent_operation"
	ErrConfigurationInvalid = "configuration_invalid"
	ErrNetworkUnavailable   = "network_unavailable"
)

// ApprovalStatus reports progress of a pending approval during polling.
// "pending" is a status, not an error.
type ApprovalStatus struct {
	TxHash  string `json:"txHash"`
	Pending bool   `json:"pending"`
	Polls   int    `json:"polls"`
}

// PartialExecutionData rides on a partial_execution error so the caller can
// surface exactly which transfers went through before the failure. Confirmed
// transfers are irreversible and must never be hidden or retried blindly.
type PartialExecutionData struct {
	Confirmed       []TransactionOutcome `json:"confirmed"`
	ConfirmedLabels []string             `json:"confirmedLabels"`
	FailedRecipient Recipient            `json:"failedRecipient"`
	FailedIndex     int                  `json:"failedIndex"`
}
