// Package clients provides the ledger capability used by the payment
// orchestrator: token balance and allowance reads, and approval/transfer
// writes signed by the connected account.
package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/payflow/types"
)

// Ledger is the capability set the orchestrator needs from the remote
// ledger. Reads require no signer; writes are bound to the connected
// account. Every operation may suspend on the remote and honors ctx.
type Ledger interface {
	// Decimals reads the token's declared precision. Read once per session.
	Decimals(ctx context.Context) (uint8, error)

	// Balance returns the owner's token balance in base units.
	Balance(ctx context.Context, owner string) (*big.Int, error)

	// Allowance returns how much spender may move from owner, in base units.
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)

	// SubmitApproval submits an approve transaction and returns the pending
	// transaction hash as soon as the remote accepts it. Submission does not
	// imply confirmation.
	SubmitApproval(ctx context.Context, spender string, amt *big.Int) (string, error)

	// SubmitTransfer submits a token transfer and returns the pending hash.
	SubmitTransfer(ctx context.Context, to string, amt *big.Int) (string, error)

	// AwaitConfirmation blocks until the remote reports a receipt for the
	// given hash. A failure-status receipt yields a transaction_reverted
	// error alongside the outcome.
	AwaitConfirmation(ctx context.Context, txHash string) (*types.TransactionOutcome, error)

	// Payer is the connected account's address.
	Payer() string

	Close()
}

const (
	// Gas limit for ERC-20 approve/transfer calls.
	tokenTxGasLimit = 500000

	receiptPollInterval = time.Second
)

// EVMLedger implements Ledger against an ERC-20 contract over an RPC
// provider. Writes share one nonce sequence, so the ledger is exclusively
// owned by a single in-flight orchestration.
type EVMLedger struct {
	rpcURL  string
	client  *ethclient.Client
	token   common.Address
	chainID *big.Int

	key   *ecdsa.PrivateKey
	payer common.Address

	writeMu sync.Mutex
}

// NewEVMLedger dials the provider and binds the signer. The private key is
// handed over by the wallet collaborator; the ledger never derives keys.
func NewEVMLedger(rpcURL, tokenAddress, hexKey string, chainID int64) (*EVMLedger, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC provider: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid payer key: %w", err)
	}

	return &EVMLedger{
		rpcURL:  rpcURL,
		client:  client,
		token:   common.HexToAddress(tokenAddress),
		chainID: big.NewInt(chainID),
		key:     key,
		payer:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (l *EVMLedger) Payer() string {
	return l.payer.Hex()
}

func (l *EVMLedger) Close() {
	l.client.Close()
}

// Decimals implements Ledger.
func (l *EVMLedger) Decimals(ctx context.Context) (uint8, error) {
	out, err := l.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// Balance implements Ledger.
func (l *EVMLedger) Balance(ctx context.Context, owner string) (*big.Int, error) {
	out, err := l.call(ctx, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Allowance implements Ledger.
func (l *EVMLedger) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	out, err := l.call(ctx, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// SubmitApproval implements Ledger.
func (l *EVMLedger) SubmitApproval(ctx context.Context, spender string, amt *big.Int) (string, error) {
	return l.submit(ctx, "approve", common.HexToAddress(spender), amt)
}

// SubmitTransfer implements Ledger.
func (l *EVMLedger) SubmitTransfer(ctx context.Context, to string, amt *big.Int) (string, error) {
	return l.submit(ctx, "transfer", common.HexToAddress(to), amt)
}

// AwaitConfirmation implements Ledger. It polls for the receipt until the
// remote reports one or ctx is cancelled.
func (l *EVMLedger) AwaitConfirmation(ctx context.Context, txHash string) (*types.TransactionOutcome, error) {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			outcome := &types.TransactionOutcome{
				Hash:        txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     new(big.Int).SetUint64(receipt.GasUsed).String(),
				Confirmed:   receipt.Status == ethtypes.ReceiptStatusSuccessful,
			}
			if !outcome.Confirmed {
				return outcome, &types.PayflowError{
					Code:    types.ErrTransactionReverted,
					Message: fmt.Sprintf("transaction %s reverted in block %d", txHash, outcome.BlockNumber),
				}
			}
			return outcome, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// call performs a read-only contract call and unpacks the result.
func (l *EVMLedger) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	msg := ethereum.CallMsg{
		To:   &l.token,
		Data: data,
	}

	res, err := l.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	out, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}

// submit signs and broadcasts a state-changing token call, returning the
// pending hash. Writes are serialized so the nonce sequence stays ordered.
func (l *EVMLedger) submit(ctx context.Context, method string, to common.Address, amt *big.Int) (string, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	data, err := erc20ABI.Pack(method, to, amt)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.payer)
	if err != nil {
		return "", err
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	tx := ethtypes.NewTransaction(nonce, l.token, big.NewInt(0), tokenTxGasLimit, gasPrice, data)

	signer := ethtypes.LatestSignerForChainID(l.chainID)
	signedTx, err := ethtypes.SignTx(tx, signer, l.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s transaction: %w", method, err)
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return "", err
	}

	return signedTx.Hash().Hex(), nil
}
