// Package chain handles all blockchain interactions: scanning inbound
// transfers to the custody wallet and submitting outbound payouts.
//
// Transfers are native-coin value transfers; the settlement memo rides in
// the transaction calldata as plain UTF-8. Amounts cross this package
// boundary in ledger minor units (4 decimals) and are converted to and
// from wei internally.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
	ErrInsufficientBalance = errors.New("chain: insufficient wallet balance")
)

// TransferError wraps transfer failures with the failed step and the
// transaction hash when one exists.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// minorToWeiFactor converts 4-decimal minor units to 18-decimal wei.
var minorToWeiFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil)

// MinorToWei converts a ledger amount (4 decimals) to wei.
func MinorToWei(minor *big.Int) *big.Int {
	return new(big.Int).Mul(minor, minorToWeiFactor)
}

// WeiToMinor converts wei to a ledger amount, truncating sub-minor dust.
func WeiToMinor(wei *big.Int) *big.Int {
	return new(big.Int).Div(wei, minorToWeiFactor)
}

// Transfer is an observed inbound payment.
type Transfer struct {
	Hash   string
	From   common.Address
	To     common.Address
	Amount *big.Int // minor units
	Memo   string
	Block  uint64
}

// Outbound is a submitted payout.
type Outbound struct {
	Hash  string
	Nonce uint64
	Fee   *big.Int // minor units, gas limit * gas price rounded up
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Config for connecting to the chain.
type Config struct {
	RPCURL  string
	ChainID int64
}

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom client (useful for testing).
func WithEthClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// Client talks to the chain.
type Client struct {
	client  EthClient
	chainID *big.Int
	signer  types.Signer
}

// New creates a chain client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain ID required")
	}
	c := &Client{
		chainID: big.NewInt(cfg.ChainID),
	}
	c.signer = types.LatestSignerForChainID(c.chainID)

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = ec
	}
	return c, nil
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// Balance returns an address's balance in minor units.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	wei, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return WeiToMinor(wei), nil
}

// ScanBlocks returns transfers to the watch address in blocks [from, to].
func (c *Client) ScanBlocks(ctx context.Context, from, to uint64, watch common.Address) ([]*Transfer, error) {
	var result []*Transfer
	for n := from; n <= to; n++ {
		block, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch block %d: %w", n, err)
		}
		for _, tx := range block.Transactions() {
			t, ok := c.decodeTransfer(tx, watch, n)
			if ok {
				result = append(result, t)
			}
		}
	}
	return result, nil
}

// decodeTransfer extracts an inbound transfer if tx pays the watch
// address. The memo is the calldata when it is printable UTF-8.
func (c *Client) decodeTransfer(tx *types.Transaction, watch common.Address, block uint64) (*Transfer, bool) {
	if tx.To() == nil || *tx.To() != watch {
		return nil, false
	}
	if tx.Value().Sign() <= 0 {
		return nil, false
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, false
	}
	return &Transfer{
		Hash:   tx.Hash().Hex(),
		From:   from,
		To:     watch,
		Amount: WeiToMinor(tx.Value()),
		Memo:   DecodeMemo(tx.Data()),
		Block:  block,
	}, true
}

// DecodeMemo interprets calldata as a memo. Non-UTF-8 payloads (contract
// calls and the like) yield an empty memo.
func DecodeMemo(data []byte) string {
	if len(data) == 0 || len(data) > 256 {
		return ""
	}
	if !utf8.Valid(data) {
		return ""
	}
	for _, b := range data {
		if b < 0x20 || b == 0x7f {
			return ""
		}
	}
	return string(data)
}

// gasPerMemoByte is the calldata gas cost per nonzero byte.
const (
	baseTransferGas = uint64(21_000)
	gasPerMemoByte  = uint64(68)
)

// SendTransfer submits a payout of amount (minor units) with the given
// memo in the calldata. The caller provides the signing key; this package
// never stores it.
func (c *Client) SendTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int, memo string) (*Outbound, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	wei := MinorToWei(amount)

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit := baseTransferGas + gasPerMemoByte*uint64(len(memo))

	balance, err := c.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, &TransferError{Op: "balance", Err: err}
	}
	maxFee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	need := new(big.Int).Add(wei, maxFee)
	if balance.Cmp(need) < 0 {
		return nil, &TransferError{Op: "funding", Err: ErrInsufficientBalance}
	}

	tx := types.NewTransaction(nonce, to, wei, gasLimit, gasPrice, []byte(memo))
	signedTx, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	// Round the fee up to whole minor units so liquidity math never
	// undercounts.
	feeMinor := new(big.Int).Add(maxFee, new(big.Int).Sub(minorToWeiFactor, big.NewInt(1)))
	feeMinor.Div(feeMinor, minorToWeiFactor)

	return &Outbound{
		Hash:  signedTx.Hash().Hex(),
		Nonce: nonce,
		Fee:   feeMinor,
	}, nil
}

// Close closes the underlying client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
