package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultReceiptPoll    = 2 * time.Second
)

// Client talks to one chain. Reads go straight to the RPC; writes are
// signed by the admin account and serialized: a write holds the chain's
// write lock until its receipt lands, so no two admin transactions on the
// same chain are ever in flight together.
type Client struct {
	chainID        *big.Int
	eth            *ethclient.Client
	admin          *Admin
	log            *zap.Logger
	receiptTimeout time.Duration
	receiptPoll    time.Duration

	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithReceiptTimeout bounds how long a write waits for its receipt.
func WithReceiptTimeout(d time.Duration) Option {
	return func(c *Client) { c.receiptTimeout = d }
}

// WithReceiptPollInterval sets the receipt polling interval.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(c *Client) { c.receiptPoll = d }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Dial connects to a chain and verifies the endpoint serves the expected
// chain id.
func Dial(ctx context.Context, rpcURL string, chainID uint64, admin *Admin, opts ...Option) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	got, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain id of %s: %w", rpcURL, err)
	}
	want := new(big.Int).SetUint64(chainID)
	if got.Cmp(want) != 0 {
		eth.Close()
		return nil, meterpay.NewError(meterpay.KindConfiguration,
			"rpc %s serves chain %s, expected %d", rpcURL, got, chainID)
	}

	c := &Client{
		chainID:        want,
		eth:            eth,
		admin:          admin,
		log:            zap.NewNop(),
		receiptTimeout: defaultReceiptTimeout,
		receiptPoll:    defaultReceiptPoll,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

// ChainID returns the chain this client is connected to.
func (c *Client) ChainID() uint64 {
	return c.chainID.Uint64()
}

// AdminAddress returns the operator address writes are signed with.
func (c *Client) AdminAddress() common.Address {
	return c.admin.Address()
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ReadContract performs an eth_call and returns the unpacked outputs.
func (c *Client) ReadContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) ([]interface{}, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi for %s: %w", method, err)
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(contract)
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract, err)
	}
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

// WriteContract signs and submits an admin transaction, then waits for its
// receipt. The chain's write lock is held for the whole round trip.
func (c *Client) WriteContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (*types.Receipt, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi for %s: %w", method, err)
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(contract)

	nonce, err := c.eth.PendingNonceAt(ctx, c.admin.Address())
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.admin.Address(),
		To:   &to,
		Data: data,
	})
	if err != nil {
		// Let the chain decide: a revert will surface in the receipt.
		c.log.Warn("gas estimation failed, using default limit",
			zap.String("method", method), zap.Error(err))
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := c.admin.SignTx(tx, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", method, contract, err)
	}

	c.log.Info("transaction sent",
		zap.Uint64("chain_id", c.chainID.Uint64()),
		zap.String("method", method),
		zap.String("contract", contract),
		zap.String("tx", signed.Hash().Hex()))

	return c.waitMined(ctx, signed.Hash())
}

// WaitForReceipt polls for a transaction receipt until it lands or the
// receipt timeout elapses.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.waitMined(ctx, txHash)
}

// GetReceipt fetches a receipt once; meterpay.ErrNotFound if the
// transaction is not mined yet.
func (c *Client) GetReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	rcpt, err := c.eth.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), meterpay.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	return rcpt, nil
}

func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(c.receiptTimeout)
	for {
		rcpt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.log.Warn("receipt poll failed", zap.String("tx", txHash.Hex()), zap.Error(err))
		}
		if time.Now().After(deadline) {
			return nil, meterpay.NewError(meterpay.KindReceiptTimeout,
				"no receipt for %s on chain %d after %s", txHash.Hex(), c.chainID, c.receiptTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.receiptPoll):
		}
	}
}
