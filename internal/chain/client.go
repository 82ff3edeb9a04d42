// Package chain reads balances and submits transactions on one EVM chain.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/config"
)

// NativeTokenAddress is the well-known sentinel for the chain's native asset.
// A balance query against it returns the native balance instead of an ERC20
// balanceOf call.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// ErrChainRead marks RPC or contract read failures. Callers treat it as
// non-retryable within the same tick.
var ErrChainRead = errors.New("chain read failed")

var (
	balanceOfMethodID = common.Hex2Bytes("70a08231")
	allowanceMethodID = common.Hex2Bytes("dd62ed3e")
	approveMethodID   = common.Hex2Bytes("095ea7b3")
)

const abiPaddedWordLength = 32

// Service is the chain access contract consumed by the engine and the
// bridge orchestrator.
type Service interface {
	ChainID() int64
	WalletAddress() common.Address
	// TokenBalance returns the balance in the token's smallest unit. The
	// native sentinel address returns the native balance.
	TokenBalance(ctx context.Context, token common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	EstimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte) (uint64, error)
	SendTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) error
}

// RPCClient wraps go-ethereum clients for a single chain with multi-URL
// failover and holds the hot wallet key used for submissions.
type RPCClient struct {
	chainID         int64
	urls            []string
	clients         []*ethclient.Client
	mu              sync.RWMutex
	current         int
	wallet          common.Address
	key             *ecdsa.PrivateKey
	receiptTimeout  time.Duration
	receiptInterval time.Duration
}

// NewRPCClient dials the configured RPC URLs and derives the wallet address
// from the configured private key.
func NewRPCClient(cfg config.Chain, receiptTimeout, receiptInterval time.Duration) (*RPCClient, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletPrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse wallet private key")
	}

	wallet := crypto.PubkeyToAddress(key.PublicKey)
	if cfg.WalletAddress != "" && !strings.EqualFold(wallet.Hex(), cfg.WalletAddress) {
		return nil, errors.Errorf("configured wallet address %s does not match key %s", cfg.WalletAddress, wallet.Hex())
	}

	clients := make([]*ethclient.Client, 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		client, err := ethclient.Dial(url)
		if err != nil {
			log.Warn().
				Str("url", url).
				Str("chain", cfg.Name).
				Err(err).
				Msg("Failed to connect to RPC node, will retry on use")
			clients = append(clients, nil)
			continue
		}
		clients = append(clients, client)
	}

	if allClientsNil(clients) {
		return nil, errors.New("failed to connect to any RPC node")
	}

	return &RPCClient{
		chainID:         cfg.ChainID,
		urls:            cfg.RPCURLs,
		clients:         clients,
		wallet:          wallet,
		key:             key,
		receiptTimeout:  receiptTimeout,
		receiptInterval: receiptInterval,
	}, nil
}

func allClientsNil(clients []*ethclient.Client) bool {
	for _, client := range clients {
		if client != nil {
			return false
		}
	}
	return true
}

// Close closes all underlying connections.
func (c *RPCClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, client := range c.clients {
		if client != nil {
			client.Close()
		}
	}
}

// ChainID returns the configured chain id.
func (c *RPCClient) ChainID() int64 {
	return c.chainID
}

// WalletAddress returns the hot wallet address derived from the key.
func (c *RPCClient) WalletAddress() common.Address {
	return c.wallet
}

func (c *RPCClient) getClient() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(c.clients); i++ {
		idx := (c.current + i) % len(c.clients)
		if c.clients[idx] == nil {
			client, err := ethclient.Dial(c.urls[idx])
			if err != nil {
				continue
			}
			c.clients[idx] = client
		}
		c.current = idx

		return c.clients[idx], nil
	}

	return nil, errors.New("no usable RPC client")
}

// TokenBalance implements the balance read of the Service contract.
func (c *RPCClient) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, errors.Wrapf(ErrChainRead, "no RPC client: %v", err)
	}

	if strings.EqualFold(token.Hex(), NativeTokenAddress) {
		balance, err := client.BalanceAt(ctx, c.wallet, nil)
		if err != nil {
			return nil, errors.Wrapf(ErrChainRead, "native balance query: %v", err)
		}
		return balance, nil
	}

	data := make([]byte, 0, len(balanceOfMethodID)+abiPaddedWordLength)
	data = append(data, balanceOfMethodID...)
	data = append(data, common.LeftPadBytes(c.wallet.Bytes(), abiPaddedWordLength)...)

	resp, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrChainRead, "balanceOf call on %s: %v", token.Hex(), err)
	}
	if len(resp) != abiPaddedWordLength {
		return nil, errors.Wrapf(ErrChainRead, "malformed balanceOf response of %d bytes from %s", len(resp), token.Hex())
	}

	return new(big.Int).SetBytes(resp), nil
}

// Allowance returns the current ERC20 allowance for (wallet, spender).
func (c *RPCClient) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, errors.Wrapf(ErrChainRead, "no RPC client: %v", err)
	}

	data := make([]byte, 0, len(allowanceMethodID)+2*abiPaddedWordLength)
	data = append(data, allowanceMethodID...)
	data = append(data, common.LeftPadBytes(c.wallet.Bytes(), abiPaddedWordLength)...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), abiPaddedWordLength)...)

	resp, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrChainRead, "allowance call on %s: %v", token.Hex(), err)
	}
	if len(resp) != abiPaddedWordLength {
		return nil, errors.Wrapf(ErrChainRead, "malformed allowance response of %d bytes from %s", len(resp), token.Hex())
	}

	return new(big.Int).SetBytes(resp), nil
}

// Approve submits an ERC20 approve transaction for the spender.
func (c *RPCClient) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data := make([]byte, 0, len(approveMethodID)+2*abiPaddedWordLength)
	data = append(data, approveMethodID...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), abiPaddedWordLength)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), abiPaddedWordLength)...)

	gas, err := c.EstimateGas(ctx, token, big.NewInt(0), data)
	if err != nil {
		return common.Hash{}, err
	}

	return c.SendTransaction(ctx, token, big.NewInt(0), data, gas)
}

// EstimateGas estimates gas for a call from the hot wallet.
func (c *RPCClient) EstimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte) (uint64, error) {
	client, err := c.getClient()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get RPC client")
	}

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.wallet,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to estimate gas")
	}

	return gas, nil
}

// SendTransaction signs and broadcasts a transaction from the hot wallet and
// returns its hash without waiting for inclusion.
func (c *RPCClient) SendTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	client, err := c.getClient()
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to get RPC client")
	}

	nonce, err := client.PendingNonceAt(ctx, c.wallet)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to get pending nonce")
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to suggest gas price")
	}

	tx, err := types.SignNewTx(c.key, types.LatestSignerForChainID(big.NewInt(c.chainID)), &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to sign transaction")
	}

	if err := client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to send transaction")
	}

	log.Info().
		Int64("chain_id", c.chainID).
		Str("tx_hash", tx.Hash().Hex()).
		Str("to", to.Hex()).
		Msg("Transaction broadcasted")

	return tx.Hash(), nil
}

// WaitForReceipt blocks until the transaction is mined, then fails if the
// receipt reports a revert. Receipt lookups are idempotent reads, so polling
// is bounded only by the configured timeout.
func (c *RPCClient) WaitForReceipt(ctx context.Context, txHash common.Hash) error {
	client, err := c.getClient()
	if err != nil {
		return errors.Wrap(err, "failed to get RPC client")
	}

	localCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(localCtx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return errors.Errorf("transaction %s reverted", txHash.Hex())
			}
			return nil
		}

		if !errors.Is(err, ethereum.NotFound) {
			return errors.Wrap(err, "failed to get transaction receipt")
		}

		select {
		case <-localCtx.Done():
			return errors.Wrapf(localCtx.Err(), "timed out waiting for receipt of %s", txHash.Hex())
		case <-ticker.C:
			continue
		}
	}
}
