/**
 * @description
 * This package provides the public-ledger client used by the chain verifier
 * and the anchor batcher. It talks to an Ethereum-compatible endpoint: the
 * verifier reads a transaction's input data by hash, and the batcher submits
 * a data-carrying transaction whose payload commits to an aggregate digest.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: RPC client, transaction types, signing.
 */
package ledgerclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTxNotFound is returned when the ledger has no transaction for a hash.
var ErrTxNotFound = errors.New("ledger transaction not found")

// Client wraps an Ethereum RPC connection. The signing key is optional; a
// read-only client (verification deployments) can omit it, in which case
// SubmitAnchor fails with ErrSignerNotConfigured.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
}

// ErrSignerNotConfigured is returned by SubmitAnchor when no signing key was
// provided at construction.
var ErrSignerNotConfigured = errors.New("ledger signing key not configured")

// New dials the node and, when privateKeyHex is non-empty, prepares the
// anchor signing identity.
func New(nodeURL, privateKeyHex string) (*Client, error) {
	eth, err := ethclient.Dial(nodeURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node: %w", err)
	}
	chainID, err := eth.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	c := &Client{eth: eth, chainID: chainID}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parse ledger signing key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// TransactionDataByHash returns the input data of the ledger transaction
// identified by hash, or ErrTxNotFound.
func (c *Client) TransactionDataByHash(ctx context.Context, hash string) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}
	return tx.Data(), nil
}

// SubmitAnchor broadcasts a zero-value self-transaction carrying the anchor
// payload and returns the resulting transaction hash.
func (c *Client) SubmitAnchor(ctx context.Context, payload []byte) (string, error) {
	if c.key == nil {
		return "", ErrSignerNotConfigured
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasTipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch gas tip: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fetch header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	// MaxFeePerGas = 2*BaseFee + Tip keeps the tx valid if the base fee
	// rises in the next block.
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.from,
		Data: payload,
	})
	if err != nil {
		// A plain data-carrying transfer costs 21000 plus calldata; this
		// bound covers the anchor payload sizes we produce.
		gasLimit = 60000
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &c.from,
		Value:     big.NewInt(0),
		Data:      payload,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign anchor tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("broadcast anchor tx: %w", err)
	}

	log.Printf("level=info component=ledger_client msg=\"anchor transaction broadcast\" nonce=%d hash=%s", nonce, signedTx.Hash().Hex())
	return signedTx.Hash().Hex(), nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
