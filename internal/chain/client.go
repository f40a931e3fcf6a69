// Package chain builds, signs and submits custody-contract transactions and
// polls for confirmation and DEX order fills.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/config"
)

type OnChainStatus string

const (
	StatusPending OnChainStatus = "pending"
	StatusSuccess OnChainStatus = "success"
	StatusFailed  OnChainStatus = "failed"
)

// ErrConfirmTimeout means the node never reported a receipt within the
// confirmation window. The transaction may still land; callers must reconcile
// by hash instead of treating this as a rejection.
var ErrConfirmTimeout = errors.New("confirmation wait timed out")

// ErrFillTimeout means the order was accepted on-chain but no fill was
// observed within the polling window (degraded success, not a failure).
var ErrFillTimeout = errors.New("fill wait timed out")

type Submitted struct {
	Hash    string
	OrderID [32]byte
}

type Outcome struct {
	Status      OnChainStatus
	BlockNumber int64
	Reason      string
}

type Fill struct {
	Amount *big.Int
}

type Chain interface {
	SubmitExecution(ctx context.Context, vault string, planIndex int64, stableAmount, minOut *big.Int) (Submitted, error)
	SubmitDeposit(ctx context.Context, vault string, stableAmount *big.Int) (Submitted, error)
	WaitForConfirmation(ctx context.Context, hash string) (Outcome, error)
	GetTxStatus(ctx context.Context, hash string) (OnChainStatus, error)
	WaitForFill(ctx context.Context, orderID [32]byte, timeout, poll time.Duration) (*Fill, error)
	CreateVault(ctx context.Context, owner string) (string, error)
}

const custodyABI = `[
	{"type":"function","name":"executeSwap","inputs":[{"name":"vault","type":"address"},{"name":"planIndex","type":"uint256"},{"name":"stableAmount","type":"uint256"},{"name":"minOut","type":"uint256"}],"outputs":[{"name":"orderId","type":"bytes32"}]},
	{"type":"function","name":"deposit","inputs":[{"name":"vault","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"createVault","inputs":[{"name":"owner","type":"address"}],"outputs":[]},
	{"type":"function","name":"vaultOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"vault","type":"address"}],"stateMutability":"view"},
	{"type":"function","name":"getFill","inputs":[{"name":"orderId","type":"bytes32"}],"outputs":[{"name":"filled","type":"bool"},{"name":"amountOut","type":"uint256"}],"stateMutability":"view"}
]`

type Client struct {
	rpc      *ethclient.Client
	contract common.Address
	abi      abi.ABI
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	cfg      config.Chain
	logger   *logrus.Logger
}

var _ Chain = (*Client)(nil)

const rpcTimeout = 30 * time.Second

// NewClient dials the node and binds a signing key. The executor and treasury
// run separate clients with separate keys (separation of duties).
func NewClient(c context.Context, cfg config.Chain, signingKeyHex string, logger *logrus.Logger) (*Client, error) {
	ctx, cancel := context.WithTimeout(c, rpcTimeout)
	defer cancel()

	cl, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethclient.DialContext: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("abi.JSON: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(signingKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto.HexToECDSA: %w", err)
	}

	return &Client{
		rpc:      cl,
		contract: common.HexToAddress(cfg.CustodyContract),
		abi:      parsed,
		chainID:  big.NewInt(cfg.ChainID),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		cfg:      cfg,
		logger:   logger.WithField("pkg", "chain.Client").Logger,
	}, nil
}

func (c *Client) SubmitExecution(ctx context.Context, vault string, planIndex int64, stableAmount, minOut *big.Int) (Submitted, error) {
	data, err := c.abi.Pack("executeSwap",
		common.HexToAddress(vault), big.NewInt(planIndex), stableAmount, minOut)
	if err != nil {
		return Submitted{}, fmt.Errorf("abi.Pack executeSwap: %w", err)
	}

	hash, nonce, err := c.submit(ctx, data)
	if err != nil {
		return Submitted{}, err
	}

	return Submitted{
		Hash:    hash,
		OrderID: orderID(common.HexToAddress(vault), planIndex, nonce),
	}, nil
}

func (c *Client) SubmitDeposit(ctx context.Context, vault string, stableAmount *big.Int) (Submitted, error) {
	data, err := c.abi.Pack("deposit", common.HexToAddress(vault), stableAmount)
	if err != nil {
		return Submitted{}, fmt.Errorf("abi.Pack deposit: %w", err)
	}

	hash, _, err := c.submit(ctx, data)
	if err != nil {
		return Submitted{}, err
	}
	return Submitted{Hash: hash}, nil
}

// CreateVault provisions a custodial vault for an owner wallet and returns its
// address once the creation transaction confirmed.
func (c *Client) CreateVault(ctx context.Context, owner string) (string, error) {
	data, err := c.abi.Pack("createVault", common.HexToAddress(owner))
	if err != nil {
		return "", fmt.Errorf("abi.Pack createVault: %w", err)
	}

	hash, _, err := c.submit(ctx, data)
	if err != nil {
		return "", err
	}

	outcome, err := c.WaitForConfirmation(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("c.WaitForConfirmation: %w", err)
	}
	if outcome.Status != StatusSuccess {
		return "", fmt.Errorf("vault creation reverted: %s", outcome.Reason)
	}

	return c.vaultOf(ctx, owner)
}

func (c *Client) vaultOf(ct context.Context, owner string) (string, error) {
	ctx, cancel := context.WithTimeout(ct, rpcTimeout)
	defer cancel()

	data, err := c.abi.Pack("vaultOf", common.HexToAddress(owner))
	if err != nil {
		return "", fmt.Errorf("abi.Pack vaultOf: %w", err)
	}
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("c.rpc.CallContract: %w", err)
	}
	out, err := c.abi.Unpack("vaultOf", raw)
	if err != nil {
		return "", fmt.Errorf("abi.Unpack vaultOf: %w", err)
	}
	vault, ok := out[0].(common.Address)
	if !ok || vault == (common.Address{}) {
		return "", errors.New("vaultOf returned empty address")
	}
	return vault.Hex(), nil
}

func (c *Client) submit(ct context.Context, data []byte) (string, uint64, error) {
	ctx, cancel := context.WithTimeout(ct, rpcTimeout)
	defer cancel()

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", 0, fmt.Errorf("c.rpc.PendingNonceAt: %w", err)
	}

	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("c.rpc.SuggestGasPrice: %w", err)
	}

	gasLimit, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		return "", 0, fmt.Errorf("c.rpc.EstimateGas: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", 0, fmt.Errorf("ethtypes.SignTx: %w", err)
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", 0, fmt.Errorf("c.rpc.SendTransaction: %w", err)
	}

	return signed.Hash().Hex(), nonce, nil
}

// WaitForConfirmation blocks until the node reports a receipt or the
// confirmation window elapses. A timeout is ambiguous, not a rejection.
func (c *Client) WaitForConfirmation(ctx context.Context, hash string) (Outcome, error) {
	deadline := time.After(c.cfg.ConfirmTimeout)
	for {
		status, block, reason, err := c.receiptStatus(ctx, hash)
		if err != nil {
			return Outcome{}, err
		}
		if status != StatusPending {
			return Outcome{Status: status, BlockNumber: block, Reason: reason}, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline:
			return Outcome{}, ErrConfirmTimeout
		case <-time.After(c.cfg.ConfirmPoll):
		}
	}
}

// GetTxStatus is the one-shot variant used to reconcile a previously
// submitted hash on a later pass.
func (c *Client) GetTxStatus(ctx context.Context, hash string) (OnChainStatus, error) {
	status, _, _, err := c.receiptStatus(ctx, hash)
	return status, err
}

func (c *Client) receiptStatus(ct context.Context, hash string) (OnChainStatus, int64, string, error) {
	ctx, cancel := context.WithTimeout(ct, rpcTimeout)
	defer cancel()

	rec, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, 0, "", nil
		}
		return "", 0, "", fmt.Errorf("c.rpc.TransactionReceipt: %w", err)
	}
	switch rec.Status {
	case ethtypes.ReceiptStatusFailed:
		return StatusFailed, rec.BlockNumber.Int64(), "transaction reverted", nil
	case ethtypes.ReceiptStatusSuccessful:
		return StatusSuccess, rec.BlockNumber.Int64(), "", nil
	default:
		return "", 0, "", errors.New("unknown tx receipt status by hash=" + hash)
	}
}

// WaitForFill polls the order book view for a bounded duration at a fixed
// interval. Timing out returns ErrFillTimeout with no fill.
func (c *Client) WaitForFill(ctx context.Context, order [32]byte, timeout, poll time.Duration) (*Fill, error) {
	deadline := time.After(timeout)
	for {
		fill, err := c.getFill(ctx, order)
		if err != nil {
			return nil, err
		}
		if fill != nil {
			return fill, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrFillTimeout
		case <-time.After(poll):
		}
	}
}

func (c *Client) getFill(ct context.Context, order [32]byte) (*Fill, error) {
	ctx, cancel := context.WithTimeout(ct, rpcTimeout)
	defer cancel()

	data, err := c.abi.Pack("getFill", order)
	if err != nil {
		return nil, fmt.Errorf("abi.Pack getFill: %w", err)
	}
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("c.rpc.CallContract: %w", err)
	}
	out, err := c.abi.Unpack("getFill", raw)
	if err != nil {
		return nil, fmt.Errorf("abi.Unpack getFill: %w", err)
	}

	filled, _ := out[0].(bool)
	if !filled {
		return nil, nil
	}
	amount, ok := out[1].(*big.Int)
	if !ok {
		return nil, errors.New("getFill returned unexpected amount type")
	}
	return &Fill{Amount: amount}, nil
}

// orderID mirrors the contract's deterministic order key:
// keccak256(vault ++ planIndex ++ nonce).
func orderID(vault common.Address, planIndex int64, nonce uint64) [32]byte {
	buf := make([]byte, 0, 20+32+32)
	buf = append(buf, vault.Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(planIndex).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32)...)

	var id [32]byte
	copy(id[:], crypto.Keccak256(buf))
	return id
}
