package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/eyepyon/airzone-sub000/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient submits transfers and reward mints to an EVM network.
type EthClient struct {
	client        *ethclient.Client
	reward        *bind.BoundContract
	abi           abi.ABI
	rewardAddress common.Address
	chainID       *big.Int
	key           *ecdsa.PrivateKey
	from          common.Address
	transacts     *bind.TransactOpts
	confirmations uint64

	// serialises nonce selection for plain transfers
	sendMu sync.Mutex
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	RewardContract string
	Confirmations  uint64
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.RewardContract == "" {
		return nil, fmt.Errorf("reward contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.RewardTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.RewardContract)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	return &EthClient{
		client:        cli,
		reward:        bound,
		abi:           parsedABI,
		rewardAddress: address,
		chainID:       chainID,
		key:           pk,
		from:          crypto.PubkeyToAddress(pk.PublicKey),
		transacts:     txOpts,
		confirmations: confirmations,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) SubmitTransfer(ctx context.Context, req TransferRequest) (Submission, error) {
	if err := ValidateAddress(req.To); err != nil {
		return Submission{}, errors.Join(ErrRejected, err)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Submission{}, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	to := common.HexToAddress(req.To)
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return Submission{}, classify(fmt.Errorf("pending nonce: %w", err))
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Submission{}, classify(fmt.Errorf("gas tip: %w", err))
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Submission{}, classify(fmt.Errorf("head: %w", err))
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: req.Amount})
	if err != nil {
		return Submission{}, classify(fmt.Errorf("estimate gas: %w", err))
	}

	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     req.Amount,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return Submission{}, fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return Submission{}, classify(fmt.Errorf("send transfer: %w", err))
	}
	return Submission{TxHash: signed.Hash().Hex()}, nil
}

// TxStatus reports confirmed once the receipt is buried under the configured
// number of blocks.
func (c *EthClient) TxStatus(ctx context.Context, txHash string) (TxStatus, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("receipt: %w", err))
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxFailed, nil
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return "", classify(fmt.Errorf("block number: %w", err))
	}
	mined := receipt.BlockNumber.Uint64()
	if head >= mined && head-mined+1 >= c.confirmations {
		return TxConfirmed, nil
	}
	return TxPending, nil
}

func (c *EthClient) SubmitMint(ctx context.Context, req MintRequest) (Submission, error) {
	if err := ValidateAddress(req.Recipient); err != nil {
		return Submission{}, errors.Join(ErrRejected, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return Submission{}, classify(fmt.Errorf("pending nonce: %w", err))
	}
	opts := *c.transacts
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)

	tx, err := c.reward.Transact(&opts, "mintTo", common.HexToAddress(req.Recipient), req.Reference, req.MetadataURI)
	if err != nil {
		return Submission{}, classify(fmt.Errorf("mint tx: %w", err))
	}
	return Submission{TxHash: tx.Hash().Hex()}, nil
}

func (c *EthClient) LookupMint(ctx context.Context, ref [32]byte) (MintRecord, bool, error) {
	var out []interface{}
	if err := c.reward.Call(&bind.CallOpts{Context: ctx}, &out, "tokenIdByRef", ref); err != nil {
		return MintRecord{}, false, classify(fmt.Errorf("lookup mint: %w", err))
	}
	if len(out) == 0 {
		return MintRecord{}, false, nil
	}
	tokenID, ok := out[0].(*big.Int)
	if !ok || tokenID.Sign() == 0 {
		return MintRecord{}, false, nil
	}
	return MintRecord{TokenID: tokenID.String()}, true, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
