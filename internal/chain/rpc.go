package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"CryptoPayRecon/internal/metrics"
	"CryptoPayRecon/internal/tracing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBlockNotFound   = errors.New("block not found")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrInvalidAddress  = errors.New("invalid address")
)

const (
	defaultBatchSize        = 20
	defaultBatchConcurrency = 2
)

type Options struct {
	BatchSize        int
	BatchConcurrency int
	Timeout          time.Duration
	Logger           *zap.Logger
}

type RPCClient struct {
	baseURL          string
	rpc              *rpc.Client
	eth              *ethclient.Client
	batchSize        int
	batchConcurrency int
	logger           *zap.Logger
}

func NewRPCClient(baseURL string, opts Options) (*RPCClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	rc, err := rpc.DialHTTPWithClient(baseURL, &http.Client{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", baseURL, err)
	}
	return &RPCClient{
		baseURL:          baseURL,
		rpc:              rc,
		eth:              ethclient.NewClient(rc),
		batchSize:        opts.BatchSize,
		batchConcurrency: opts.BatchConcurrency,
		logger:           opts.Logger.With(zap.String("rpc", baseURL)),
	}, nil
}

func (c *RPCClient) BaseURL() string {
	return c.baseURL
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := c.eth.BlockNumber(ctx)
	metrics.ObserveRPC("eth_blockNumber", start, err)
	return n, err
}

// BlocksByNumber returns blocks from..to (inclusive) with full transaction bodies,
// fetched in JSON-RPC batches.
func (c *RPCClient) BlocksByNumber(ctx context.Context, from, to uint64) ([]Block, error) {
	if to < from {
		return nil, nil
	}
	ctx, span := tracing.StartSpan(ctx, "chain.BlocksByNumber")
	defer span.End()
	span.SetAttributes(attribute.Int64("from", int64(from)), attribute.Int64("to", int64(to)))

	blocks := make([]Block, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchConcurrency)
	for start := from; start <= to; start += uint64(c.batchSize) {
		end := start + uint64(c.batchSize) - 1
		if end > to {
			end = to
		}
		out := blocks[start-from : end-from+1]
		first := start
		g.Go(func() error {
			return c.fetchBatch(gctx, first, out)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return blocks, nil
}

func (c *RPCClient) fetchBatch(ctx context.Context, first uint64, out []Block) error {
	raw := make([]*rpcBlock, len(out))
	elems := make([]rpc.BatchElem, len(out))
	for i := range out {
		elems[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []any{hexutil.EncodeUint64(first + uint64(i)), true},
			Result: &raw[i],
		}
	}

	start := time.Now()
	err := c.rpc.BatchCallContext(ctx, elems)
	metrics.ObserveRPC("eth_getBlockByNumber", start, err)
	if err != nil {
		return fmt.Errorf("batch get blocks %d..%d: %w", first, first+uint64(len(out))-1, err)
	}
	for i, el := range elems {
		number := first + uint64(i)
		if el.Error != nil {
			return fmt.Errorf("get block %d: %w", number, el.Error)
		}
		if raw[i] == nil {
			return fmt.Errorf("%w: %d", ErrBlockNotFound, number)
		}
		out[i] = raw[i].toBlock()
	}
	return nil
}

// TransferLogs returns ERC-20 Transfer logs emitted by token with the given recipient.
func (c *RPCClient) TransferLogs(ctx context.Context, token, recipient string, from, to uint64) ([]TransferLog, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("%w: token %q", ErrInvalidAddress, token)
	}
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, recipient)
	}
	ctx, span := tracing.StartSpan(ctx, "chain.TransferLogs")
	defer span.End()
	span.SetAttributes(attribute.String("token", token))

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(token)},
		Topics: [][]common.Hash{
			{TransferTopic},
			nil,
			{common.BytesToHash(common.HexToAddress(recipient).Bytes())},
		},
	}
	start := time.Now()
	logs, err := c.eth.FilterLogs(ctx, q)
	metrics.ObserveRPC("eth_getLogs", start, err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get transfer logs %s %d..%d: %w", token, from, to, err)
	}

	out := make([]TransferLog, 0, len(logs))
	for _, l := range logs {
		tl, err := DecodeTransferLog(l)
		if err != nil {
			c.logger.Warn("skipping malformed transfer log",
				zap.String("token", token),
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint("log_index", l.Index),
				zap.Uint64("block", l.BlockNumber),
				zap.Error(err),
			)
			metrics.MalformedLogs.Inc()
			continue
		}
		out = append(out, tl)
	}
	return out, nil
}

// ReceiptStatus returns the receipt status of a mined transaction (1 success, 0 reverted).
func (c *RPCClient) ReceiptStatus(ctx context.Context, txHash string) (uint64, error) {
	var receipt *struct {
		Status hexutil.Uint64 `json:"status"`
	}
	start := time.Now()
	err := c.rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", common.HexToHash(txHash))
	metrics.ObserveRPC("eth_getTransactionReceipt", start, err)
	if err != nil {
		return 0, err
	}
	if receipt == nil {
		return 0, fmt.Errorf("%w: %s", ErrReceiptNotFound, txHash)
	}
	return uint64(receipt.Status), nil
}

// DecodeTransferLog decodes Transfer(address indexed from, address indexed to, uint256 value).
func DecodeTransferLog(l types.Log) (TransferLog, error) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return TransferLog{}, fmt.Errorf("unexpected topics in log %s:%d", l.TxHash.Hex(), l.Index)
	}
	if len(l.Data) != 32 {
		return TransferLog{}, fmt.Errorf("unexpected data length %d in log %s:%d", len(l.Data), l.TxHash.Hex(), l.Index)
	}
	return TransferLog{
		TxHash:      strings.ToLower(l.TxHash.Hex()),
		LogIndex:    int64(l.Index),
		BlockNumber: l.BlockNumber,
		Token:       lowerHex(l.Address),
		From:        lowerHex(common.BytesToAddress(l.Topics[1].Bytes())),
		To:          lowerHex(common.BytesToAddress(l.Topics[2].Bytes())),
		Value:       new(big.Int).SetBytes(l.Data),
		Removed:     l.Removed,
	}, nil
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// RPC response types

type rpcBlock struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []rpcTx        `json:"transactions"`
}

type rpcTx struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
}

func (b *rpcBlock) toBlock() Block {
	out := Block{
		Number:       uint64(b.Number),
		Hash:         strings.ToLower(b.Hash.Hex()),
		Time:         time.Unix(int64(b.Timestamp), 0).UTC(),
		Transactions: make([]Transaction, 0, len(b.Transactions)),
	}
	for _, tx := range b.Transactions {
		t := Transaction{
			Hash:  strings.ToLower(tx.Hash.Hex()),
			From:  lowerHex(tx.From),
			Value: new(big.Int),
		}
		if tx.To != nil {
			t.To = lowerHex(*tx.To)
		}
		if tx.Value != nil {
			t.Value = tx.Value.ToInt()
		}
		out.Transactions = append(out.Transactions, t)
	}
	return out
}

// Parsed types

type Block struct {
	Number       uint64
	Hash         string
	Time         time.Time
	Transactions []Transaction
}

type Transaction struct {
	Hash  string
	From  string
	To    string // empty for contract creation
	Value *big.Int
}

type TransferLog struct {
	TxHash      string
	LogIndex    int64
	BlockNumber uint64
	Token       string
	From        string
	To          string
	Value       *big.Int
	Removed     bool
}
