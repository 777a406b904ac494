package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"twapguard/internal/twap"
)

const (
	swapEventABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"sender","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount0In","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"amount1In","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"amount0Out","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"amount1Out","type":"uint256"},{"indexed":true,"internalType":"address","name":"to","type":"address"}],"name":"Swap","type":"event"}]`

	defaultMaxBlockRange = 2000
)

var (
	pairABI abi.ABI
	// SwapTopic is the topic0 of the Uniswap V2 pair Swap event.
	SwapTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(swapEventABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
	pairABI = parsed
	SwapTopic = parsed.Events["Swap"].ID
}

// ChainReader is the slice of an Ethereum client the swap source needs.
type ChainReader interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
}

// SwapOptions parameterise the on-chain swap source.
type SwapOptions struct {
	RPCURL        string
	Pool          string
	BaseIsToken0  bool
	Scale         Scale
	Timeout       time.Duration
	MaxBlockRange uint64
	Confirmations uint64
}

// Swap turns pool Swap logs into samples, one per log, ticked by block number.
type Swap struct {
	opts      SwapOptions
	logger    zerolog.Logger
	client    ChainReader
	clientMux sync.Mutex
}

// NewSwap builds a swap source that dials RPCURL lazily.
func NewSwap(opts SwapOptions, logger zerolog.Logger) *Swap {
	return NewSwapWithClient(opts, nil, logger)
}

// NewSwapWithClient builds a swap source over an existing client.
func NewSwapWithClient(opts SwapOptions, client ChainReader, logger zerolog.Logger) *Swap {
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = defaultMaxBlockRange
	}
	return &Swap{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "swap_source").Str("pool", opts.Pool).Logger(),
	}
}

// FetchSamples reads at most MaxBlockRange confirmed blocks starting at cursor.
func (s *Swap) FetchSamples(ctx context.Context, cursor Cursor) ([]twap.Sample, Cursor, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return nil, cursor, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("block number: %w", err)
	}
	if head < s.opts.Confirmations {
		return nil, cursor, nil
	}
	head -= s.opts.Confirmations

	from := uint64(cursor)
	if from > head {
		return nil, cursor, nil
	}
	to := from + s.opts.MaxBlockRange - 1
	if to > head || to < from {
		to = head
	}

	samples, err := s.FetchRange(ctx, from, to)
	if err != nil {
		return nil, cursor, err
	}
	return samples, Cursor(to + 1), nil
}

// FetchRange returns samples for every decodable Swap log in [from, to].
func (s *Swap) FetchRange(ctx context.Context, from, to uint64) ([]twap.Sample, error) {
	if s.opts.Pool == "" {
		return nil, errors.New("pool address not configured")
	}
	if !common.IsHexAddress(s.opts.Pool) {
		return nil, fmt.Errorf("invalid pool address %q", s.opts.Pool)
	}
	if from > to {
		return nil, fmt.Errorf("invalid block range %d..%d", from, to)
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	samples := make([]twap.Sample, 0)
	for start := from; start <= to; {
		end := start + s.opts.MaxBlockRange - 1
		if end > to || end < start {
			end = to
		}
		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{common.HexToAddress(s.opts.Pool)},
			Topics:    [][]common.Hash{{SwapTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d..%d: %w", start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			sample, err := s.decode(lg)
			if err != nil {
				s.logger.Warn().Err(err).Uint64("block", lg.BlockNumber).Str("tx", lg.TxHash.Hex()).Msg("skipping swap log")
				continue
			}
			samples = append(samples, sample)
		}
		s.logger.Debug().Uint64("from", start).Uint64("to", end).Int("logs", len(logs)).Msg("scanned swap logs")
		if end == to {
			break
		}
		start = end + 1
	}
	return samples, nil
}

func (s *Swap) decode(lg types.Log) (twap.Sample, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != SwapTopic {
		return twap.Sample{}, fmt.Errorf("%w: not a swap log", twap.ErrInvalidSample)
	}
	values, err := pairABI.Unpack("Swap", lg.Data)
	if err != nil {
		return twap.Sample{}, fmt.Errorf("%w: unpack swap: %v", twap.ErrInvalidSample, err)
	}
	if len(values) != 4 {
		return twap.Sample{}, fmt.Errorf("%w: unexpected swap payload", twap.ErrInvalidSample)
	}
	amounts := make([]*big.Int, 4)
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return twap.Sample{}, fmt.Errorf("%w: swap amount %d is %T", twap.ErrInvalidSample, i, v)
		}
		amounts[i] = n
	}
	amount0 := new(big.Int).Add(amounts[0], amounts[2])
	amount1 := new(big.Int).Add(amounts[1], amounts[3])

	base, quote := amount1, amount0
	if s.opts.BaseIsToken0 {
		base, quote = amount0, amount1
	}
	return s.opts.Scale.Sample(base, quote, lg.BlockNumber)
}

func (s *Swap) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Swap) getClient(ctx context.Context) (ChainReader, error) {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	if s.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

var _ SampleSource = (*Swap)(nil)
