package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testPool = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"

type fakeChain struct {
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	out := make([]types.Log, 0)
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

func swapLog(t *testing.T, block uint64, a0in, a1in, a0out, a1out *big.Int) types.Log {
	t.Helper()
	data, err := pairABI.Events["Swap"].Inputs.NonIndexed().Pack(a0in, a1in, a0out, a1out)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	return types.Log{
		Address:     common.HexToAddress(testPool),
		Topics:      []common.Hash{SwapTopic, {}, {}},
		Data:        data,
		BlockNumber: block,
	}
}

func newTestSwap(chain *fakeChain, maxRange uint64) *Swap {
	return NewSwapWithClient(SwapOptions{
		Pool:          testPool,
		Scale:         Scale{PriceDecimals: 18, VolumeShift: 12},
		MaxBlockRange: maxRange,
		Confirmations: 2,
	}, chain, noopLogger())
}

func TestSwapDecodesToken1Base(t *testing.T) {
	zero := big.NewInt(0)
	chain := &fakeChain{head: 100, logs: []types.Log{
		// USDC in, WETH out.
		swapLog(t, 10, atoms("2000000000"), zero, zero, atoms("1000000000000000000")),
		// WETH in, USDC out.
		swapLog(t, 11, zero, atoms("500000000000000000"), atoms("1100000000"), zero),
	}}
	src := newTestSwap(chain, 50)

	samples, next, err := src.FetchSamples(context.Background(), 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if next != 50 {
		t.Fatalf("next cursor = %d, want 50", next)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Price.Uint64() != 2_000_000_000 || samples[0].Volume != 1_000_000 || samples[0].Tick != 10 {
		t.Fatalf("first sample = %s/%d/%d", samples[0].Price.Dec(), samples[0].Volume, samples[0].Tick)
	}
	if samples[1].Price.Uint64() != 2_200_000_000 || samples[1].Volume != 500_000 {
		t.Fatalf("second sample = %s/%d", samples[1].Price.Dec(), samples[1].Volume)
	}
}

func TestSwapSkipsUndecodableLogs(t *testing.T) {
	zero := big.NewInt(0)
	bad := swapLog(t, 5, zero, zero, zero, zero)
	truncated := swapLog(t, 6, big.NewInt(1), zero, zero, big.NewInt(1))
	truncated.Data = truncated.Data[:40]
	removed := swapLog(t, 7, atoms("2000000000"), zero, zero, atoms("1000000000000000000"))
	removed.Removed = true
	good := swapLog(t, 8, atoms("2000000000"), zero, zero, atoms("1000000000000000000"))

	chain := &fakeChain{head: 100, logs: []types.Log{bad, truncated, removed, good}}
	samples, err := newTestSwap(chain, 50).FetchRange(context.Background(), 0, 20)
	if err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	if len(samples) != 1 || samples[0].Tick != 8 {
		t.Fatalf("only the well formed log should survive: %+v", samples)
	}
}

func TestSwapPagesByBlockRange(t *testing.T) {
	chain := &fakeChain{head: 100}
	src := newTestSwap(chain, 10)

	if _, err := src.FetchRange(context.Background(), 0, 25); err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	if len(chain.queries) != 3 {
		t.Fatalf("expected 3 chunked queries, got %d", len(chain.queries))
	}
	last := chain.queries[2]
	if last.FromBlock.Uint64() != 20 || last.ToBlock.Uint64() != 25 {
		t.Fatalf("last chunk = %s..%s", last.FromBlock, last.ToBlock)
	}

	_, next, err := src.FetchSamples(context.Background(), 95)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if next != 99 {
		t.Fatalf("cursor should stop at confirmed head, got %d", next)
	}
	samples, next, err := src.FetchSamples(context.Background(), 99)
	if err != nil || len(samples) != 0 || next != 99 {
		t.Fatalf("nothing confirmed past head: %v %d %d", err, len(samples), next)
	}
}

func TestSwapMissingConfig(t *testing.T) {
	src := NewSwap(SwapOptions{}, noopLogger())
	if _, _, err := src.FetchSamples(context.Background(), 0); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	src = NewSwapWithClient(SwapOptions{Pool: "not-an-address"}, &fakeChain{head: 10}, noopLogger())
	if _, err := src.FetchRange(context.Background(), 0, 1); err == nil {
		t.Fatal("invalid pool address should fail")
	}
}
