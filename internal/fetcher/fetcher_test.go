package fetcher

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"twapguard/internal/twap"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func atoms(v string) *big.Int {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic("bad integer " + v)
	}
	return n
}

func TestScaleSample(t *testing.T) {
	scale := Scale{PriceDecimals: 18, VolumeShift: 12}
	// 1 WETH bought for 2000 USDC.
	s, err := scale.Sample(atoms("1000000000000000000"), atoms("2000000000"), 42)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if s.Price.Uint64() != 2_000_000_000 {
		t.Fatalf("price = %s", s.Price.Dec())
	}
	if s.Volume != 1_000_000 || s.Tick != 42 {
		t.Fatalf("volume/tick = %d/%d", s.Volume, s.Tick)
	}
}

func TestScaleSampleRejectsBadAmounts(t *testing.T) {
	scale := Scale{PriceDecimals: 0}
	cases := []struct {
		name        string
		base, quote *big.Int
	}{
		{"zero base", big.NewInt(0), big.NewInt(5)},
		{"zero quote", big.NewInt(5), big.NewInt(0)},
		{"volume beyond u64", atoms("18446744073709551616"), big.NewInt(1 << 62)},
		{"price beyond u128", big.NewInt(1), new(big.Int).Lsh(big.NewInt(1), 130)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := scale.Sample(tc.base, tc.quote, 1); !errors.Is(err, twap.ErrInvalidSample) {
				t.Fatalf("expected ErrInvalidSample, got %v", err)
			}
		})
	}
}

func TestPriceFromDecimal(t *testing.T) {
	p, err := PriceFromDecimal("1.2345678", 6)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Uint64() != 1_234_567 {
		t.Fatalf("price = %s, want truncation to 1234567", p.Dec())
	}
	for _, raw := range []string{"-1", "abc"} {
		if _, err := PriceFromDecimal(raw, 6); !errors.Is(err, twap.ErrInvalidSample) {
			t.Fatalf("PriceFromDecimal(%q) expected ErrInvalidSample, got %v", raw, err)
		}
	}
}
