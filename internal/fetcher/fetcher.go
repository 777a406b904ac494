package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"twapguard/internal/twap"
)

// Cursor is the position a source resumes from. Swap sources use the next
// block to read; quote sources ignore it.
type Cursor uint64

// SampleSource produces engine samples for one pair.
type SampleSource interface {
	FetchSamples(ctx context.Context, cursor Cursor) ([]twap.Sample, Cursor, error)
}

// Scale converts raw token amounts into engine units.
type Scale struct {
	// PriceDecimals is the fixed-point precision of a price.
	PriceDecimals int32
	// VolumeShift drops that many decimal digits from base amounts.
	VolumeShift int32
}

// Sample builds a sample from a (base, quote) amount pair. Price is
// quote·10^PriceDecimals/base, volume is base scaled down by VolumeShift.
func (s Scale) Sample(base, quote *big.Int, tick uint64) (twap.Sample, error) {
	if base == nil || quote == nil || base.Sign() <= 0 || quote.Sign() <= 0 {
		return twap.Sample{}, fmt.Errorf("%w: non-positive amounts", twap.ErrInvalidSample)
	}
	num := new(big.Int).Mul(quote, pow10(s.PriceDecimals))
	price, err := twap.PriceFromBig(num.Quo(num, base))
	if err != nil {
		return twap.Sample{}, err
	}
	vol := new(big.Int).Quo(base, pow10(s.VolumeShift))
	if !vol.IsUint64() {
		return twap.Sample{}, fmt.Errorf("%w: volume %s exceeds u64", twap.ErrInvalidSample, vol.String())
	}
	return twap.Sample{Price: price, Volume: vol.Uint64(), Tick: tick}, nil
}

func pow10(n int32) *big.Int {
	if n <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// PriceFromDecimal parses a decimal string and scales it to priceDecimals,
// truncating extra precision.
func PriceFromDecimal(raw string, priceDecimals int32) (uint256.Int, error) {
	d, err := parseDecimal(raw)
	if err != nil {
		return uint256.Int{}, err
	}
	return twap.PriceFromBig(d.Shift(priceDecimals).Truncate(0).BigInt())
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: parse %q: %v", twap.ErrInvalidSample, raw, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative value %q", twap.ErrInvalidSample, raw)
	}
	return d, nil
}

// DecimalPrice renders a fixed-point engine value carrying priceDecimals digits.
func DecimalPrice(v *uint256.Int, priceDecimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -priceDecimals)
}
