package twap

import (
	"fmt"
	"math/big"
	"math/bits"
	"strings"

	"github.com/holiman/uint256"
)

// Prices are unsigned 128-bit fixed point values carried in a uint256.Int so
// intermediate products never wrap before the width check.
const (
	priceBits      = 128
	signedBits     = 127
	BasisPoints    = 10_000
	HourTicks      = 3_600
	MinBucketCount = 2
	MaxBucketCount = 1 << 16
)

var bpsDenominator = uint256.NewInt(BasisPoints)

// ParsePrice parses a base-10 integer price and rejects values wider than 128 bits.
func ParsePrice(raw string) (uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uint256.Int{}, fmt.Errorf("%w: empty price", ErrInvalidSample)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: parse price %q: %v", ErrInvalidSample, raw, err)
	}
	if !fitsPrice(v) {
		return uint256.Int{}, fmt.Errorf("%w: price %s exceeds 128 bits", ErrInvalidSample, raw)
	}
	return *v, nil
}

// MustPrice builds a price from a uint64, mostly for tests and defaults.
func MustPrice(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

func fitsPrice(v *uint256.Int) bool {
	return v.BitLen() <= priceBits
}

func checkedAdd64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d exceeds u64", ErrArithmeticOverflow, a, b)
	}
	return sum, nil
}

func checkedSub64(a, b uint64, what string) (uint64, error) {
	if a < b {
		return 0, fmt.Errorf("%w: %s tick %d precedes %d", ErrArithmeticOverflow, what, a, b)
	}
	return a - b, nil
}

// mulPrice multiplies within the 128-bit price domain.
func mulPrice(x *uint256.Int, y uint64) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(x, uint256.NewInt(y))
	if overflow || !fitsPrice(out) {
		return nil, fmt.Errorf("%w: %s * %d exceeds u128", ErrArithmeticOverflow, x.Dec(), y)
	}
	return out, nil
}

// PriceFromBig converts a non-negative big integer into the 128-bit price domain.
func PriceFromBig(v *big.Int) (uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return uint256.Int{}, fmt.Errorf("%w: negative price", ErrInvalidSample)
	}
	out, overflow := uint256.FromBig(v)
	if overflow || !fitsPrice(out) {
		return uint256.Int{}, fmt.Errorf("%w: price %s exceeds 128 bits", ErrInvalidSample, v.String())
	}
	return *out, nil
}
