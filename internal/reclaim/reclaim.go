// Package reclaim prices the buyout a majority holder pays to reclaim the
// underlying asset from fraction holders.
package reclaim

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"twapguard/internal/twap"
)

// Holders must own strictly more than this share of supply, in percent.
const majorityPercent = 80

var (
	// ErrInsufficientHolding is returned when the holder does not own more than 80% of supply.
	ErrInsufficientHolding = errors.New("reclaim: holder does not own more than 80% of supply")
	// ErrInvalidRequest flags malformed reclaim requests.
	ErrInvalidRequest = errors.New("reclaim: invalid request")
)

// Request describes a reclaim attempt. Amount is the number of fractions
// being bought back from the remaining holders.
type Request struct {
	Amount        uint64 `json:"amount"`
	HolderBalance uint64 `json:"holder_balance"`
	Supply        uint64 `json:"supply"`
}

// Settlement is the priced result of a reclaim request.
type Settlement struct {
	Amount      uint64
	Outstanding uint64
	TWAP        uint256.Int
	UnitPrice   uint256.Int
	Cost        uint256.Int
}

// Quote validates req against the policy and prices it at the discounted
// TWAP. Nothing is transferred or burned.
func Quote(policy *twap.Policy, store *twap.Store, req Request) (Settlement, error) {
	if policy == nil || store == nil {
		return Settlement{}, fmt.Errorf("%w: policy and store are required", ErrInvalidRequest)
	}
	if req.Supply == 0 {
		return Settlement{}, fmt.Errorf("%w: supply must be positive", ErrInvalidRequest)
	}
	if req.HolderBalance > req.Supply {
		return Settlement{}, fmt.Errorf("%w: balance %d exceeds supply %d", ErrInvalidRequest, req.HolderBalance, req.Supply)
	}
	if err := policy.CheckBuybackAmount(req.Amount); err != nil {
		return Settlement{}, err
	}
	if !holdsMajority(req.HolderBalance, req.Supply) {
		return Settlement{}, fmt.Errorf("%w: %d of %d", ErrInsufficientHolding, req.HolderBalance, req.Supply)
	}
	outstanding := req.Supply - req.HolderBalance
	if req.Amount > outstanding {
		return Settlement{}, fmt.Errorf("%w: amount %d exceeds outstanding %d", ErrInvalidRequest, req.Amount, outstanding)
	}

	agg, err := store.TWAP()
	if err != nil {
		return Settlement{}, err
	}
	mean, err := agg.Get()
	if err != nil {
		return Settlement{}, err
	}
	unit, err := policy.BuybackPrice(&mean)
	if err != nil {
		return Settlement{}, err
	}
	cost, overflow := new(uint256.Int).MulOverflow(&unit, uint256.NewInt(req.Amount))
	if overflow || cost.BitLen() > 128 {
		return Settlement{}, fmt.Errorf("%w: cost %s * %d exceeds u128", twap.ErrArithmeticOverflow, unit.Dec(), req.Amount)
	}

	return Settlement{
		Amount:      req.Amount,
		Outstanding: outstanding,
		TWAP:        mean,
		UnitPrice:   unit,
		Cost:        *cost,
	}, nil
}

func holdsMajority(balance, supply uint64) bool {
	lhs := new(uint256.Int).Mul(uint256.NewInt(balance), uint256.NewInt(100))
	rhs := new(uint256.Int).Mul(uint256.NewInt(supply), uint256.NewInt(majorityPercent))
	return lhs.Gt(rhs)
}
