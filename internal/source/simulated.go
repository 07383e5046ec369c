package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/fixed"
)

// Simulated is a staging source whose vault accrues yield: every
// TotalAssets read grows assets by YieldPerRead (Base-scaled fraction).
type Simulated struct {
	mu           sync.Mutex
	assets       fixed.Index
	supply       fixed.Index
	price        fixed.Index
	yieldPerRead fixed.Index
}

// NewSimulated starts at index 1.0 over supply units.
func NewSimulated(supply, price, yieldPerRead fixed.Index) *Simulated {
	return &Simulated{
		assets:       supply,
		supply:       supply,
		price:        price,
		yieldPerRead: yieldPerRead,
	}
}

func (s *Simulated) TotalAssets(context.Context, common.Address) (fixed.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.assets
	accrued, err := fixed.MulDiv(s.assets, s.yieldPerRead, fixed.Base)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("simulated accrual: %w", err)
	}
	var next fixed.Index
	if _, overflow := next.AddOverflow(&s.assets, &accrued); overflow {
		return fixed.Index{}, fmt.Errorf("simulated accrual: %w", fixed.ErrOverflow)
	}
	s.assets = next
	return out, nil
}

func (s *Simulated) TotalSupply(context.Context, common.Address) (fixed.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supply, nil
}

func (s *Simulated) UnitPrice(context.Context, common.Address, common.Address) (fixed.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}
