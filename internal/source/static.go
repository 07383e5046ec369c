package source

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/fixed"
)

// Static returns whatever readings were last set. It ignores the address
// arguments, so one Static stands in for a single vault and manager.
type Static struct {
	mu     sync.RWMutex
	assets fixed.Index
	supply fixed.Index
	price  fixed.Index
	err    error
}

// NewStatic returns a source with the given readings.
func NewStatic(assets, supply, price fixed.Index) *Static {
	return &Static{assets: assets, supply: supply, price: price}
}

func (s *Static) SetTotalAssets(v fixed.Index) {
	s.mu.Lock()
	s.assets = v
	s.mu.Unlock()
}

func (s *Static) SetTotalSupply(v fixed.Index) {
	s.mu.Lock()
	s.supply = v
	s.mu.Unlock()
}

func (s *Static) SetUnitPrice(v fixed.Index) {
	s.mu.Lock()
	s.price = v
	s.mu.Unlock()
}

// SetError makes every read fail with err until cleared with nil.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) TotalAssets(context.Context, common.Address) (fixed.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assets, s.err
}

func (s *Static) TotalSupply(context.Context, common.Address) (fixed.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supply, s.err
}

func (s *Static) UnitPrice(context.Context, common.Address, common.Address) (fixed.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price, s.err
}
