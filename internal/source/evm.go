// Package source provides RateSource implementations: on-chain reads through
// an EVM JSON-RPC endpoint, a settable static source, and a simulated source
// for staging.
package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"wrapped-oracle/internal/fixed"
)

// DefaultAumDecimals is the precision the manager reports AUM in.
const DefaultAumDecimals = 30

const readerABI = `[
  {"type":"function","name":"totalAssets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getAum","stateMutability":"view","inputs":[{"name":"maximise","type":"bool"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var ErrEmptyResult = errors.New("source: empty call result")

// ContractCaller is the subset of the Ethereum RPC used for view calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial opens an RPC client for endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVM reads vault and manager state with eth_call at the latest block.
type EVM struct {
	client      ContractCaller
	abi         abi.ABI
	aumDecimals int
}

// NewEVM returns an EVM source. aumDecimals <= 0 selects DefaultAumDecimals.
func NewEVM(client ContractCaller, aumDecimals int) (*EVM, error) {
	if client == nil {
		return nil, fmt.Errorf("evm source: client required")
	}
	parsed, err := abi.JSON(strings.NewReader(readerABI))
	if err != nil {
		return nil, fmt.Errorf("evm source: parse abi: %w", err)
	}
	if aumDecimals <= 0 {
		aumDecimals = DefaultAumDecimals
	}
	return &EVM{client: client, abi: parsed, aumDecimals: aumDecimals}, nil
}

// TotalAssets calls totalAssets() on the wrapped vault.
func (e *EVM) TotalAssets(ctx context.Context, wrapped common.Address) (fixed.Index, error) {
	return e.call(ctx, wrapped, "totalAssets")
}

// TotalSupply calls totalSupply() on the wrapped vault.
func (e *EVM) TotalSupply(ctx context.Context, wrapped common.Address) (fixed.Index, error) {
	return e.call(ctx, wrapped, "totalSupply")
}

// UnitPrice is the manager's minimised AUM divided by the underlying supply,
// expressed with 18 decimals.
func (e *EVM) UnitPrice(ctx context.Context, underlying, manager common.Address) (fixed.Index, error) {
	aum, err := e.call(ctx, manager, "getAum", false)
	if err != nil {
		return fixed.Index{}, err
	}
	supply, err := e.call(ctx, underlying, "totalSupply")
	if err != nil {
		return fixed.Index{}, err
	}
	perUnit, err := fixed.Ratio(aum, supply)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("unit price: %w", err)
	}
	return fixed.Rescale(perUnit, e.aumDecimals, fixed.Decimals)
}

func (e *EVM) call(ctx context.Context, to common.Address, method string, args ...interface{}) (fixed.Index, error) {
	input, err := e.abi.Pack(method, args...)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	if len(out) == 0 {
		return fixed.Index{}, fmt.Errorf("call %s on %s: %w", method, to.Hex(), ErrEmptyResult)
	}
	vals, err := e.abi.Unpack(method, out)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return fixed.Index{}, fmt.Errorf("unpack %s: unexpected %T", method, vals[0])
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return fixed.Index{}, fmt.Errorf("%s: %w", method, fixed.ErrOverflow)
	}
	return *v, nil
}
