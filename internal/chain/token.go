package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// ConstantCaller runs read-only contract calls.
type ConstantCaller interface {
	TriggerConstantContract(ctx context.Context, owner, contract wallet.Address, selector string, params []byte) ([]byte, error)
}

// Token reads a TRC-20 contract.
type Token struct {
	caller   ConstantCaller
	contract wallet.Address
}

func NewToken(caller ConstantCaller, contract wallet.Address) *Token {
	return &Token{caller: caller, contract: contract}
}

// Address returns the token contract.
func (t *Token) Address() wallet.Address {
	return t.contract
}

// BalanceOf returns the raw token balance of owner.
func (t *Token) BalanceOf(ctx context.Context, owner wallet.Address) (*big.Int, error) {
	res, err := t.caller.TriggerConstantContract(ctx, owner, t.contract, "balanceOf(address)", codec.PackAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", owner, err)
	}
	return codec.UintAt(res, 0)
}
