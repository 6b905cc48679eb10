package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// WordSize is the size of one ABI-encoded argument.
const WordSize = 32

// Selector returns the 4-byte function selector for a canonical signature
// such as "transfer(address,uint256)".
func Selector(signature string) []byte {
	return wallet.Keccak256([]byte(signature))[:4]
}

// PackAddress left-pads the 20-byte account id of a to one word.
// TVM addresses are encoded without the 0x41 prefix.
func PackAddress(a wallet.Address) []byte {
	word := make([]byte, WordSize)
	copy(word[WordSize-20:], a.EVM())
	return word
}

// PackUint encodes a non-negative integer as one big-endian word.
func PackUint(v *big.Int) []byte {
	word := make([]byte, WordSize)
	if v != nil {
		v.FillBytes(word)
	}
	return word
}

// PackUint64 is PackUint for small values.
func PackUint64(v uint64) []byte {
	return PackUint(new(big.Int).SetUint64(v))
}

// PackBytes32 copies a 32-byte value into a word.
func PackBytes32(b []byte) ([]byte, error) {
	if len(b) != WordSize {
		return nil, fmt.Errorf("bytes32 must be 32 bytes, got %d", len(b))
	}
	word := make([]byte, WordSize)
	copy(word, b)
	return word, nil
}

// Calldata concatenates the selector of signature with already packed words.
func Calldata(signature string, words ...[]byte) []byte {
	out := make([]byte, 0, 4+len(words)*WordSize)
	out = append(out, Selector(signature)...)
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

// TransferCalldata encodes transfer(address,uint256).
func TransferCalldata(to wallet.Address, amount *big.Int) []byte {
	return Calldata("transfer(address,uint256)", PackAddress(to), PackUint(amount))
}

// ApproveCalldata encodes approve(address,uint256).
func ApproveCalldata(spender wallet.Address, amount *big.Int) []byte {
	return Calldata("approve(address,uint256)", PackAddress(spender), PackUint(amount))
}

// MaxUint256 is 2^256 - 1, the "unlimited" approval amount.
func MaxUint256() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}

var errShortResult = errors.New("contract result shorter than expected")

// Word returns the i-th 32-byte word of an ABI-encoded result.
func Word(result []byte, i int) ([]byte, error) {
	start := i * WordSize
	if start+WordSize > len(result) {
		return nil, fmt.Errorf("%w: word %d of %d bytes", errShortResult, i, len(result))
	}
	return result[start : start+WordSize], nil
}

// UintAt decodes the i-th word of an ABI-encoded result as an unsigned integer.
func UintAt(result []byte, i int) (*big.Int, error) {
	w, err := Word(result, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w), nil
}
