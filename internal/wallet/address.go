package wallet

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// AddressPrefix is the leading byte of every TRON account address.
const AddressPrefix byte = 0x41

// AddressLength is the length of a TRON address including its prefix byte.
const AddressLength = 21

var ErrInvalidAddress = errors.New("invalid tron address")

// Address is a TRON account address: 0x41 followed by the 20-byte account id
// (the same id an EVM chain would derive from the public key).
type Address [AddressLength]byte

// AddressFromBytes validates a 21-byte prefixed address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, AddressLength, len(b))
	}
	if b[0] != AddressPrefix {
		return a, fmt.Errorf("%w: prefix 0x%02x", ErrInvalidAddress, b[0])
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromEVM prefixes a 20-byte account id.
func AddressFromEVM(id []byte) (Address, error) {
	var a Address
	if len(id) != AddressLength-1 {
		return a, fmt.Errorf("%w: account id must be 20 bytes, got %d", ErrInvalidAddress, len(id))
	}
	a[0] = AddressPrefix
	copy(a[1:], id)
	return a, nil
}

// ParseAddress accepts either the Base58Check form (T...) or the 41-prefixed hex form,
// with or without a 0x prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "T") {
		return addressFromBase58(s)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return AddressFromBytes(raw)
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func addressFromBase58(s string) (Address, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if version != AddressPrefix {
		return Address{}, fmt.Errorf("%w: %q has version 0x%02x", ErrInvalidAddress, s, version)
	}
	return AddressFromEVM(payload)
}

// Base58 returns the checksummed human-readable form.
func (a Address) Base58() string {
	return base58.CheckEncode(a[1:], a[0])
}

// String implements fmt.Stringer using the Base58 form.
func (a Address) String() string {
	return a.Base58()
}

// Hex returns the 42-character hex form including the 41 prefix.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// EVM returns the 20-byte account id without the prefix.
func (a Address) EVM() []byte {
	out := make([]byte, AddressLength-1)
	copy(out, a[1:])
	return out
}

// IsZero reports whether the address was never set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Equal compares two addresses byte-wise.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a[:], b[:])
}

// MarshalText encodes the address as Base58 in JSON and config files.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Base58()), nil
}

// UnmarshalText accepts any form ParseAddress accepts.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Keccak256 hashes data with the legacy (pre-NIST) Keccak used by the TVM.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// SHA256 is the hash TRON uses for transaction ids.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
