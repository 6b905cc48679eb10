package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// SignatureLength is the length of a TRON signature: r (32) || s (32) || v (1).
const SignatureLength = 65

// TronCoinType is the BIP-44 coin type registered for TRON.
const TronCoinType = 195

var ErrInvalidSignature = errors.New("invalid signature")

// Key is the relayer's operational secp256k1 key.
type Key struct {
	priv    *btcec.PrivateKey
	address Address
}

// KeyFromHex loads a 32-byte private key given in hex.
func KeyFromHex(s string) (*Key, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	return newKey(raw), nil
}

// KeyFromMnemonic derives the key at m/44'/195'/0'/0/{index} from a BIP-39 mnemonic.
func KeyFromMnemonic(mnemonic, passphrase string, index uint32) (*Key, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	raw, err := deriveKey(seed, TronCoinType, index)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return newKey(raw[:32]), nil
}

func newKey(raw []byte) *Key {
	priv, pub := btcec.PrivKeyFromBytes(raw)
	return &Key{priv: priv, address: addressFromPubKey(pub)}
}

// Address returns the account controlled by the key.
func (k *Key) Address() Address {
	return k.address
}

// Sign signs a 32-byte digest and returns r || s || v with v in {27, 28},
// the layout TRON nodes and tronweb use.
func (k *Key) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("sign: digest must be 32 bytes, got %d", len(hash))
	}
	compact, err := ecdsa.SignCompact(k.priv, hash, false)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	// compact is v || r || s
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}

// RecoverSigner returns the address whose key produced sig over hash.
// v may be given as 0/1 or 27/28.
func RecoverSigner(hash, sig []byte) (Address, error) {
	if len(hash) != 32 {
		return Address{}, fmt.Errorf("%w: digest must be 32 bytes, got %d", ErrInvalidSignature, len(hash))
	}
	if len(sig) != SignatureLength {
		return Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}
	compact := make([]byte, SignatureLength)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return addressFromPubKey(pub), nil
}

// DecodeSignature parses a hex signature with or without a 0x prefix.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	return sig, nil
}

// HashMessage returns the digest signed by tronweb's signMessageV2:
// keccak256("\x19TRON Signed Message:\n" + len(msg) + msg).
func HashMessage(msg []byte) []byte {
	prefix := "\x19TRON Signed Message:\n" + strconv.Itoa(len(msg))
	return Keccak256([]byte(prefix), msg)
}

// TRON address = 0x41 || keccak256(uncompressed pubkey without 0x04)[12:]
func addressFromPubKey(pub *btcec.PublicKey) Address {
	pubBytes := pub.SerializeUncompressed()
	hash := Keccak256(pubBytes[1:])
	var a Address
	a[0] = AddressPrefix
	copy(a[1:], hash[12:])
	return a
}

// deriveKey derives a child private key from a BIP-39 seed using BIP-32/BIP-44.
// Path: m/44'/{coinType}'/0'/0/{index}
func deriveKey(seed []byte, coinType uint32, index uint32) ([]byte, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + coinType,
		bip32.FirstHardenedChild + 0,
		0,
		index,
	}
	key := masterKey
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", child, err)
		}
	}

	return key.Key, nil
}
