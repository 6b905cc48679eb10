// Package codec decodes and encodes the TRON transaction wire format for the two
// TRC-20 calls the relayer accepts from users: transfer and approve.
package codec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// TokenDecimals is the precision of USDT on TRON.
const TokenDecimals = 6

// Function selectors of the accepted TRC-20 calls.
var (
	TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}
	ApproveSelector  = []byte{0x09, 0x5e, 0xa7, 0xb3}
)

// Layout of TriggerSmartContract as produced by wallets for a plain token call:
// 0a 15 <owner:21> 12 15 <contract:21> 22 44 <calldata:68>.
var (
	ownerMarker    = []byte{0x0a, 0x15}
	contractMarker = []byte{0x12, 0x15}
	calldataMarker = []byte{0x22, 0x44}
)

const (
	calldataLength  = 4 + 2*WordSize
	triggerLength   = 2 + wallet.AddressLength + 2 + wallet.AddressLength + 2 + calldataLength
	addressWordPad  = WordSize - wallet.AddressLength // zero bytes before the prefix slot
	addressPrefixAt = addressWordPad
)

// DecodeError reports malformed client input. It carries no partial state.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "malformed transaction: " + e.Reason
}

func decodeErr(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// DecodedTransaction is a parsed and signer-verified token call. Immutable once built.
type DecodedTransaction struct {
	RawDataHex string
	RawData    RawDataJSON
	TxID       string
	Signature  string

	From     wallet.Address
	Contract wallet.Address
	// To is the transfer recipient or the approval spender.
	To wallet.Address

	AmountUint  *big.Int
	AmountHuman decimal.Decimal
	AmountHex   string

	RefBlockBytes []byte
	RefBlockHash  []byte
	Expiration    int64
	Timestamp     int64
	FeeLimit      int64

	Signer wallet.Address
}

// Authorized reports whether the recovered signer owns the call.
func (d *DecodedTransaction) Authorized() bool {
	return d.Signer == d.From
}

// DecodeTransferTransaction decodes a signed transfer(address,uint256) call.
func DecodeTransferTransaction(rawHex, signature string) (*DecodedTransaction, error) {
	return decode(rawHex, signature, TransferSelector, false)
}

// DecodeApprovalTransaction decodes a signed approve(address,uint256) call.
func DecodeApprovalTransaction(rawHex, signature string) (*DecodedTransaction, error) {
	return decode(rawHex, signature, ApproveSelector, true)
}

func decode(rawHex, signature string, selector []byte, approval bool) (*DecodedTransaction, error) {
	rawBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(rawHex), "0x"))
	if err != nil {
		return nil, decodeErr("raw data is not hex: %v", err)
	}
	if len(rawBytes) == 0 {
		return nil, decodeErr("raw data is empty")
	}

	raw, err := ParseRaw(rawBytes)
	if err != nil {
		return nil, decodeErr("%v", err)
	}
	txID := wallet.SHA256(rawBytes)

	if len(raw.Contracts) != 1 {
		return nil, decodeErr("expected exactly one contract, got %d", len(raw.Contracts))
	}
	contract := raw.Contracts[0]
	if contract.Type != TriggerSmartContractType {
		return nil, decodeErr("contract type %s is not TriggerSmartContract", contract.Type)
	}

	v := contract.Value
	if len(v) != triggerLength {
		return nil, decodeErr("contract parameter is %d bytes, want %d", len(v), triggerLength)
	}
	off := 0
	if !bytes.Equal(v[off:off+2], ownerMarker) {
		return nil, decodeErr("bad owner marker %x", v[off:off+2])
	}
	off += 2
	ownerBytes := v[off : off+wallet.AddressLength]
	off += wallet.AddressLength
	if !bytes.Equal(v[off:off+2], contractMarker) {
		return nil, decodeErr("bad contract marker %x", v[off:off+2])
	}
	off += 2
	contractBytes := v[off : off+wallet.AddressLength]
	off += wallet.AddressLength
	if !bytes.Equal(v[off:off+2], calldataMarker) {
		return nil, decodeErr("bad calldata marker %x", v[off:off+2])
	}
	off += 2
	calldata := v[off:]
	if len(calldata) != calldataLength {
		return nil, decodeErr("calldata is %d bytes, want %d", len(calldata), calldataLength)
	}
	if !bytes.Equal(calldata[:4], selector) {
		return nil, decodeErr("function selector %x, want %x", calldata[:4], selector)
	}

	arg0 := calldata[4 : 4+WordSize]
	arg1 := calldata[4+WordSize:]

	from, err := wallet.AddressFromBytes(ownerBytes)
	if err != nil {
		return nil, decodeErr("owner address: %v", err)
	}
	contractAddr, err := wallet.AddressFromBytes(contractBytes)
	if err != nil {
		return nil, decodeErr("contract address: %v", err)
	}
	to, err := addressFromWord(arg0, approval)
	if err != nil {
		return nil, err
	}

	amount := new(big.Int).SetBytes(arg1)

	sig, err := wallet.DecodeSignature(signature)
	if err != nil {
		return nil, decodeErr("%v", err)
	}
	signer, err := wallet.RecoverSigner(txID, sig)
	if err != nil {
		return nil, decodeErr("%v", err)
	}

	return &DecodedTransaction{
		RawDataHex: hex.EncodeToString(rawBytes),
		RawData: RawDataJSON{
			Contract: []ContractJSON{{
				Parameter: ContractParameter{
					Value: ContractValue{
						Data:            hex.EncodeToString(calldata),
						OwnerAddress:    from.Hex(),
						ContractAddress: contractAddr.Hex(),
					},
					TypeURL: TriggerSmartContractType.TypeURL(),
				},
				Type: TriggerSmartContractType.String(),
			}},
			RefBlockBytes: hex.EncodeToString(raw.RefBlockBytes),
			RefBlockHash:  hex.EncodeToString(raw.RefBlockHash),
			Expiration:    raw.Expiration,
			FeeLimit:      raw.FeeLimit,
			Timestamp:     raw.Timestamp,
		},
		TxID:          hex.EncodeToString(txID),
		Signature:     hex.EncodeToString(sig),
		From:          from,
		Contract:      contractAddr,
		To:            to,
		AmountUint:    amount,
		AmountHuman:   decimal.NewFromBigInt(amount, -TokenDecimals),
		AmountHex:     "0x" + hex.EncodeToString(arg1),
		RefBlockBytes: raw.RefBlockBytes,
		RefBlockHash:  raw.RefBlockHash,
		Expiration:    raw.Expiration,
		Timestamp:     raw.Timestamp,
		FeeLimit:      raw.FeeLimit,
		Signer:        signer,
	}, nil
}

// addressFromWord extracts the address argument of a token call. The account id is
// the low 20 bytes. The byte in front of it is zero padding for transfers; some
// approval encoders put the 0x41 prefix there, others leave it zero, so for approvals
// either value is accepted and rewritten to the prefix.
func addressFromWord(word []byte, approval bool) (wallet.Address, error) {
	for _, b := range word[:addressPrefixAt] {
		if b != 0 {
			return wallet.Address{}, decodeErr("address argument has non-zero padding %x", word[:addressPrefixAt])
		}
	}
	slot := word[addressPrefixAt]
	switch {
	case slot == 0:
	case approval && slot == wallet.AddressPrefix:
	default:
		return wallet.Address{}, decodeErr("address argument has unexpected byte 0x%02x before the account id", slot)
	}
	a, err := wallet.AddressFromEVM(word[addressPrefixAt+1:])
	if err != nil {
		return wallet.Address{}, decodeErr("address argument: %v", err)
	}
	return a, nil
}
