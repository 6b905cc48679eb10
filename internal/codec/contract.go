package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// TriggerSmartContract field numbers.
const (
	fieldOwnerAddress    protowire.Number = 1
	fieldContractAddress protowire.Number = 2
	fieldCallValue       protowire.Number = 3
	fieldCallData        protowire.Number = 4
)

// TransferContract field numbers.
const (
	fieldTransferOwner  protowire.Number = 1
	fieldTransferTo     protowire.Number = 2
	fieldTransferAmount protowire.Number = 3
)

// EncodeTriggerSmartContract encodes protocol.TriggerSmartContract.
// call_value is omitted when zero, matching what tronweb produces.
func EncodeTriggerSmartContract(owner, contract wallet.Address, callValue int64, data []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOwnerAddress, protowire.BytesType)
	b = protowire.AppendBytes(b, owner[:])
	b = protowire.AppendTag(b, fieldContractAddress, protowire.BytesType)
	b = protowire.AppendBytes(b, contract[:])
	if callValue != 0 {
		b = protowire.AppendTag(b, fieldCallValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(callValue))
	}
	if len(data) > 0 {
		b = protowire.AppendTag(b, fieldCallData, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b
}

// EncodeTransferContract encodes protocol.TransferContract (a plain TRX transfer).
func EncodeTransferContract(owner, to wallet.Address, amount int64) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTransferOwner, protowire.BytesType)
	b = protowire.AppendBytes(b, owner[:])
	b = protowire.AppendTag(b, fieldTransferTo, protowire.BytesType)
	b = protowire.AppendBytes(b, to[:])
	b = protowire.AppendTag(b, fieldTransferAmount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(amount))
	return b
}

// ContractValue is the JSON form of a contract parameter value (visible=false, hex addresses).
type ContractValue struct {
	Data            string `json:"data,omitempty"`
	OwnerAddress    string `json:"owner_address"`
	ContractAddress string `json:"contract_address,omitempty"`
	ToAddress       string `json:"to_address,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	CallValue       int64  `json:"call_value,omitempty"`
}

// ContractParameter is the JSON form of google.protobuf.Any.
type ContractParameter struct {
	Value   ContractValue `json:"value"`
	TypeURL string        `json:"type_url"`
}

// ContractJSON is one element of raw_data.contract.
type ContractJSON struct {
	Parameter ContractParameter `json:"parameter"`
	Type      string            `json:"type"`
}

// RawDataJSON is the raw_data object full nodes accept in /wallet/broadcasttransaction.
type RawDataJSON struct {
	Contract      []ContractJSON `json:"contract"`
	RefBlockBytes string         `json:"ref_block_bytes"`
	RefBlockHash  string         `json:"ref_block_hash"`
	Expiration    int64          `json:"expiration"`
	FeeLimit      int64          `json:"fee_limit,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}
