package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ContractType is protocol.Transaction.Contract.ContractType.
type ContractType int32

const (
	TransferContractType     ContractType = 1
	TriggerSmartContractType ContractType = 31
)

const typeURLPrefix = "type.googleapis.com/protocol."

func (t ContractType) String() string {
	switch t {
	case TransferContractType:
		return "TransferContract"
	case TriggerSmartContractType:
		return "TriggerSmartContract"
	default:
		return fmt.Sprintf("ContractType(%d)", int32(t))
	}
}

// TypeURL is the google.protobuf.Any type url of the contract parameter.
func (t ContractType) TypeURL() string {
	return typeURLPrefix + t.String()
}

// Transaction.raw field numbers.
const (
	fieldRefBlockBytes protowire.Number = 1
	fieldRefBlockNum   protowire.Number = 3
	fieldRefBlockHash  protowire.Number = 4
	fieldExpiration    protowire.Number = 8
	fieldData          protowire.Number = 10
	fieldContract      protowire.Number = 11
	fieldTimestamp     protowire.Number = 14
	fieldFeeLimit      protowire.Number = 18
)

// Transaction.Contract and google.protobuf.Any field numbers.
const (
	fieldContractType      protowire.Number = 1
	fieldContractParameter protowire.Number = 2
	fieldContractPermID    protowire.Number = 5

	fieldAnyTypeURL protowire.Number = 1
	fieldAnyValue   protowire.Number = 2
)

// Contract is one entry of Transaction.raw.contract.
type Contract struct {
	Type         ContractType
	TypeURL      string
	Value        []byte
	PermissionID int32
}

// RawTransaction is the subset of protocol.Transaction.raw the relayer reads and writes.
type RawTransaction struct {
	RefBlockBytes []byte
	RefBlockNum   int64
	RefBlockHash  []byte
	Expiration    int64
	Data          []byte
	Contracts     []Contract
	Timestamp     int64
	FeeLimit      int64
}

// ParseRaw walks the protobuf encoding of Transaction.raw. Unknown fields are skipped.
func ParseRaw(b []byte) (*RawTransaction, error) {
	raw := &RawTransaction{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("raw tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldRefBlockBytes && typ == protowire.BytesType:
			raw.RefBlockBytes, n = consumeBytes(b)
		case num == fieldRefBlockHash && typ == protowire.BytesType:
			raw.RefBlockHash, n = consumeBytes(b)
		case num == fieldData && typ == protowire.BytesType:
			raw.Data, n = consumeBytes(b)
		case num == fieldContract && typ == protowire.BytesType:
			var v []byte
			v, n = consumeBytes(b)
			if n >= 0 {
				c, err := parseContract(v)
				if err != nil {
					return nil, err
				}
				raw.Contracts = append(raw.Contracts, *c)
			}
		case num == fieldRefBlockNum && typ == protowire.VarintType:
			raw.RefBlockNum, n = consumeInt64(b)
		case num == fieldExpiration && typ == protowire.VarintType:
			raw.Expiration, n = consumeInt64(b)
		case num == fieldTimestamp && typ == protowire.VarintType:
			raw.Timestamp, n = consumeInt64(b)
		case num == fieldFeeLimit && typ == protowire.VarintType:
			raw.FeeLimit, n = consumeInt64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("raw field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return raw, nil
}

func parseContract(b []byte) (*Contract, error) {
	c := &Contract{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("contract tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldContractType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.Type = ContractType(v)
		case num == fieldContractPermID && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.PermissionID = int32(v)
		case num == fieldContractParameter && typ == protowire.BytesType:
			var v []byte
			v, n = consumeBytes(b)
			if n >= 0 {
				if err := parseAny(v, c); err != nil {
					return nil, err
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("contract field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return c, nil
}

func parseAny(b []byte, c *Contract) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("parameter tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldAnyTypeURL && typ == protowire.BytesType:
			var v []byte
			v, n = consumeBytes(b)
			c.TypeURL = string(v)
		case num == fieldAnyValue && typ == protowire.BytesType:
			c.Value, n = consumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("parameter field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// Marshal encodes the raw transaction in ascending field order, the layout
// produced by java-tron and tronweb, so that sha256(Marshal()) is the tx id.
func (r *RawTransaction) Marshal() []byte {
	var b []byte
	if len(r.RefBlockBytes) > 0 {
		b = protowire.AppendTag(b, fieldRefBlockBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, r.RefBlockBytes)
	}
	if r.RefBlockNum != 0 {
		b = protowire.AppendTag(b, fieldRefBlockNum, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.RefBlockNum))
	}
	if len(r.RefBlockHash) > 0 {
		b = protowire.AppendTag(b, fieldRefBlockHash, protowire.BytesType)
		b = protowire.AppendBytes(b, r.RefBlockHash)
	}
	if r.Expiration != 0 {
		b = protowire.AppendTag(b, fieldExpiration, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Expiration))
	}
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	for _, c := range r.Contracts {
		b = protowire.AppendTag(b, fieldContract, protowire.BytesType)
		b = protowire.AppendBytes(b, c.marshal())
	}
	if r.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Timestamp))
	}
	if r.FeeLimit != 0 {
		b = protowire.AppendTag(b, fieldFeeLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.FeeLimit))
	}
	return b
}

func (c Contract) marshal() []byte {
	typeURL := c.TypeURL
	if typeURL == "" {
		typeURL = c.Type.TypeURL()
	}
	var param []byte
	param = protowire.AppendTag(param, fieldAnyTypeURL, protowire.BytesType)
	param = protowire.AppendString(param, typeURL)
	param = protowire.AppendTag(param, fieldAnyValue, protowire.BytesType)
	param = protowire.AppendBytes(param, c.Value)

	var b []byte
	b = protowire.AppendTag(b, fieldContractType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Type))
	b = protowire.AppendTag(b, fieldContractParameter, protowire.BytesType)
	b = protowire.AppendBytes(b, param)
	if c.PermissionID != 0 {
		b = protowire.AppendTag(b, fieldContractPermID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.PermissionID))
	}
	return b
}

func consumeBytes(b []byte) ([]byte, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n
}

func consumeInt64(b []byte) (int64, int) {
	v, n := protowire.ConsumeVarint(b)
	return int64(v), n
}
