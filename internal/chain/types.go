package chain

import (
	"encoding/hex"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
)

// SignedTransaction is the body of /wallet/broadcasttransaction with hex addresses.
type SignedTransaction struct {
	Visible    bool              `json:"visible"`
	TxID       string            `json:"txID"`
	RawData    codec.RawDataJSON `json:"raw_data"`
	RawDataHex string            `json:"raw_data_hex"`
	Signature  []string          `json:"signature"`
}

// BroadcastResult is the node's answer to a broadcast.
type BroadcastResult struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	TxID    string `json:"txid"`
	Message string `json:"message"`
}

// Reason decodes the hex-encoded rejection message.
func (r *BroadcastResult) Reason() string {
	if r.Message == "" {
		return r.Code
	}
	if b, err := hex.DecodeString(r.Message); err == nil {
		return r.Code + ": " + string(b)
	}
	return r.Code + ": " + r.Message
}

// Receipt is the resource receipt of an included transaction.
type Receipt struct {
	EnergyUsage      int64  `json:"energy_usage"`
	EnergyUsageTotal int64  `json:"energy_usage_total"`
	EnergyFee        int64  `json:"energy_fee"`
	NetUsage         int64  `json:"net_usage"`
	NetFee           int64  `json:"net_fee"`
	Result           string `json:"result"`
}

// TransactionInfo is the result of /wallet/gettransactioninfobyid for an included transaction.
type TransactionInfo struct {
	ID             string  `json:"id"`
	Fee            int64   `json:"fee"`
	BlockNumber    int64   `json:"blockNumber"`
	BlockTimestamp int64   `json:"blockTimeStamp"`
	Receipt        Receipt `json:"receipt"`
	Result         string  `json:"result"`
	ResMessage     string  `json:"resMessage"`
}

// Failed reports whether the transaction executed with a failure status.
func (i *TransactionInfo) Failed() bool {
	if i.Result == "FAILED" {
		return true
	}
	return i.Receipt.Result != "" && i.Receipt.Result != "SUCCESS"
}

// FailureReason returns the node's decoded failure message, if any.
func (i *TransactionInfo) FailureReason() string {
	reason := i.Receipt.Result
	if i.ResMessage != "" {
		msg := i.ResMessage
		if b, err := hex.DecodeString(msg); err == nil {
			msg = string(b)
		}
		reason += " " + msg
	}
	return reason
}

// AccountResource is the subset of /wallet/getaccountresource the relayer reads.
type AccountResource struct {
	FreeNetUsed  int64 `json:"freeNetUsed"`
	FreeNetLimit int64 `json:"freeNetLimit"`
	NetUsed      int64 `json:"NetUsed"`
	NetLimit     int64 `json:"NetLimit"`
	EnergyUsed   int64 `json:"EnergyUsed"`
	EnergyLimit  int64 `json:"EnergyLimit"`
}

// EnergyAvailable is the unused part of the energy limit.
func (r *AccountResource) EnergyAvailable() int64 {
	if r.EnergyUsed >= r.EnergyLimit {
		return 0
	}
	return r.EnergyLimit - r.EnergyUsed
}

// BlockHeaderRaw is block_header.raw_data.
type BlockHeaderRaw struct {
	Number    int64 `json:"number"`
	Timestamp int64 `json:"timestamp"`
}

// Block is the header part of /walletsolidity/getnowblock.
type Block struct {
	BlockID     string `json:"blockID"`
	BlockHeader struct {
		RawData BlockHeaderRaw `json:"raw_data"`
	} `json:"block_header"`
}

type account struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

type constantResult struct {
	Result struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"result"`
	EnergyUsed     int64    `json:"energy_used"`
	ConstantResult []string `json:"constant_result"`
}
