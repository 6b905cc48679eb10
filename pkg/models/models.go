// Package models holds the relayer's HTTP payloads and stored records.
package models

import "time"

// Chain is a TRON network name.
type Chain string

// Supported networks.
const (
	ChainMainnet Chain = "mainnet"
	ChainShasta  Chain = "shasta"
)

// SignedPayload is a user-signed transaction as submitted by a client.
type SignedPayload struct {
	RawDataHex string `json:"rawDataHex"`
	Signature  string `json:"signature"`
}

// QuoteRequest is the body of POST /get-quote. From and Amount are informational.
type QuoteRequest struct {
	To     string `json:"to"`
	From   string `json:"from,omitempty"`
	Amount any    `json:"amount,omitempty"`
}

// QuoteResponse is the answer to POST /get-quote.
type QuoteResponse struct {
	FeeInUSDT string `json:"feeInUSDT"`
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	MainTx SignedPayload `json:"mainTx"`
	FeeTx  SignedPayload `json:"feeTx"`
}

// ExecuteResponse is the answer to POST /execute.
type ExecuteResponse struct {
	Success  bool   `json:"success"`
	MainTxID string `json:"mainTxID"`
}

// ApproveRequest is the body of POST /approve.
type ApproveRequest struct {
	ApproveTx SignedPayload `json:"approveTx"`
}

// TransferRequest is the body of POST /transfer, a call to the router's
// transfer function. Amounts are in token units, R and S are hex.
type TransferRequest struct {
	USDTAddress    string `json:"usdtAddress"`
	From           string `json:"from"`
	To             string `json:"to"`
	TransferAmount uint64 `json:"transferAmount"`
	FeeAmount      uint64 `json:"feeAmount"`
	FeeCollector   string `json:"feeCollector"`
	Nonce          uint64 `json:"nonce"`
	V              uint8  `json:"v"`
	R              string `json:"r"`
	S              string `json:"s"`
}

// TxResponse is the answer to /approve and /transfer.
type TxResponse struct {
	Success bool   `json:"success"`
	TxID    string `json:"txID"`
}

// FailureResponse reports a rejected request.
type FailureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SetEncryptionKeyRequest is the body of POST /setEncryptionKey.
type SetEncryptionKeyRequest struct {
	DeviceID      string `json:"deviceId"`
	EncryptionKey string `json:"encryptionKey"`
	Pin           int64  `json:"pin"`
}

// GetEncryptionKeyRequest is the body of POST /getEncryptionKey.
type GetEncryptionKeyRequest struct {
	DeviceID string `json:"deviceId"`
	Pin      int64  `json:"pin"`
}

// EncryptionKeyResponse is the answer to POST /getEncryptionKey.
type EncryptionKeyResponse struct {
	Success       bool   `json:"success"`
	EncryptionKey string `json:"encryptionKey"`
}

// RelayStatus is the last known step of a relayed transfer.
type RelayStatus string

const (
	RelayAccepted RelayStatus = "accepted"
	RelayFunded   RelayStatus = "funded"
	RelayFeePaid  RelayStatus = "fee_paid"
	RelayDone     RelayStatus = "done"
	RelayFailed   RelayStatus = "failed"
)

// Relay records one /execute request, keyed by the main transaction ID.
type Relay struct {
	MainTxID  string      `json:"main_tx_id"`
	FeeTxID   string      `json:"fee_tx_id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Amount    string      `json:"amount"`
	Fee       string      `json:"fee"`
	Status    RelayStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
