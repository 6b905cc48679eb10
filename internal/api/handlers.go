package api

import (
	"context"
	"net/http"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) error {
	var req models.QuoteRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		return err
	}
	to, err := wallet.ParseAddress(req.To)
	if err != nil {
		return &requestError{reason: "to is not a valid TRON address"}
	}
	q, err := s.quotes.CalculateQuote(r.Context(), to)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, models.QuoteResponse{FeeInUSDT: q.TotalFeeUSDT.String()})
}

// handleExecute answers as soon as the pair is valid and settles it afterwards.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) error {
	var req models.ExecuteRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		return err
	}
	e, err := s.relay.ValidateExecution(r.Context(), req.MainTx, req.FeeTx)
	if err != nil {
		return err
	}
	e.ClientIP = clientIP(r)

	logging.FromContext(r.Context(), s.logger).Info("data submitted by the user is valid, executing the transfer now")
	if err := writeJSON(w, http.StatusOK, models.ExecuteResponse{Success: true, MainTxID: e.Main.TxID}); err != nil {
		return err
	}

	s.detach(r, func(ctx context.Context) {
		// failures are alerted by the relay service
		_ = s.relay.Settle(ctx, e)
	})
	return nil
}

// handleApprove answers once the approval executed; returning the rented
// energy happens afterwards.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) error {
	var req models.ApproveRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		return err
	}
	d, err := s.relay.ValidateApproval(r.Context(), req.ApproveTx)
	if err != nil {
		return err
	}
	a, err := s.relay.SettleApproval(r.Context(), d, clientIP(r))
	if err != nil {
		return err
	}
	if err := writeJSON(w, http.StatusOK, models.TxResponse{Success: true, TxID: d.TxID}); err != nil {
		return err
	}

	s.detach(r, func(ctx context.Context) {
		_ = s.relay.FinishApproval(ctx, a)
	})
	return nil
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) error {
	var req models.TransferRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		return err
	}
	t, err := s.relay.ParseTransfer(r.Context(), req)
	if err != nil {
		return err
	}
	rc, err := s.relay.Transfer(r.Context(), t, clientIP(r))
	if err != nil {
		return err
	}
	if err := writeJSON(w, http.StatusOK, models.TxResponse{Success: true, TxID: rc.TxID}); err != nil {
		return err
	}

	s.detach(r, func(ctx context.Context) {
		s.relay.FinishTransfer(ctx, rc)
	})
	return nil
}

type successResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleSetEncryptionKey(w http.ResponseWriter, r *http.Request) error {
	var req models.SetEncryptionKeyRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		return err
	}
	if req.DeviceID == "" || req.EncryptionKey == "" {
		return &requestError{reason: "deviceId and encryptionKey are required"}
	}
	if err := s.keys.SetEncryptionKey(r.Context(), req.DeviceID, req.EncryptionKey, req.Pin); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleGetEncryptionKey(w http.ResponseWriter, r *http.Request) error {
	var req models.GetEncryptionKeyRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		return err
	}
	key, err := s.keys.GetEncryptionKey(r.Context(), req.DeviceID, req.Pin)
	if err != nil {
		return err
	}
	logging.FromContext(r.Context(), s.logger).Info("found an encryption key")
	return writeJSON(w, http.StatusOK, models.EncryptionKeyResponse{Success: true, EncryptionKey: key})
}
