// Package api serves the relayer's HTTP routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/notify"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/pin"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/quote"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/relay"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

const maxRequestBodyBytes = 1 << 20

const internalErrorMessage = "Internal Server Error. Contact the developer immediately!"

// Relayer runs the on-chain side of /execute, /approve and /transfer.
// Validation methods return *relay.ValidationError for client mistakes.
type Relayer interface {
	ValidateExecution(ctx context.Context, mainTx, feeTx models.SignedPayload) (*relay.Execution, error)
	Settle(ctx context.Context, e *relay.Execution) error

	ValidateApproval(ctx context.Context, approveTx models.SignedPayload) (*codec.DecodedTransaction, error)
	SettleApproval(ctx context.Context, d *codec.DecodedTransaction, clientIP string) (*relay.Approval, error)
	FinishApproval(ctx context.Context, a *relay.Approval) error

	ParseTransfer(ctx context.Context, req models.TransferRequest) (*relay.RouterTransfer, error)
	Transfer(ctx context.Context, t *relay.RouterTransfer, clientIP string) (*relay.TransferReceipt, error)
	FinishTransfer(ctx context.Context, rc *relay.TransferReceipt)
}

// Quoter prices a transfer to recipient.
type Quoter interface {
	CalculateQuote(ctx context.Context, recipient wallet.Address) (*quote.Quote, error)
}

// KeyEscrow stores encryption keys behind a PIN.
type KeyEscrow interface {
	SetEncryptionKey(ctx context.Context, deviceID, key string, pin int64) error
	GetEncryptionKey(ctx context.Context, deviceID string, pin int64) (string, error)
}

// Server holds the route handlers and the work they leave running after a response.
type Server struct {
	relay    Relayer
	quotes   Quoter
	keys     KeyEscrow
	notifier notify.Notifier
	logger   *slog.Logger

	background sync.WaitGroup
}

func NewServer(relayer Relayer, quotes Quoter, keys KeyEscrow, notifier notify.Notifier, logger *slog.Logger) *Server {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		relay:    relayer,
		quotes:   quotes,
		keys:     keys,
		notifier: notifier,
		logger:   logger.With("component", "api"),
	}
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /get-quote", s.route("get-quote", s.handleGetQuote))
	mux.Handle("POST /execute", s.route("execute", s.handleExecute))
	mux.Handle("POST /approve", s.route("approve", s.handleApprove))
	mux.Handle("POST /transfer", s.route("transfer", s.handleTransfer))
	mux.Handle("POST /setEncryptionKey", s.route("setEncryptionKey", s.handleSetEncryptionKey))
	mux.Handle("POST /getEncryptionKey", s.route("getEncryptionKey", s.handleGetEncryptionKey))
	mux.Handle("GET /{$}", s.route("root", func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, err := w.Write([]byte("ha-ha!"))
		return err
	}))
	mux.Handle("/", s.route("not-found", s.handleNotFound))
	return cors(mux)
}

// Wait blocks until settlements started by handlers have finished.
func (s *Server) Wait() {
	s.background.Wait()
}

// detach runs fn after the response with a context that outlives the request.
func (s *Server) detach(r *http.Request, fn func(ctx context.Context)) {
	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(ctx)
	}()
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// requestError is a malformed body or parameter.
type requestError struct {
	reason string
}

func (e *requestError) Error() string {
	return e.reason
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &requestError{reason: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}

// rejected reports whether err was caused by the client, not by the relayer.
func rejected(err error) bool {
	var ve *relay.ValidationError
	var de *codec.DecodeError
	var re *requestError
	return errors.As(err, &ve) || errors.As(err, &de) || errors.As(err, &re)
}

// writeError maps a handler error to a response. Client mistakes get 429 with
// the reason; anything else is a 500 and an alert.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context(), s.logger)

	var pe *pin.Error
	if errors.As(err, &pe) {
		log.Info("not returning encryption key", "reason", pe.Error())
		writeJSON(w, http.StatusTooManyRequests, pinFailure{Success: false, Error: pe})
		return
	}
	if rejected(err) {
		log.Info("request rejected", "reason", err.Error())
		writeJSON(w, http.StatusTooManyRequests, models.FailureResponse{Success: false, Error: err.Error()})
		return
	}

	log.Error("got an unhandled error", "error", err)
	if aerr := s.notifier.Alert(r.Context(), err.Error()); aerr != nil {
		log.Warn("alert failed", "error", aerr)
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: internalErrorMessage})
}

type errorResponse struct {
	Error string `json:"error"`
}

type pinFailure struct {
	Success bool       `json:"success"`
	Error   *pin.Error `json:"error"`
}

type notFoundResponse struct {
	Message    string `json:"message"`
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) error {
	msg := fmt.Sprintf("Route %s:%s not found", r.Method, r.URL.RequestURI())
	logging.FromContext(r.Context(), s.logger).Info(msg)
	return writeJSON(w, http.StatusNotFound, notFoundResponse{Message: msg, Error: "Not Found", StatusCode: http.StatusNotFound})
}
