package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/notify"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/pin"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/quote"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/relay"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

type fakeRelayer struct {
	mu sync.Mutex

	validateErr error
	settleCtx   context.Context
	settled     []string
	clientIP    string
	finished    int
	panicOn     string
}

func (f *fakeRelayer) ValidateExecution(ctx context.Context, mainTx, feeTx models.SignedPayload) (*relay.Execution, error) {
	if f.panicOn == "execute" {
		panic("boom")
	}
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &relay.Execution{Main: &codec.DecodedTransaction{TxID: mainTx.RawDataHex}}, nil
}

func (f *fakeRelayer) Settle(ctx context.Context, e *relay.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCtx = ctx
	f.settled = append(f.settled, e.Main.TxID)
	f.clientIP = e.ClientIP
	return nil
}

func (f *fakeRelayer) ValidateApproval(ctx context.Context, approveTx models.SignedPayload) (*codec.DecodedTransaction, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &codec.DecodedTransaction{TxID: "approval-tx"}, nil
}

func (f *fakeRelayer) SettleApproval(ctx context.Context, d *codec.DecodedTransaction, clientIP string) (*relay.Approval, error) {
	return &relay.Approval{Tx: d, ClientIP: clientIP}, nil
}

func (f *fakeRelayer) FinishApproval(ctx context.Context, a *relay.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
	return nil
}

func (f *fakeRelayer) ParseTransfer(ctx context.Context, req models.TransferRequest) (*relay.RouterTransfer, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &relay.RouterTransfer{}, nil
}

func (f *fakeRelayer) Transfer(ctx context.Context, t *relay.RouterTransfer, clientIP string) (*relay.TransferReceipt, error) {
	return &relay.TransferReceipt{TxID: "router-tx", ClientIP: clientIP}, nil
}

func (f *fakeRelayer) FinishTransfer(ctx context.Context, rc *relay.TransferReceipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
}

type fakeQuotes struct {
	err error
}

func (f fakeQuotes) CalculateQuote(ctx context.Context, recipient wallet.Address) (*quote.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &quote.Quote{TotalFeeUSDT: decimal.RequireFromString("1.49600216")}, nil
}

type fakeKeys struct {
	key string
	err error
}

func (f *fakeKeys) SetEncryptionKey(ctx context.Context, deviceID, key string, pin int64) error {
	f.key = key
	return f.err
}

func (f *fakeKeys) GetEncryptionKey(ctx context.Context, deviceID string, pin int64) (string, error) {
	return f.key, f.err
}

type testServer struct {
	srv      *Server
	handler  http.Handler
	relay    *fakeRelayer
	keys     *fakeKeys
	notifier *notify.Recorder
}

func newTestServer(t *testing.T, quotes fakeQuotes) *testServer {
	t.Helper()
	ts := &testServer{relay: &fakeRelayer{}, keys: &fakeKeys{}, notifier: &notify.Recorder{}}
	ts.srv = NewServer(ts.relay, quotes, ts.keys, ts.notifier, nil)
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Liveness(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})
	rec := ts.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ha-ha!", rec.Body.String())
}

func TestServer_NotFound(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})
	for _, tc := range []struct{ method, path, want string }{
		{http.MethodGet, "/nope?x=1", "Route GET:/nope?x=1 not found"},
		{http.MethodGet, "/execute", "Route GET:/execute not found"},
	} {
		rec := ts.do(tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, tc.want, body["message"])
		assert.Equal(t, "Not Found", body["error"])
		assert.EqualValues(t, 404, body["statusCode"])
	}
}

func TestServer_GetQuote(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})
	rec := ts.do(http.MethodPost, "/get-quote", `{"to":"TVEb1YNkCRmNyHMgNfyovCSm4vvvWVPcF4","from":"x","amount":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.49600216", decodeBody(t, rec)["feeInUSDT"])

	rec = ts.do(http.MethodPost, "/get-quote", `{"to":"not-an-address"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_GetQuoteUpstreamFailureIsInternal(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{err: errors.New("marketplace quote: 502")})
	rec := ts.do(http.MethodPost, "/get-quote", `{"to":"TVEb1YNkCRmNyHMgNfyovCSm4vvvWVPcF4"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, internalErrorMessage, decodeBody(t, rec)["error"])
	require.Len(t, ts.notifier.Alerts(), 1)
	assert.Contains(t, ts.notifier.Alerts()[0], "502")
}

func TestServer_ExecuteSettlesAfterResponding(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})
	rec := ts.do(http.MethodPost, "/execute",
		`{"mainTx":{"rawDataHex":"main","signature":"s"},"feeTx":{"rawDataHex":"fee","signature":"s"}}`,
		"True-Client-IP", "203.0.113.7")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "main", body["mainTxID"])

	ts.srv.Wait()
	ts.relay.mu.Lock()
	defer ts.relay.mu.Unlock()
	assert.Equal(t, []string{"main"}, ts.relay.settled)
	assert.Equal(t, "203.0.113.7", ts.relay.clientIP)
	assert.NoError(t, ts.relay.settleCtx.Err(), "settlement must outlive the request")
}

func TestServer_ValidationFailureIs429(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})
	ts.relay.validateErr = &relay.ValidationError{Reason: "mainTx and feeTx must be sent from the same address"}

	for _, path := range []string{"/execute", "/approve", "/transfer"} {
		rec := ts.do(http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, path)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "mainTx and feeTx must be sent from the same address", body["error"])
	}
	ts.srv.Wait()
	assert.Empty(t, ts.relay.settled)
	assert.Empty(t, ts.notifier.Alerts())
}

func TestServer_MalformedBodyIs429(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})
	rec := ts.do(http.MethodPost, "/execute", `{"mainTx":`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "invalid JSON body")
}

func TestServer_PanicIs500(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})
	ts.relay.panicOn = "execute"
	rec := ts.do(http.MethodPost, "/execute", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, ts.notifier.Alerts(), 1)
}

func TestServer_ApproveAndTransfer(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})

	rec := ts.do(http.MethodPost, "/approve", `{"approveTx":{"rawDataHex":"00","signature":"00"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approval-tx", decodeBody(t, rec)["txID"])

	rec = ts.do(http.MethodPost, "/transfer", `{"from":"a","v":27}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "router-tx", decodeBody(t, rec)["txID"])

	ts.srv.Wait()
	assert.Equal(t, 2, ts.relay.finished)
}

func TestServer_EncryptionKeys(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})

	rec := ts.do(http.MethodPost, "/setEncryptionKey", `{"deviceId":"d1","encryptionKey":"k1","pin":1234}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	rec = ts.do(http.MethodPost, "/getEncryptionKey", `{"deviceId":"d1","pin":1234}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "k1", decodeBody(t, rec)["encryptionKey"])

	ts.keys.err = &pin.Error{Code: pin.CodeWrongPin, RemainingAttempts: 3}
	rec = ts.do(http.MethodPost, "/getEncryptionKey", `{"deviceId":"d1","pin":1}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, map[string]any{"code": "wrong-pin", "remainingAttempts": float64(3)}, body["error"])
	assert.Empty(t, ts.notifier.Alerts())
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t, fakeQuotes{})

	rec := ts.do(http.MethodOptions, "/execute", "",
		"Origin", "https://wallet.example",
		"Access-Control-Request-Headers", "content-type")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://wallet.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))

	rec = ts.do(http.MethodGet, "/", "", "Origin", "https://wallet.example")
	assert.Equal(t, "https://wallet.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"true client ip", map[string]string{"True-Client-IP": "198.51.100.1", "X-Forwarded-For": "10.0.0.1"}, "10.0.0.2:5000", "198.51.100.1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.1"}, "10.0.0.2:5000", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.9:5000", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
