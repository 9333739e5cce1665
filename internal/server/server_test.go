package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genbot/starledger/internal/config"
)

const testSecret = "test-secret"

type nullSender struct{}

func (nullSender) Notify(ctx context.Context, userID, message string) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		StarUnitValue:  0.016,
		Markup:         2.0,
		MerchantLogin:  "genbot",
		PaymentSecret:  testSecret,
		PaymentSecret2: testSecret,
	}
	require.NoError(t, cfg.Validate())

	s, err := New(cfg, WithSender(nullSender{}))
	require.NoError(t, err)
	s.ready.Store(true)
	return s
}

func (s *Server) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := s.do("GET", path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := s.do("GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := s.do("GET", "/health/live", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "upstream-7")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "upstream-7", rec.Header().Get("X-Request-ID"))
}

func TestServices(t *testing.T) {
	s := newTestServer(t)

	w := s.do("GET", "/v1/services", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Count)

	// 0.04 base * 2 markup / 0.016 star unit = 5 stars.
	w = s.do("GET", "/v1/services/image.sd3/quote", "")
	require.Equal(t, http.StatusOK, w.Code)
	var quote struct {
		PriceStars int64 `json:"priceStars"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	assert.EqualValues(t, 5, quote.PriceStars)

	w = s.do("GET", "/v1/services/image.nope/quote", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestTopUpAndSpendFlow walks the whole loop the bot drives: payment
// callback credits stars, a charge reserves them, history and
// reconciliation agree.
func TestTopUpAndSpendFlow(t *testing.T) {
	s := newTestServer(t)

	// Provider confirms a 0.80 payment: 50 stars.
	form := url.Values{}
	form.Set("OutSum", "0.80")
	form.Set("InvId", "inv-1")
	form.Set("shp_user", "u1")
	sum := md5.Sum([]byte(fmt.Sprintf("0.80:inv-1:%s:shp_user=u1", testSecret)))
	form.Set("SignatureValue", hex.EncodeToString(sum[:]))

	req := httptest.NewRequest("POST", "/v1/payments/result", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OKinv-1", w.Body.String())

	w = s.do("GET", "/v1/users/u1/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.EqualValues(t, 50, bal.Balance)

	// Charge for a generation: image.sd3 costs 5 stars.
	w = s.do("POST", "/v1/users/u1/charge", `{"serviceId":"image.sd3"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do("GET", "/v1/users/u1/balance", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.EqualValues(t, 45, bal.Balance)

	// Charging beyond the balance returns the shortfall, untouched balance.
	w = s.do("POST", "/v1/users/u1/charge", `{"serviceId":"video.runway"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")

	w = s.do("GET", "/v1/users/u1/balance", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.EqualValues(t, 45, bal.Balance)

	// Refund the charge after a failed generation.
	w = s.do("POST", "/v1/users/u1/refund", `{"stars":5,"reason":"generation failed"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do("GET", "/v1/users/u1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 4, hist.Count, "credit, debit, failed debit, refund")

	w = s.do("POST", "/admin/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec struct {
		Checked    int `json:"checked"`
		Mismatches int `json:"mismatches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Zero(t, rec.Mismatches)
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	s := newTestServer(t)

	form := url.Values{}
	form.Set("OutSum", "0.80")
	form.Set("InvId", "inv-2")
	form.Set("shp_user", "u2")
	form.Set("SignatureValue", "deadbeef")

	req := httptest.NewRequest("POST", "/v1/payments/result", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestShutdownStopsRun(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
