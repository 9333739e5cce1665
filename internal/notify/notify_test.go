package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_DeliversSignedPayload(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Starledger-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "notify-secret", nil)
	s.Notify(context.Background(), "u42", "Payment received: 50 stars")

	var msg Message
	require.NoError(t, json.Unmarshal(gotBody, &msg))
	assert.Equal(t, "u42", msg.UserID)
	assert.Equal(t, "Payment received: 50 stars", msg.Text)

	mac := hmac.New(sha256.New, []byte("notify-secret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestHTTPSender_NoSignatureWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Starledger-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "", nil)
	s.Notify(context.Background(), "u1", "hello")
	assert.Empty(t, gotSig)
}

func TestHTTPSender_RetriesTransientFailures(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "s", nil)
	s.retryBase = time.Millisecond
	s.Notify(context.Background(), "u1", "hello")
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestHTTPSender_ClientErrorNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "s", nil)
	s.retryBase = time.Millisecond
	s.Notify(context.Background(), "u1", "hello")
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestHTTPSender_FailureDoesNotPanic(t *testing.T) {
	// Unreachable endpoint is swallowed, never propagated.
	s := NewHTTPSender("http://127.0.0.1:0", "s", nil)
	s.retryBase = time.Millisecond
	s.Notify(context.Background(), "u1", "hello")
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(nil)
	s.Notify(context.Background(), "u1", "hello")
}
