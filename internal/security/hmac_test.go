package security

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedVerifier(secret string, now time.Time) *Verifier {
	v := NewVerifier(secret, 0)
	v.now = func() time.Time { return now }
	return v
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var ve *VerifyError
	require.True(t, errors.As(err, &ve), "want VerifyError, got %v", err)
	return ve.Reason
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier("s3cret", now)
	body := []byte(`{"prompt":"hi"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	require.NoError(t, v.Verify(ts, Sign("s3cret", now.Unix(), body), body))

	tests := []struct {
		name string
		ts   string
		sig  string
		want Reason
	}{
		{"non-numeric timestamp", "yesterday", Sign("s3cret", now.Unix(), body), ReasonTimestampInvalid},
		{"stale timestamp", strconv.FormatInt(now.Unix()-301, 10), Sign("s3cret", now.Unix()-301, body), ReasonTimestampSkew},
		{"future timestamp", strconv.FormatInt(now.Unix()+301, 10), Sign("s3cret", now.Unix()+301, body), ReasonTimestampSkew},
		{"missing prefix", ts, strings.TrimPrefix(Sign("s3cret", now.Unix(), body), "sha256="), ReasonSignatureFormat},
		{"not hex", ts, "sha256=zz", ReasonSignatureFormat},
		{"wrong secret", ts, Sign("other", now.Unix(), body), ReasonSignatureMismatch},
		{"other body", ts, Sign("s3cret", now.Unix(), []byte(`{}`)), ReasonSignatureMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reasonOf(t, v.Verify(tt.ts, tt.sig, body)))
		})
	}
}

func TestVerifyWithinSkew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier("k", now)
	ts := now.Unix() - 299
	assert.NoError(t, v.Verify(strconv.FormatInt(ts, 10), Sign("k", ts, nil), nil))
}

func TestVerifierDisabledWithoutSecret(t *testing.T) {
	v := NewVerifier("", time.Minute)
	assert.False(t, v.Enabled())
	assert.NoError(t, v.Verify("", "", []byte("anything")))
}

func TestMiddleware(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier("k", now)
	var seen string
	h := v.Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"job_id":"j1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/job/submit", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign("k", now.Unix(), []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "body must be restored for the handler")

	req = httptest.NewRequest(http.MethodPost, "/api/job/submit", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "timestamp-invalid")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "GET routes are not signed")
}

func TestMiddlewareOversizedBody(t *testing.T) {
	v := fixedVerifier("k", time.Unix(1_700_000_000, 0))
	called := false
	h := v.Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/llm/call", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 16)
	h.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, false, m["ok"])
	assert.Equal(t, "body exceeds 16 bytes", m["error"])
}
