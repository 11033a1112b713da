// Package security verifies HMAC-signed requests on the POST routes.
package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/metrics"
)

const (
	HeaderTimestamp = "X-Webrelay-Timestamp"
	HeaderSignature = "X-Webrelay-Signature"

	signaturePrefix = "sha256="
	DefaultSkew     = 300 * time.Second
)

// Reason is the machine-readable cause of a rejected signature.
type Reason string

const (
	ReasonTimestampInvalid  Reason = "timestamp-invalid"
	ReasonTimestampSkew     Reason = "timestamp-skew"
	ReasonSignatureFormat   Reason = "signature-format"
	ReasonSignatureMismatch Reason = "signature-mismatch"
)

// VerifyError is returned by Verify for any rejected request.
type VerifyError struct {
	Reason Reason
}

func (e *VerifyError) Error() string { return "hmac: " + string(e.Reason) }

// Verifier checks X-Webrelay-Signature against the shared secret. A Verifier
// with an empty secret accepts everything.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{secret: []byte(secret), skew: skew, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Sign returns the signature header value for body sent at ts (unix seconds).
func Sign(secret string, ts int64, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac([]byte(secret), strconv.FormatInt(ts, 10), body))
}

func mac(secret []byte, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// Verify checks one request. ts and sig are the raw header values.
func (v *Verifier) Verify(ts, sig string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	ts = strings.TrimSpace(ts)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &VerifyError{Reason: ReasonTimestampInvalid}
	}
	if math.Abs(float64(v.now().Unix()-sec)) > v.skew.Seconds() {
		return &VerifyError{Reason: ReasonTimestampSkew}
	}
	sig = strings.TrimSpace(sig)
	if !strings.HasPrefix(sig, signaturePrefix) {
		return &VerifyError{Reason: ReasonSignatureFormat}
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil || len(got) != sha256.Size {
		return &VerifyError{Reason: ReasonSignatureFormat}
	}
	if !hmac.Equal(got, mac(v.secret, ts, body)) {
		return &VerifyError{Reason: ReasonSignatureMismatch}
	}
	return nil
}

// Middleware rejects unsigned or badly signed POST requests with 401. The
// body is buffered and restored for the next handler.
func (v *Verifier) Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !v.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
					return
				}
				writeJSONError(w, http.StatusBadRequest, "read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			if err := v.Verify(r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body); err != nil {
				reason := "invalid"
				var ve *VerifyError
				if errors.As(err, &ve) {
					reason = string(ve.Reason)
				}
				logger.Warn().Str("path", r.URL.Path).Str("reason", reason).Msg("signature_rejected")
				metrics.IncRejected("http", "signature")
				writeJSONError(w, http.StatusUnauthorized, "unauthorized: "+reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": msg})
}
