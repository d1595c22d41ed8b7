// Package signing verifies HMAC-signed requests from trusted schedulers.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"
)

const (
	TimestampHeader = "X-Expiryguard-Timestamp"
	SignatureHeader = "X-Expiryguard-Signature"

	// MaxSkew bounds how old a signed request may be, against replays.
	MaxSkew = 5 * time.Minute
)

// AuthCheck rejects requests whose signature does not match
// "v0=" + hex(hmac-sha256(signingKey, "v0:<timestamp>:<body>")). An empty
// signingKey disables the check.
func AuthCheck(signingKey string, clk clock.Clock) func(handler http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if signingKey == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timestamp := r.Header.Get(TimestampHeader)

			ts, err := strconv.ParseInt(timestamp, 10, 64)
			if err != nil {
				logrus.Warn("Missing or malformed request timestamp")

				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			if age := clk.Now().Sub(time.Unix(ts, 0)); age > MaxSkew || age < -MaxSkew {
				logrus.Warnf("Request timestamp outside allowed skew: %s", age)

				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			b, err := io.ReadAll(r.Body)
			if err != nil {
				logrus.Errorf("Could not read request body: %s", err)

				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			expected := fmt.Sprintf("v0=%s", Sign(b, timestamp, signingKey))
			if !hmac.Equal([]byte(r.Header.Get(SignatureHeader)), []byte(expected)) {
				logrus.Warn("Invalid request signature")

				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(b)) // Body already consumed, must re-initialize

			next.ServeHTTP(w, r)
		})
	}
}

// Sign returns the hex signature a client sends after the "v0=" prefix.
func Sign(payload []byte, timestamp string, signingKey string) string {
	hs := fmt.Sprintf("v0:%s:%s", timestamp, string(payload))

	hash := hmac.New(sha256.New, []byte(signingKey))
	hash.Write([]byte(hs))

	return hex.EncodeToString(hash.Sum(nil))
}
