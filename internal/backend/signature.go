package backend

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"taskbridge/internal/config"
)

// Sign computes the webhook signature for a raw body under a scheme. When
// the scheme covers a timestamp, the signed message is "timestamp.body".
func Sign(sig config.SignatureConfig, secret string, body []byte, timestamp string) string {
	msg := body
	if sig.WithTimestamp {
		msg = append(append([]byte(timestamp), '.'), body...)
	}
	switch sig.Scheme {
	case config.SchemeHMACSHA1Hex:
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(msg)
		return hex.EncodeToString(mac.Sum(nil))
	case config.SchemeHMACSHA256Base64:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(msg)
		return base64.StdEncoding.EncodeToString(mac.Sum(nil))
	default: // hmac-sha256-hex
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(msg)
		return hex.EncodeToString(mac.Sum(nil))
	}
}

// VerifySignature checks the declared header against a recomputed signature
// in constant time. A missing header always fails.
func VerifySignature(sig config.SignatureConfig, secret string, headers http.Header, body []byte) bool {
	got := strings.TrimSpace(headers.Get(sig.Header))
	if got == "" {
		return false
	}
	timestamp := ""
	if sig.WithTimestamp {
		timestamp = strings.TrimSpace(headers.Get(sig.TimestampHeader))
		if timestamp == "" {
			return false
		}
	}
	want := Sign(sig, secret, body, timestamp)
	return hmac.Equal([]byte(got), []byte(want))
}
