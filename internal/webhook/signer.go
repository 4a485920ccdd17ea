package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Delivery headers attached to every webhook request.
const (
	HeaderSignature = "X-Diveguard-Signature"
	HeaderEvent     = "X-Diveguard-Event"
	HeaderDelivery  = "X-Diveguard-Delivery"
	HeaderTimestamp = "X-Diveguard-Timestamp"

	signaturePrefix = "sha256="
	secretBytes     = 32
)

// GenerateSecret returns a random hex-encoded signing secret.
// Params: none.
// Returns: 64-char secret or entropy read error.
func GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Sign computes the signature header value for one request.
// Params: shared secret, unix timestamp sent in HeaderTimestamp, and raw body.
// Returns: "sha256=<hex hmac>" over "<timestamp>.<body>".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature header value in constant time.
// Params: shared secret, timestamp header, raw body, and received signature.
// Returns: true when signature matches.
func Verify(secret string, timestamp int64, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
