package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SignaturePrefix precedes the hex digest in the signature header.
const SignaturePrefix = "sha256="

// Header names sent with every delivery.
const (
	HeaderSignature   = "X-Webhook-Signature"
	HeaderTimestamp   = "X-Webhook-Timestamp"
	HeaderIdempotency = "X-Webhook-Idempotency-Key"
	HeaderDeliveryID  = "X-Webhook-Id"
	HeaderAttempt     = "X-Webhook-Attempt"
)

// GenerateSecret returns a fresh endpoint secret: 32 random bytes, hex.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes the delivery signature over "{timestamp}.{body}".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature with a constant-time compare
// and rejects timestamps outside the tolerance window, in either direction.
func VerifySignature(secret, signature string, timestamp int64, body []byte, tolerance time.Duration) error {
	age := time.Since(time.Unix(timestamp, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("webhook timestamp outside tolerance")
	}
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}

// IdempotencyKey derives the stable dedup key for one logical event.
func IdempotencyKey(swapID string, event EventType, timestamp int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s.%s.%d", swapID, event, timestamp)))
	return hex.EncodeToString(sum[:])
}
