package ids

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SignPayload computes the webhook signature over "timestamp.body"
// and returns it with the sha256= prefix.
func SignPayload(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	expected := SignPayload(secret, timestamp, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HashAPIKey produces the stored form of an API key: hex(sha256(raw + salt)).
func HashAPIKey(raw, salt string) string {
	sum := sha256.Sum256([]byte(raw + salt))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey generates a raw API key. The raw value is returned to the
// caller exactly once; only the salted hash is persisted.
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "aurea_" + hex.EncodeToString(buf), nil
}

func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
