package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the delivery signature on every webhook request.
const SignatureHeader = "X-Signature"

// SignHMAC signs a delivery payload for SignatureHeader: hex of the
// HMAC-SHA256 of the exact bytes sent, keyed by the subscription secret.
func SignHMAC(secret string, payload []byte) string {
	return hex.EncodeToString(payloadMAC(secret, payload))
}

// VerifyHMAC is the receiver side of SignHMAC. A "sha256=" prefix and
// upper-case hex are accepted.
func VerifyHMAC(secret string, payload []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(payloadMAC(secret, payload), got)
}

func payloadMAC(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
