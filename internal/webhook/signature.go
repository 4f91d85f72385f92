package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const (
	// SignatureHeader carries the "sha256=<hex>" digest of the body.
	SignatureHeader = "X-Hub-Signature-256"

	SignaturePrefix = "sha256="
)

// VerifySignature reports whether header is the "sha256=" prefixed hex
// HMAC-SHA256 of body keyed by secret. The whole header is compared in
// constant time. Missing input fails closed.
func VerifySignature(body []byte, header string, secret []byte) bool {
	if header == "" || len(secret) == 0 {
		return false
	}
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
