package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// header names the provider uses for webhook signatures
const (
	SignatureHeader    = "Chapa-Signature"
	AltSignatureHeader = "x-chapa-signature"
)

// VerifySignature checks a hex HMAC-SHA256 of the raw webhook body
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	return hmac.Equal(given, sign(payload, secret))
}

// Sign creates the signature the provider would send, for tests and tooling
func Sign(payload []byte, secret string) string {
	return hex.EncodeToString(sign(payload, secret))
}

func sign(payload []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}
