package pairing

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SignatureSize is the claim tag length (HMAC-SHA256).
const SignatureSize = sha256.Size

// ComputeClaimHMAC returns HMAC-SHA256(secret, deviceID || childID || nonce).
// The device ID and nonce length are fixed per device, so the concatenation
// leaves no ambiguity about where childID ends.
func ComputeClaimHMAC(secret []byte, deviceID, childID string, nonce []byte) [SignatureSize]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(deviceID))
	mac.Write([]byte(childID))
	mac.Write(nonce)
	var out [SignatureSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyClaimSignature recomputes the claim tag and compares it with
// signature in constant time.
func VerifyClaimSignature(secret []byte, deviceID, childID string, nonce, signature []byte) bool {
	if len(signature) != SignatureSize || len(secret) == 0 {
		return false
	}
	expected := ComputeClaimHMAC(secret, deviceID, childID, nonce)
	ok := hmac.Equal(expected[:], signature)
	for i := range expected {
		expected[i] = 0
	}
	return ok
}
