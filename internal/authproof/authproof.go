// Package authproof computes the zero-knowledge HMAC proof sent in response
// to a signaling auth_challenge. The session key never leaves the process;
// only a proof of possession does.
package authproof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Generate computes proof = hex(HMAC-SHA256(hex_decode(key), payload)) where
// payload = "openpull-auth|v1|<publicToken>|<role>|<nonce>|<timestamp>".
//
// The wire format is bit-exact and must not change: remote readers and
// appenders compute the same proof independently from the shared key.
func Generate(key, publicToken, role, nonce string, timestamp int64) (string, error) {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}

	payload := Payload(publicToken, role, nonce, timestamp)

	mac := hmac.New(sha256.New, keyBytes)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Payload returns the canonical string signed by Generate, exposed so
// callers can reason about or log the exact bytes under HMAC.
func Payload(publicToken, role, nonce string, timestamp int64) string {
	return fmt.Sprintf("openpull-auth|v1|%s|%s|%s|%d", publicToken, role, nonce, timestamp)
}

// Verify recomputes the proof and compares it to proof in constant time.
func Verify(key, publicToken, role, nonce string, timestamp int64, proof string) (bool, error) {
	want, err := Generate(key, publicToken, role, nonce, timestamp)
	if err != nil {
		return false, err
	}
	wantBytes, err := hex.DecodeString(want)
	if err != nil {
		return false, err
	}
	gotBytes, err := hex.DecodeString(proof)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(wantBytes, gotBytes), nil
}
