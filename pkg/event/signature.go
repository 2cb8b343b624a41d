package event

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNoSecret means the endpoint has no signing secret configured.
	// This is an operator error, not a rejected request.
	ErrNoSecret = errors.New("webhook secret is not configured")

	// ErrInvalidSignature means the request signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign computes the provider's webhook signature for a raw body:
// keccak256(body || secret), hex-encoded with a 0x prefix.
func Sign(body []byte, secret string) string {
	msg := make([]byte, 0, len(body)+len(secret))
	msg = append(msg, body...)
	msg = append(msg, secret...)
	return crypto.Keccak256Hash(msg).Hex()
}

// VerifySignature checks the signature header against the raw,
// unparsed request body. It must be called before any JSON decoding:
// re-serializing a parsed body can change byte layout and break the
// signature.
func VerifySignature(body []byte, header, secret string) error {
	if secret == "" {
		return ErrNoSecret
	}

	want := strings.TrimPrefix(Sign(body, secret), "0x")
	got := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(header)), "0x")

	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
