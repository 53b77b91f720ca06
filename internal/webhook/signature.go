// Package webhook authenticates inbound third-party push notifications and
// routes their events to backend commands.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for signature verification. ErrMissingSecret is an
// operator fault and must never be reported to the remote sender as an
// authentication failure; the other two are caller-attributable.
var (
	ErrMissingSecret    = errors.New("webhook: signing secret not configured")
	ErrMissingSignature = errors.New("webhook: signature header missing")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// Scheme computes a provider's encoded HMAC digest over the raw request
// bytes. One implementation exists per (hash, encoding) pair; providers
// select a scheme through configuration rather than duplicating the logic.
type Scheme interface {
	Name() string
	Digest(secret string, body []byte) string
}

// HexSHA512 is the hex-encoded HMAC-SHA512 scheme. The header value is
// compared byte-exactly, case included.
type HexSHA512 struct{}

func (HexSHA512) Name() string { return "hex-sha512" }

func (HexSHA512) Digest(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Base64SHA256 is the base64-encoded HMAC-SHA256 scheme. Surrounding
// whitespace on the header value is ignored.
type Base64SHA256 struct{}

func (Base64SHA256) Name() string { return "base64-sha256" }

func (Base64SHA256) Digest(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks the provided signature against the digest computed over the
// untouched wire payload. body must be the exact bytes received; any
// re-serialization breaks the comparison. The compare runs in constant time
// over the encoded forms.
func Verify(scheme Scheme, secret string, body []byte, provided string) error {
	if scheme == nil {
		return errors.New("webhook: scheme is required")
	}
	if secret == "" {
		return ErrMissingSecret
	}

	trimmed := strings.TrimSpace(provided)
	if trimmed == "" {
		return ErrMissingSignature
	}
	if _, ok := scheme.(Base64SHA256); !ok {
		// Only the base64 scheme tolerates surrounding whitespace.
		trimmed = provided
	}

	computed := scheme.Digest(secret, body)
	if !hmac.Equal([]byte(computed), []byte(trimmed)) {
		return fmt.Errorf("%w (%s)", ErrInvalidSignature, scheme.Name())
	}
	return nil
}
