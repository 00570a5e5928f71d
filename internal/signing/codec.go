// Package signing implements the tamper-evident encoding used for approval
// cookies and for state values that round-trip through the browser.
//
// A signed value has the form
//
//	<hex(HMAC-SHA256(secret, payload))>.<base64(payload)>
//
// where payload is the JSON encoding of the signed value. Verification
// checks the signature over the raw decoded bytes before the JSON is parsed,
// so attacker-controlled input never reaches the JSON decoder unless it was
// signed with the secret.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidFormat means the value is not two parts around a single ".".
	ErrInvalidFormat = errors.New("invalid signed value format")
	// ErrSignatureFailed means the signature did not match. Payloads that
	// are not valid base64 are reported the same way.
	ErrSignatureFailed = errors.New("signature verification failed")
	// ErrPayloadDecode means the payload was authentic but not valid JSON
	// for the requested type.
	ErrPayloadDecode = errors.New("signed payload decode failed")
)

// Signer produces and checks message authentication codes.
type Signer interface {
	Sign(data []byte) []byte
	Verify(data, sig []byte) bool
}

// HMACSigner is a Signer backed by HMAC-SHA256.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a signer for key. The key is copied.
func NewHMACSigner(key []byte) *HMACSigner {
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k}
}

// Sign returns the HMAC-SHA256 of data.
func (s *HMACSigner) Sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether sig is the MAC of data, in constant time.
func (s *HMACSigner) Verify(data, sig []byte) bool {
	return hmac.Equal(s.Sign(data), sig)
}

// Codec signs and verifies JSON payloads.
type Codec struct {
	signer Signer
}

// NewCodec validates secret and returns a codec signing with HMAC-SHA256.
func NewCodec(secret string) (*Codec, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	return &Codec{signer: NewHMACSigner([]byte(secret))}, nil
}

// NewCodecWithSigner returns a codec using an existing signer.
func NewCodecWithSigner(signer Signer) *Codec {
	return &Codec{signer: signer}
}

// Sign encodes payload as JSON and returns the signed value.
func (c *Codec) Sign(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return c.SignBytes(raw), nil
}

// SignBytes returns the signed value for raw bytes.
func (c *Codec) SignBytes(raw []byte) string {
	sig := c.signer.Sign(raw)
	return hex.EncodeToString(sig) + "." + base64.StdEncoding.EncodeToString(raw)
}

// Verify checks value and, when authentic, decodes its payload into out.
func (c *Codec) Verify(value string, out any) error {
	raw, err := c.VerifyBytes(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	return nil
}

// VerifyBytes checks value and returns the authentic raw payload.
func (c *Codec) VerifyBytes(value string) ([]byte, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidFormat
	}

	// Signatures must be canonical lowercase hex.
	sig, err := hex.DecodeString(parts[0])
	if err != nil || hex.EncodeToString(sig) != parts[0] {
		return nil, ErrSignatureFailed
	}

	// Strict: non-zero padding bits are rejected.
	raw, err := base64.StdEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		raw, err = base64.URLEncoding.Strict().DecodeString(parts[1])
		if err != nil {
			return nil, ErrSignatureFailed
		}
	}

	if !c.signer.Verify(raw, sig) {
		return nil, ErrSignatureFailed
	}
	return raw, nil
}
