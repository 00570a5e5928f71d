package tokenstore

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-oauth/security"
)

// storedRecord is the serialized form of a TokenRecord. When Encrypted is
// set the token fields hold ciphertext.
type storedRecord struct {
	TokenRecord
	Encrypted bool `json:"encrypted,omitempty"`
}

// RecordCodec serializes records, optionally encrypting the access and
// refresh tokens at rest.
type RecordCodec struct {
	encryptor *security.Encryptor
}

// NewRecordCodec returns a codec. A nil encryptor stores tokens in plain
// text.
func NewRecordCodec(encryptor *security.Encryptor) *RecordCodec {
	return &RecordCodec{encryptor: encryptor}
}

// NewEncryptor builds an AES-256-GCM encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*security.Encryptor, error) {
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create token encryptor: %w", err)
	}
	return enc, nil
}

func (c *RecordCodec) encrypting() bool {
	return c != nil && c.encryptor != nil && c.encryptor.IsEnabled()
}

// Encode serializes rec.
func (c *RecordCodec) Encode(rec *TokenRecord) ([]byte, error) {
	out := storedRecord{TokenRecord: *rec}
	if c.encrypting() {
		if out.AccessToken != "" {
			enc, err := c.encryptor.Encrypt(out.AccessToken)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt access token: %w", err)
			}
			out.AccessToken = enc
		}
		if out.RefreshToken != "" {
			enc, err := c.encryptor.Encrypt(out.RefreshToken)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
			out.RefreshToken = enc
		}
		out.Encrypted = true
	}
	return json.Marshal(out)
}

// Decode parses data produced by Encode.
func (c *RecordCodec) Decode(data []byte) (*TokenRecord, error) {
	var in storedRecord
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to parse token record: %w", err)
	}
	rec := in.TokenRecord
	if !in.Encrypted {
		return &rec, nil
	}
	if !c.encrypting() {
		return nil, fmt.Errorf("token record is encrypted but no encryption key is configured")
	}
	if rec.AccessToken != "" {
		dec, err := c.encryptor.Decrypt(rec.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		rec.AccessToken = dec
	}
	if rec.RefreshToken != "" {
		dec, err := c.encryptor.Decrypt(rec.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		rec.RefreshToken = dec
	}
	return &rec, nil
}
