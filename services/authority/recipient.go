package authority

import (
	"bytes"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	hrpAgeRecipient = "age"
	hrpAgeSecretKey = "age-secret-key-"
	x25519KeySize   = 32
)

// ParseExportRecipient reads the key exports are encrypted to. It accepts an
// age X25519 recipient ("age1...") or an identity ("AGE-SECRET-KEY-1..."), in
// which case its recipient is used.
func ParseExportRecipient(raw string) (*age.X25519Recipient, error) {
	raw = strings.TrimSpace(raw)
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode export recipient: %w", err)
	}
	key, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("decode export recipient: %w", err)
	}
	if len(key) != x25519KeySize {
		return nil, fmt.Errorf("export recipient key has %d bytes, want %d", len(key), x25519KeySize)
	}

	switch {
	case strings.EqualFold(hrp, hrpAgeRecipient):
		return age.ParseX25519Recipient(strings.ToLower(raw))
	case strings.EqualFold(hrp, hrpAgeSecretKey):
		identity, err := age.ParseX25519Identity(strings.ToUpper(raw))
		if err != nil {
			return nil, err
		}
		return identity.Recipient(), nil
	default:
		return nil, fmt.Errorf("unexpected export recipient hrp %q", hrp)
	}
}

// sealExport encrypts an export payload to r.
func sealExport(payload []byte, r age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}
