// Package crypto wraps fernet for the files flatline writes at rest, such as
// session recordings.
package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// GenerateKey returns a fresh fernet key in its base64 text form.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// ParseKey decodes a key produced by GenerateKey. An empty string yields a
// nil key, meaning "do not encrypt".
func ParseKey(encoded string) (*fernet.Key, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext into a fernet token.
func Encrypt(key *fernet.Key, plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return tok, nil
}

// Decrypt opens a token sealed by Encrypt. Tokens do not expire.
func Decrypt(key *fernet.Key, token []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(token, 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, fmt.Errorf("decrypt: invalid token")
	}
	return msg, nil
}

// Mask hides all but the last four characters of a secret for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
