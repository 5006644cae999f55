// auth.go handles trading credentials: the AES-encrypted API secret
// stored in the config file and the HMAC-SHA512 signing of private calls.
//
// The secret at rest is a base64 string encrypted with AES-256 in OFB
// mode. The key material is derived from a passphrase with SHA-512: the
// first 32 digest bytes become the AES key, the last 16 the IV. After
// decryption the secret must still be valid base64 decoding to 64 bytes,
// which catches wrong passphrases without storing a separate checksum.
package exchange

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
)

// Secret holds the API credential pair. Key is public-ish and stored
// plain; the secret is only present in memory after a successful Decrypt.
type Secret struct {
	Key string

	secret []byte // decoded secret, nil until decrypted
}

// Known reports whether usable credentials are present. The engine works
// without them, it just skips all account-related functionality.
func (s *Secret) Known() bool {
	return s.Key != "" && len(s.secret) > 0
}

// Decrypt unlocks the stored secret with the given passphrase. encrypted
// is the base64 ciphertext from the config file.
func (s *Secret) Decrypt(key, encrypted, passphrase string) error {
	if key == "" || encrypted == "" {
		return fmt.Errorf("no secret configured")
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return fmt.Errorf("decode encrypted secret: %w", err)
	}

	plain := cryptOFB(blob, passphrase)
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(plain)))
	if err != nil {
		return fmt.Errorf("secret does not decrypt to valid base64: %w", err)
	}
	if len(decoded) != 64 {
		return fmt.Errorf("decrypted secret has wrong size: %d", len(decoded))
	}

	s.Key = strings.TrimSpace(key)
	s.secret = decoded
	return nil
}

// Encrypt produces the storable ciphertext for a plaintext API secret
// (itself a base64 string, as issued by the exchange).
func Encrypt(secret, passphrase string) (string, error) {
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret)); err != nil {
		return "", fmt.Errorf("secret is not valid base64: %w", err)
	} else if len(decoded) != 64 {
		return "", fmt.Errorf("secret has wrong size: %d", len(decoded))
	}

	// pad with spaces, stripped again after decryption
	if rem := len(secret) % 16; rem != 0 {
		secret += strings.Repeat(" ", 16-rem)
	}
	return base64.StdEncoding.EncodeToString(cryptOFB([]byte(secret), passphrase)), nil
}

// Sign returns the hex-agnostic raw HMAC-SHA512 of payload under the
// decrypted secret.
func (s *Secret) Sign(payload []byte) ([]byte, error) {
	if !s.Known() {
		return nil, fmt.Errorf("no secret available")
	}
	mac := hmac.New(sha512.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// cryptOFB en/decrypts data with AES-OFB keyed from the passphrase.
// OFB is symmetric, so one function serves both directions.
func cryptOFB(data []byte, passphrase string) []byte {
	hashed := sha512.Sum512([]byte(passphrase))
	block, err := aes.NewCipher(hashed[:32])
	if err != nil {
		// key size is constant, NewCipher cannot fail on it
		panic(err)
	}
	out := make([]byte, len(data))
	cipher.NewOFB(block, hashed[len(hashed)-16:]).XORKeyStream(out, data)
	return out
}
