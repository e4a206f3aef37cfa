// Package seal encrypts application payloads before they are handed to the
// write engine: AES-256-GCM under a key derived with HKDF-SHA256 from a
// shared secret. A sealed payload is nonce(12) || ciphertext || tag(16).
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// Info is the HKDF context string for payload keys.
const Info = "blecore payload"

// Overhead is the number of bytes Seal adds to a plaintext.
const Overhead = 12 + 16

// ErrShortPayload is returned by Open for input shorter than Overhead.
var ErrShortPayload = errors.New("seal: payload too short")

// DeriveKey derives a 32-byte AES key from secret.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("seal: empty secret")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(Info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("seal: HKDF: %w", err)
	}
	return key, nil
}

// LoadSecret reads a secret file. Hex content is decoded; anything else is
// used as raw bytes. Surrounding whitespace is ignored.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seal: read secret: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("seal: secret file %s is empty", path)
	}
	if decoded, err := hex.DecodeString(string(data)); err == nil {
		return decoded, nil
	}
	return data, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: new GCM: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext under key with a random nonce.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: random nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrShortPayload
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: open: %w", err)
	}
	return plaintext, nil
}
