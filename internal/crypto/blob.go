package crypto

import (
	"crypto/rand"
	"fmt"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// SecretSize is the length of a blob secret: a 32-byte key followed by a
// 24-byte XChaCha20-Poly1305 nonce.
const SecretSize = chacha20poly1305.KeySize + chacha20poly1305.NonceSizeX

// Secret is the per-blob key and nonce. It is stored in the local message
// record and travels only inside end-to-end encrypted payloads.
type Secret []byte

// SealBlob encrypts media content under a freshly generated secret.
func SealBlob(plaintext []byte) ([]byte, Secret, error) {
	secret := make(Secret, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("generating blob secret: %w", err)
	}

	aead, err := chacha20poly1305.NewX(secret[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("creating blob cipher: %w", err)
	}

	return aead.Seal(nil, secret[chacha20poly1305.KeySize:], plaintext, nil), secret, nil
}

// OpenBlob decrypts and authenticates media content.
func OpenBlob(ciphertext []byte, secret Secret) ([]byte, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: blob secret is %d bytes", apperrors.ErrDecrypt, len(secret))
	}

	aead, err := chacha20poly1305.NewX(secret[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("creating blob cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, secret[chacha20poly1305.KeySize:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening blob: %v", apperrors.ErrDecrypt, err)
	}
	return plaintext, nil
}
