package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// credentialBytes is the raw entropy of an issued credential: 32 bytes,
// 256 bits, base64url-encoded for transport.
const credentialBytes = 32

// generateCredential produces a new plaintext access credential.
func generateCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("credential entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newMasterCipher builds the AEAD for the credential recovery path from the
// base64-encoded 32-byte master key. An empty key yields a random ephemeral
// key: issuance and verification still work, but recovery fails after a
// restart, which is loudly logged so operators set a persistent key.
func newMasterCipher(keyB64 string) (cipher.AEAD, error) {
	var key []byte
	if keyB64 == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("ephemeral master key: %w", err)
		}
		log.Warn().Msg("OPSHALO_MASTER_KEY not set — using ephemeral key, credential recovery will not survive restarts")
	} else {
		decoded, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("master key decode: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(decoded))
		}
		key = decoded
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("master cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// sealCredential encrypts the plaintext under the master key. The random
// nonce is prepended to the ciphertext.
func sealCredential(aead cipher.AEAD, plaintext string) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// openCredential decrypts a sealed credential. A GCM tag mismatch means the
// master key changed since issuance; that is reported as ErrDecryption, not
// guessed around.
func openCredential(aead cipher.AEAD, sealed []byte) (string, error) {
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("sealed credential too short: %w", models.ErrDecryption)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("credential open: %w", models.ErrDecryption)
	}
	return string(plaintext), nil
}
