package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	saltSize  = 16
	nonceSize = 12
)

// deriveAEADKey stretches password with scrypt into a master secret, then
// uses HKDF to split off a 256-bit AES-GCM key scoped to info, so the same
// master secret can seal independent envelopes (e.g. the container's outer
// seal and an entry's private-key seal) without key reuse across them.
func deriveAEADKey(password, salt []byte, info string) ([]byte, error) {
	master, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive aead key: %w", err)
	}
	return key, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// seal encrypts plaintext under password using a freshly generated salt
// and nonce, returning (salt, nonce, ciphertext).
func seal(password, plaintext []byte, info string) (salt, nonce, ciphertext []byte, err error) {
	salt, err = newSalt()
	if err != nil {
		return nil, nil, nil, err
	}
	key, err := deriveAEADKey(password, salt, info)
	if err != nil {
		return nil, nil, nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return salt, nonce, ciphertext, nil
}

// open decrypts ciphertext sealed by seal. A failed GCM tag check or a
// wrong key both surface as ErrBadPassword: there is no way to tell them
// apart without the correct password.
func open(password, salt, nonce, ciphertext []byte, info string) ([]byte, error) {
	key, err := deriveAEADKey(password, salt, info)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassword
	}
	return plaintext, nil
}
