// Package walletkey is the single place that touches the hot wallet
// secret.
//
// The wallet key is stored at rest as scrypt-derived AES-256-GCM
// ciphertext in the settings table. Callers receive a derived *ecdsa
// key per use; the plaintext is never cached, logged, or handed out as a
// string.
package walletkey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrNotConfigured   = errors.New("walletkey: no wallet seed configured")
	ErrBadPassphrase   = errors.New("walletkey: decryption failed (wrong passphrase or corrupt ciphertext)")
	ErrMalformedSecret = errors.New("walletkey: malformed encrypted seed")
)

// scrypt parameters, fixed so old ciphertexts stay decryptable.
const (
	scryptN  = 1 << 15
	scryptR  = 8
	scryptP  = 1
	keyLen   = 32
	saltLen  = 16
	nonceLen = 12
)

// SeedSource reads the encrypted seed from operator settings.
type SeedSource interface {
	EncryptedSeed(ctx context.Context) (string, error)
}

// Key is a loaded signing key. It intentionally has no Stringer.
type Key struct {
	Private *ecdsa.PrivateKey
	Address common.Address
}

// Service decrypts and derives the hot wallet key on demand.
type Service struct {
	source     SeedSource
	passphrase string
}

// NewService creates the wallet key service. The passphrase comes from
// the environment, never from the database.
func NewService(source SeedSource, passphrase string) *Service {
	return &Service{source: source, passphrase: passphrase}
}

// Load fetches, decrypts, and parses the wallet key. Each caller gets a
// fresh copy; nothing is retained between calls.
func (s *Service) Load(ctx context.Context) (*Key, error) {
	if s.passphrase == "" {
		return nil, ErrNotConfigured
	}
	enc, err := s.source.EncryptedSeed(ctx)
	if err != nil {
		return nil, ErrNotConfigured
	}

	plaintext, err := Decrypt(enc, s.passphrase)
	if err != nil {
		return nil, err
	}

	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(plaintext)), "0x"))
	zero(plaintext)
	if err != nil {
		return nil, fmt.Errorf("walletkey: decrypted seed is not a valid key: %w", err)
	}

	return &Key{
		Private: priv,
		Address: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// Encrypt seals a plaintext secret for storage: base64(salt || nonce ||
// ciphertext). Used by operator tooling when rotating the seed.
func Encrypt(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out := append(append(salt, nonce...), sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a sealed secret produced by Encrypt.
func Decrypt(encoded, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformedSecret
	}
	if len(raw) < saltLen+nonceLen+1 {
		return nil, ErrMalformedSecret
	}

	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+nonceLen]
	ciphertext := raw[saltLen+nonceLen:]

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
