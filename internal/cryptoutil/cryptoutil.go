// Package cryptoutil provides the pluggable signing/encryption primitives
// used to sign ledger records, signed-cache entries and capability tokens.
// Qflow treats cryptographic primitive design as a Non-goal: any signer
// satisfying the Signer interface below may be substituted.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a purpose-scoped key from one root secret using
// HKDF-SHA256, so the ledger, cache and capability-token signers can each
// hold an independent key without separately provisioned secrets.
func DeriveKey(rootSecret, salt []byte, info string, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, rootSecret, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateRandomBytes returns n cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HMACSign produces an HMAC-SHA256 signature over data.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify reports whether signature is a valid HMAC-SHA256 over data.
func HMACVerify(key, data, signature []byte) bool {
	return hmac.Equal(signature, HMACSign(key, data))
}

// Encrypt encrypts plaintext with AES-256-GCM, prepending the nonce.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}

// KeyPair is an ECDSA P-256 signing identity.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair generates a new P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// Sign signs data with an ECDSA P-256 key, returning a fixed 64-byte (r‖s)
// signature.
func Sign(priv *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	return sig, nil
}

// Verify verifies a 64-byte ECDSA P-256 signature produced by Sign.
func Verify(pub *ecdsa.PublicKey, data, signature []byte) bool {
	if len(signature) != 64 {
		return false
	}
	hash := sha256.Sum256(data)
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	return ecdsa.Verify(pub, hash[:], r, s)
}

// Hash256 computes SHA-256.
func Hash256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// ZeroBytes overwrites b with zeros, for scrubbing key material after use.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Signer is the pluggable interface ledger, cache and token signing depend
// on. HMACSigner (signer.go) is the default; an ECDSA-backed implementation can
// be substituted without touching callers.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, signature string) bool
}
