// Package cryptox holds the cryptographic primitives used by the session
// manager and the keystore: argon2id key derivation, AES-GCM authenticated
// symmetric encryption, and RSA-OAEP key wrapping for session handshakes.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	// SessionKeySize is the AES-256 key length used for conversation
	// session keys and for keystore at-rest encryption.
	SessionKeySize = 32

	// NonceSize is the standard GCM nonce length.
	NonceSize = 12

	// rsaKeyBits matches the identity key size of the relay protocol.
	rsaKeyBits = 2048
)

// MakeVerifier returns a one-way digest of the master key, stored so a
// wrong passphrase is detected before any decryption is attempted.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// DeriveMasterKey derives a 32-byte key from a passphrase and salt using
// argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, SessionKeySize)
}

// Encrypt seals plaintext with AES-GCM under key. A fresh random nonce is
// generated per call and returned alongside the ciphertext.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens an AES-GCM ciphertext. Any tampering with ciphertext or
// nonce fails authentication and yields common.ErrAuthenticationFailed.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// GenerateKeyPair creates a long-lived RSA identity keypair and returns the
// PKIX-encoded public key and PKCS#8-encoded private key.
func GenerateKeyPair() (public, private []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, err
	}

	private, err = x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	public, err = x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return public, private, nil
}

// WrapKey encrypts a symmetric key for a recipient using RSA-OAEP over the
// recipient's PKIX-encoded public key.
func WrapKey(symmetricKey, publicKeyDER []byte) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, symmetricKey, nil)
}

// UnwrapKey recovers a symmetric key wrapped with WrapKey using the
// PKCS#8-encoded private key.
func UnwrapKey(wrapped, privateKeyDER []byte) ([]byte, error) {
	key, err := x509.ParsePKCS8PrivateKey(privateKeyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaKey, wrapped, nil)
}
