// Package crypto opens sealed SSH identities and derives their fingerprints.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// An identity is sealed with AES-256-GCM by the secret layer and handed to
// shipper as base64 text. It is opened only for the duration of a run.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/artpar/shipper/internal/core/domain"
	"golang.org/x/crypto/ssh"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the sealing key is under 32 bytes.
	ErrKeyTooShort = errors.New("sealing key must be at least 32 bytes")

	// ErrInvalidCiphertext is returned when the sealed blob is truncated.
	ErrInvalidCiphertext = errors.New("invalid sealed data: too short")

	// ErrDecryptionFailed is returned for a wrong key or tampered data.
	ErrDecryptionFailed = errors.New("unseal failed: authentication tag mismatch")

	// ErrInvalidSSHKey is returned when the private key cannot be parsed.
	ErrInvalidSSHKey = errors.New("invalid SSH private key format")

	// ErrPassphraseRequired is returned for an encrypted key without passphrase.
	ErrPassphraseRequired = errors.New("SSH private key is passphrase protected")
)

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey derives a 32-byte AES-256 key from a passphrase using SHA-256.
func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// =============================================================================
// AES-256-GCM
// =============================================================================

// Seal encrypts plaintext with AES-256-GCM. Only the first 32 bytes of key
// are used. Output format: nonce (12 bytes) || ciphertext || tag (16 bytes).
func Seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealToBase64 seals plaintext and returns standard base64 text, the form
// identities are passed around in env vars and secret files.
func SealToBase64(plaintext, key []byte) (string, error) {
	sealed, err := Seal(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenFromBase64 decodes and opens base64 sealed text.
func OpenFromBase64(encoded string, key []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealed data: %w", err)
	}
	return Open(sealed, key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// =============================================================================
// SSH Identities
// =============================================================================

// OpenIdentity unseals a private key and checks that it parses with the
// given passphrase. The returned identity owns fresh byte slices the caller
// must Discard.
func OpenIdentity(sealed string, key, passphrase []byte) (domain.SSHIdentity, error) {
	privateKey, err := OpenFromBase64(sealed, key)
	if err != nil {
		return domain.SSHIdentity{}, err
	}

	identity := domain.SSHIdentity{PrivateKey: privateKey}
	if len(passphrase) > 0 {
		identity.Passphrase = append([]byte(nil), passphrase...)
	}
	if _, err := ParseSigner(identity); err != nil {
		identity.Discard()
		return domain.SSHIdentity{}, err
	}
	return identity, nil
}

// ParseSigner parses the identity's private key into an ssh.Signer.
func ParseSigner(identity domain.SSHIdentity) (ssh.Signer, error) {
	if identity.IsEmpty() {
		return nil, ErrInvalidSSHKey
	}

	var (
		signer ssh.Signer
		err    error
	)
	if len(identity.Passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(identity.PrivateKey, identity.Passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(identity.PrivateKey)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, ErrInvalidSSHKey
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of the identity's public key,
// the only form of the identity that may be logged.
func Fingerprint(identity domain.SSHIdentity) (string, error) {
	signer, err := ParseSigner(identity)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(signer.PublicKey()), nil
}

// AuthorizedKey returns the identity's public key in authorized_keys format.
func AuthorizedKey(identity domain.SSHIdentity) (string, error) {
	signer, err := ParseSigner(identity)
	if err != nil {
		return "", err
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// GenerateSSHKeyPair generates an Ed25519 key pair. The private key is
// returned in OpenSSH PEM format, the public key in authorized_keys format.
func GenerateSSHKeyPair() (privateKeyPEM []byte, publicKey string, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, "", fmt.Errorf("create public key: %w", err)
	}

	return pem.EncodeToMemory(block), string(ssh.MarshalAuthorizedKey(sshPubKey)), nil
}
