// Copyright 2024-2026 Aiku AI

package threema

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeyLen   = 32
	NonceLen = 24
)

// PublicKey is a Curve25519 public key of a Threema identity.
type PublicKey [KeyLen]byte

// PrivateKey is the Curve25519 private key of the gateway identity.
type PrivateKey [KeyLen]byte

// ParseKey decodes a hex encoded 32 byte key. The "private:" and "public:"
// prefixes used by the gateway tooling are accepted.
func ParseKey(s string) ([KeyLen]byte, error) {
	var key [KeyLen]byte
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "private:")
	s = strings.TrimPrefix(s, "public:")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(raw) != KeyLen {
		return key, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeyLen, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// EncryptedMessage is a boxed message ready for the send_e2e endpoint.
type EncryptedMessage struct {
	Nonce [NonceLen]byte
	Box   []byte
}

// encryptRaw pads nothing; callers pass the already padded plaintext.
func encryptRaw(plaintext []byte, recipient *PublicKey, own *PrivateKey) (*EncryptedMessage, error) {
	msg := &EncryptedMessage{}
	if _, err := rand.Read(msg.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	msg.Box = box.Seal(nil, plaintext, &msg.Nonce, (*[KeyLen]byte)(recipient), (*[KeyLen]byte)(own))
	return msg, nil
}

func decryptRaw(boxed []byte, nonce []byte, sender *PublicKey, own *PrivateKey) ([]byte, error) {
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecrypt, NonceLen)
	}
	out, ok := box.Open(nil, boxed, (*[NonceLen]byte)(nonce), (*[KeyLen]byte)(sender), (*[KeyLen]byte)(own))
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// Blob nonces are fixed because every blob is encrypted with a fresh key.
var (
	fileNonce      = [NonceLen]byte{NonceLen - 1: 1}
	thumbnailNonce = [NonceLen]byte{NonceLen - 1: 2}
)

// NewBlobKey generates a random symmetric key for a file message.
func NewBlobKey() ([KeyLen]byte, error) {
	var key [KeyLen]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate blob key: %w", err)
	}
	return key, nil
}

func EncryptFileData(data []byte, key *[KeyLen]byte) []byte {
	return secretbox.Seal(nil, data, &fileNonce, key)
}

func EncryptThumbnailData(data []byte, key *[KeyLen]byte) []byte {
	return secretbox.Seal(nil, data, &thumbnailNonce, key)
}

func DecryptFileData(data []byte, key *[KeyLen]byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, data, &fileNonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: file blob", ErrDecrypt)
	}
	return out, nil
}

func DecryptThumbnailData(data []byte, key *[KeyLen]byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, data, &thumbnailNonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: thumbnail blob", ErrDecrypt)
	}
	return out, nil
}
