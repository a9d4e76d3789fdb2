package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	keySize   = 32 // AES-256
	ivSize    = 12 // GCM standard nonce
	tagSize   = 16
	rsaBits   = 2048
	oaepLabel = "" // no label; both sides must agree
)

// ErrMalformedCiphertext is returned when an encrypted payload cannot be
// parsed into iv, tag, and ciphertext.
var ErrMalformedCiphertext = errors.New("securechannel: malformed ciphertext")

// GenerateSessionKey returns a fresh AES-256 key and GCM IV. Key material
// lives only for the session; it is never written to durable storage.
func GenerateSessionKey() (key, iv []byte, err error) {
	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, fmt.Errorf("securechannel: generate key: %w", err)
	}
	iv = make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("securechannel: generate iv: %w", err)
	}
	return key, iv, nil
}

// EncryptSessionKey wraps a session key for the peer using RSA-OAEP with
// SHA-256.
func EncryptSessionKey(key []byte, peerPublicKeyPEM []byte) ([]byte, error) {
	pub, err := ParsePublicKey(peerPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, []byte(oaepLabel))
	if err != nil {
		return nil, fmt.Errorf("securechannel: wrap session key: %w", err)
	}
	return ct, nil
}

// DecryptSessionKey unwraps a session key with the local private key.
func DecryptSessionKey(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, []byte(oaepLabel))
	if err != nil {
		return nil, fmt.Errorf("securechannel: unwrap session key: %w", err)
	}
	return key, nil
}

// EncryptMessage seals plaintext with AES-256-GCM and returns
// base64(iv ‖ tag ‖ ciphertext).
func EncryptMessage(plaintext, key, iv []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("securechannel: iv must be %d bytes", gcm.NonceSize())
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag after the ciphertext; the wire format carries
	// the tag between iv and ciphertext.
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, len(iv)+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptMessage is the inverse of EncryptMessage.
func DecryptMessage(encoded string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("securechannel: decode payload: %w", err)
	}
	if len(raw) < ivSize+tagSize {
		return nil, ErrMalformedCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("securechannel: authenticate payload: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("securechannel: key must be %d bytes", keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("securechannel: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securechannel: init gcm: %w", err)
	}
	return gcm, nil
}

// GenerateKeyPair creates the hub's RSA keypair.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("securechannel: generate keypair: %w", err)
	}
	return priv, nil
}

// MarshalPrivateKey encodes a private key as PKCS#8 PEM.
func MarshalPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("securechannel: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKey encodes the public half as PKIX PEM.
func MarshalPublicKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("securechannel: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// LoadPrivateKey reads a PKCS#8 PEM private key from disk.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("securechannel: read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("securechannel: no PEM block in private key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("securechannel: parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("securechannel: private key is not RSA")
	}
	return priv, nil
}

// ParsePublicKey parses a PKIX PEM public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("securechannel: no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("securechannel: parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("securechannel: public key is not RSA")
	}
	return pub, nil
}
