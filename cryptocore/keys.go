// Package cryptocore implements the cryptographic primitives the proxy needs:
// RSA-2048 key management, RSA-OAEP+AES-256-CBC hybrid encryption, session
// AES, EIP-191 personal-message ECDSA sign/recover, and RSA signatures over
// challenge blobs.
package cryptocore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// RSAKeySize is the key size used for all generated key pairs, per spec.md §3.
const RSAKeySize = 2048

// RSAKeyPair holds both halves of a generated RSA key plus metadata about
// when it was created. Persisted by store as PEM-encoded PKCS8/SPKI.
type RSAKeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	CreatedAt time.Time
}

// GenerateRSAKeyPair creates a fresh RSA-2048 key pair.
func GenerateRSAKeyPair() (*RSAKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: generate rsa key: %w", err)
	}
	return &RSAKeyPair{
		Private:   priv,
		Public:    &priv.PublicKey,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// PrivatePEM returns the private key encoded as a PKCS8 PEM block.
func (k *RSAKeyPair) PrivatePEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return "", fmt.Errorf("cryptocore: marshal pkcs8 private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PublicPEM returns the public key encoded as an SPKI PEM block.
func (k *RSAKeyPair) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return "", fmt.Errorf("cryptocore: marshal spki public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePrivatePEM decodes a PKCS8 PEM block into an *rsa.PrivateKey.
func ParsePrivatePEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("cryptocore: no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse pkcs8 private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("cryptocore: private key is not an RSA key")
	}
	return rsaKey, nil
}

// ParsePublicPEM decodes an SPKI PEM block into an *rsa.PublicKey.
func ParsePublicPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("cryptocore: no PEM block found in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse spki public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("cryptocore: public key is not an RSA key")
	}
	return rsaKey, nil
}

// LoadOrGenerateRSAKeyPair parses privatePEM/publicPEM if both are non-empty,
// otherwise generates a fresh pair. createdAt is used when loading an
// existing pair (the persisted timestamp); ignored when generating.
func LoadOrGenerateRSAKeyPair(privatePEM, publicPEM string, createdAt time.Time) (*RSAKeyPair, error) {
	if privatePEM == "" || publicPEM == "" {
		return GenerateRSAKeyPair()
	}
	priv, err := ParsePrivatePEM(privatePEM)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicPEM(publicPEM)
	if err != nil {
		return nil, err
	}
	return &RSAKeyPair{Private: priv, Public: pub, CreatedAt: createdAt}, nil
}
