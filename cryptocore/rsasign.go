package cryptocore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// RSASign signs the SHA-256 digest of blob (the canonical JSON of a challenge
// record) using RSASSA-PKCS1-v1_5 with priv.
func RSASign(blob []byte, priv *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(blob)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("cryptocore: rsa sign: %w", err)
	}
	return sig, nil
}

// RSAVerify verifies an RSASSA signature over blob produced by RSASign.
// Returns ErrSignatureInvalid on any parse/length/padding mismatch.
func RSAVerify(blob, sig []byte, pub *rsa.PublicKey) error {
	digest := sha256.Sum256(blob)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}
