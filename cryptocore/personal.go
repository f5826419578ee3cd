package cryptocore

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSignatureInvalid is returned for any signature parse/length/padding
// mismatch, or a recovery whose result does not match the expected signer.
var ErrSignatureInvalid = errors.New("cryptocore: signature invalid")

// personalHash computes the EIP-191 "personal message" digest:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
func personalHash(msg []byte) common.Hash {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return crypto.Keccak256Hash([]byte(prefix), msg)
}

// SignPersonal signs msg's EIP-191 digest with priv, returning a 65-byte
// [R || S || V] signature with V normalized to 27/28.
func SignPersonal(msg []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	digest := personalHash(msg)
	sig, err := crypto.Sign(digest.Bytes(), priv)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: sign personal message: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverPersonal recovers the signer address from an EIP-191 personal
// message signature.
func RecoverPersonal(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrSignatureInvalid
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, ErrSignatureInvalid
	}

	digest := personalHash(msg)
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrSignatureInvalid
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonal reports whether sig is addr's signature over msg's EIP-191
// digest.
func VerifyPersonal(msg, sig []byte, addr common.Address) bool {
	recovered, err := RecoverPersonal(msg, sig)
	if err != nil {
		return false
	}
	return recovered == addr
}
