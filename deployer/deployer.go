// Package deployer derives Ethereum contract addresses from their CREATE and
// CREATE2 deployment parameters, and normalizes address strings.
package deployer

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ethproofgate/relayproxy/rlp"
)

// ErrInvalidAddress is returned by Normalize for malformed input.
var ErrInvalidAddress = errors.New("deployer: invalid address")

// Create derives the address of a contract deployed via CREATE:
// lower20(keccak256(rlp([deployer, nonce]))).
func Create(deployerAddr common.Address, nonce uint64) string {
	item := rlp.Item{IsList: true, List: []rlp.Item{
		{Bytes: deployerAddr.Bytes()},
		{Bytes: encodeNonce(nonce)},
	}}
	hash := crypto.Keccak256(rlp.Encode(item))
	return hex.EncodeToString(hash[12:])
}

// Create2 derives the address of a contract deployed via CREATE2:
// lower20(keccak256(0xff || deployer || salt || initCodeHash)).
func Create2(deployerAddr common.Address, salt, initCodeHash [32]byte) string {
	buf := make([]byte, 0, 1+20+32+32)
	buf = append(buf, 0xff)
	buf = append(buf, deployerAddr.Bytes()...)
	buf = append(buf, salt[:]...)
	buf = append(buf, initCodeHash[:]...)
	hash := crypto.Keccak256(buf)
	return hex.EncodeToString(hash[12:])
}

// Normalize strips an optional "0x" prefix, validates the result is 40 hex
// characters, and lowercases it.
func Normalize(addr string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(trimmed) != 40 {
		return "", ErrInvalidAddress
	}
	lower := strings.ToLower(trimmed)
	if _, err := hex.DecodeString(lower); err != nil {
		return "", ErrInvalidAddress
	}
	return lower, nil
}

// encodeNonce encodes nonce the way RLP encodes unsigned integers: as the
// big-endian minimal byte representation, with zero encoding to an empty
// string.
func encodeNonce(nonce uint64) []byte {
	if nonce == 0 {
		return nil
	}
	var b []byte
	for nonce > 0 {
		b = append([]byte{byte(nonce & 0xff)}, b...)
		nonce >>= 8
	}
	return b
}
