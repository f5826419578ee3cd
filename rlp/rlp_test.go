package rlp_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethproofgate/relayproxy/rlp"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	tests := map[string]rlp.Item{
		"single byte": {Bytes: []byte{0x01}},
		"empty string": {Bytes: []byte{}},
		"short string": {Bytes: []byte("dog")},
		"long string": {Bytes: bytes.Repeat([]byte("a"), 100)},
		"empty list": {IsList: true},
		"short list": {IsList: true, List: []rlp.Item{
			{Bytes: []byte("cat")},
			{Bytes: []byte("dog")},
		}},
		"nested list": {IsList: true, List: []rlp.Item{
			{IsList: true, List: []rlp.Item{{Bytes: []byte("a")}}},
			{Bytes: []byte("b")},
		}},
		"long list": {IsList: true, List: func() []rlp.Item {
			items := make([]rlp.Item, 20)
			for i := range items {
				items[i] = rlp.Item{Bytes: bytes.Repeat([]byte("x"), 10)}
			}
			return items
		}()},
	}

	for name, item := range tests {
		item := item
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			encoded := rlp.Encode(item)
			decoded, rest, err := rlp.Decode(encoded)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assertItemEqual(t, item, decoded)
		})
	}
}

func assertItemEqual(t *testing.T, want, got rlp.Item) {
	t.Helper()
	require.Equal(t, want.IsList, got.IsList)
	if !want.IsList {
		assert.True(t, bytes.Equal(want.Bytes, got.Bytes))
		return
	}
	require.Len(t, got.List, len(want.List))
	for i := range want.List {
		assertItemEqual(t, want.List[i], got.List[i])
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty input":            {},
		"short string truncated": {0x83, 'a', 'b'},
		"long string bad length": {0xb8, 0x05, 'a'},
		"list truncated":         {0xc5, 'a', 'b'},
	}
	for name, in := range tests {
		in := in
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, _, err := rlp.Decode(in)
			assert.ErrorIs(t, err, rlp.ErrMalformed)
		})
	}
}

func TestExtractToLegacy(t *testing.T) {
	// Shape of spec.md scenario 1: a legacy transaction (no type prefix)
	// with "to" at list index 3.
	toAddr := mustHex(t, "f0d9b927f64374f0b48cbe56bc6af212d52ee25a")
	item := rlp.Item{IsList: true, List: []rlp.Item{
		{Bytes: []byte{}},                       // nonce
		{Bytes: []byte{}},                       // gasPrice
		{Bytes: []byte{}},                       // gasLimit
		{Bytes: toAddr},                         // to
		{Bytes: mustHex(t, "0de0b6b3a7640000")},  // value
		{Bytes: []byte{0x01}},                    // v
		{Bytes: bytes.Repeat([]byte{0x01}, 32)}, // r
		{Bytes: bytes.Repeat([]byte{0x01}, 32)}, // s
	}}
	raw := rlp.Encode(item)

	to, absent, err := rlp.ExtractTo(raw)
	require.NoError(t, err)
	assert.False(t, absent)
	assert.Equal(t, "f0d9b927f64374f0b48cbe56bc6af212d52ee25a", hex.EncodeToString(to))
}

func TestExtractToEIP1559(t *testing.T) {
	// Shape of spec.md scenario 2: an EIP-1559 (type 0x02) transaction with
	// "to" at list index 5 of the RLP body that follows the type byte.
	toAddr := mustHex(t, "4f1a953df9df8d1c6073ce57f7493e50515fa73f")
	item := rlp.Item{IsList: true, List: []rlp.Item{
		{Bytes: mustHex(t, "0128")}, // chainId
		{Bytes: mustHex(t, "0134")}, // nonce
		{Bytes: []byte{}},           // maxPriorityFeePerGas
		{Bytes: []byte{}},           // maxFeePerGas
		{Bytes: []byte{}},           // gasLimit
		{Bytes: toAddr},             // to
		{Bytes: []byte{}},           // value
		{Bytes: mustHex(t, "d0e30db0")}, // data
		{IsList: true},              // accessList
		{Bytes: []byte{0x01}},       // v
		{Bytes: bytes.Repeat([]byte{0x01}, 32)}, // r
		{Bytes: bytes.Repeat([]byte{0x01}, 32)}, // s
	}}
	raw := append([]byte{0x02}, rlp.Encode(item)...)

	to, absent, err := rlp.ExtractTo(raw)
	require.NoError(t, err)
	assert.False(t, absent)
	assert.Equal(t, "4f1a953df9df8d1c6073ce57f7493e50515fa73f", hex.EncodeToString(to))
}

func TestExtractToContractCreation(t *testing.T) {
	item := rlp.Item{IsList: true, List: []rlp.Item{
		{Bytes: []byte{0x01}}, // nonce
		{Bytes: []byte{0x01}}, // gasPrice
		{Bytes: []byte{0x01}}, // gasLimit
		{Bytes: []byte{}},     // to: absent
		{Bytes: []byte{0x01}}, // value
		{Bytes: []byte{}},     // data
		{Bytes: []byte{0x01}},
		{Bytes: []byte{0x01}},
		{Bytes: []byte{0x01}},
	}}
	raw := rlp.Encode(item)

	to, absent, err := rlp.ExtractTo(raw)
	require.NoError(t, err)
	assert.True(t, absent)
	assert.Nil(t, to)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
