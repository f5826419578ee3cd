// Package rlp implements the subset of the RLP grammar needed to decode
// legacy and EIP-2718 typed Ethereum transaction envelopes and pull out the
// "to" field without pulling in a full RLP library.
package rlp

import "errors"

// ErrMalformed is returned for any length mismatch or truncation.
var ErrMalformed = errors.New("rlp: malformed input")

// Item is the recursive RLP sum type: either a byte string or a list of
// items.
type Item struct {
	IsList bool
	Bytes  []byte
	List   []Item
}

// Decode decodes a single RLP item from the front of b and returns it along
// with the unconsumed remainder of b.
func Decode(b []byte) (Item, []byte, error) {
	if len(b) == 0 {
		return Item{}, nil, ErrMalformed
	}

	prefix := b[0]

	switch {
	case prefix < 0x80:
		// Single byte, value itself (no length prefix).
		return Item{Bytes: b[0:1]}, b[1:], nil

	case prefix <= 0xb7:
		// Short string: 0 - 55 bytes.
		size := int(prefix - 0x80)
		if len(b) < 1+size {
			return Item{}, nil, ErrMalformed
		}
		return Item{Bytes: b[1 : 1+size]}, b[1+size:], nil

	case prefix <= 0xbf:
		// Long string: length-of-length prefix.
		lenOfLen := int(prefix - 0xb7)
		if len(b) < 1+lenOfLen {
			return Item{}, nil, ErrMalformed
		}
		size, err := decodeLength(b[1 : 1+lenOfLen])
		if err != nil {
			return Item{}, nil, err
		}
		start := 1 + lenOfLen
		if len(b) < start+size {
			return Item{}, nil, ErrMalformed
		}
		return Item{Bytes: b[start : start+size]}, b[start+size:], nil

	case prefix <= 0xf7:
		// Short list: 0 - 55 bytes of payload.
		size := int(prefix - 0xc0)
		if len(b) < 1+size {
			return Item{}, nil, ErrMalformed
		}
		items, err := decodeList(b[1 : 1+size])
		if err != nil {
			return Item{}, nil, err
		}
		return Item{IsList: true, List: items}, b[1+size:], nil

	default:
		// Long list.
		lenOfLen := int(prefix - 0xf7)
		if len(b) < 1+lenOfLen {
			return Item{}, nil, ErrMalformed
		}
		size, err := decodeLength(b[1 : 1+lenOfLen])
		if err != nil {
			return Item{}, nil, err
		}
		start := 1 + lenOfLen
		if len(b) < start+size {
			return Item{}, nil, ErrMalformed
		}
		items, err := decodeList(b[start : start+size])
		if err != nil {
			return Item{}, nil, err
		}
		return Item{IsList: true, List: items}, b[start+size:], nil
	}
}

// decodeLength interprets a big-endian length field with no leading zero
// byte, as RLP requires.
func decodeLength(b []byte) (int, error) {
	if len(b) == 0 || b[0] == 0 {
		return 0, ErrMalformed
	}
	n := 0
	for _, c := range b {
		n = n<<8 | int(c)
	}
	return n, nil
}

// decodeList decodes payload as a sequence of back-to-back RLP items.
func decodeList(payload []byte) ([]Item, error) {
	var items []Item
	for len(payload) > 0 {
		item, rest, err := Decode(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		payload = rest
	}
	return items, nil
}

// Encode encodes an Item back to its canonical RLP representation. Used by
// deployer.Create to encode [deployer, nonce] for CREATE address
// derivation, and by tests asserting the round-trip property (P1).
func Encode(it Item) []byte {
	if !it.IsList {
		return encodeBytes(it.Bytes)
	}
	var payload []byte
	for _, sub := range it.List {
		payload = append(payload, Encode(sub)...)
	}
	return append(encodeHeader(0xc0, 0xf7, len(payload)), payload...)
}

// encodeBytes encodes a single byte string per the RLP string rules.
func encodeBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return []byte{b[0]}
	}
	return append(encodeHeader(0x80, 0xb7, len(b)), b...)
}

// encodeHeader builds the length prefix for a string (base 0x80, long-form
// base 0xb7) or list (base 0xc0, long-form base 0xf7).
func encodeHeader(base, longBase byte, size int) []byte {
	if size <= 55 {
		return []byte{base + byte(size)}
	}
	lenBytes := bigEndianMinimal(size)
	header := make([]byte, 0, 1+len(lenBytes))
	header = append(header, longBase+byte(len(lenBytes)))
	return append(header, lenBytes...)
}

// bigEndianMinimal encodes n as the shortest possible big-endian byte slice.
func bigEndianMinimal(n int) []byte {
	if n == 0 {
		return []byte{0}
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return b
}
