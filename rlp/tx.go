package rlp

import "errors"

// ErrUnsupportedTxType names a transaction type byte this decoder doesn't
// know. ExtractTo does not return it: any first byte other than 0x01 or 0x02
// is decoded as a legacy transaction.
var ErrUnsupportedTxType = errors.New("rlp: unsupported transaction type")

// toFieldIndex is the list index of the "to" field for each transaction
// envelope this proxy understands. Legacy transactions are not type-prefixed
// and use index 3; EIP-2930 (type 0x01) uses index 4; EIP-1559 (type 0x02)
// uses index 5.
//
// This is the *typed* dispatch called for in spec.md's redesign notes: the
// first byte is inspected once and the matching index used directly. There
// is no "try index 3, then fall back to 5" heuristic.
const (
	legacyToIndex  = 3
	eip2930ToIndex = 4
	eip1559ToIndex = 5
)

// ExtractTo decodes a raw signed transaction and returns its "to" address
// (20 bytes). absent is true when the transaction has no "to" field (i.e. it
// is a contract-creation transaction) — the caller should route such
// requests to the default backend rather than treat the absence as an
// error.
func ExtractTo(rawTx []byte) (to []byte, absent bool, err error) {
	if len(rawTx) == 0 {
		return nil, false, ErrMalformed
	}

	var body []byte
	var idx int

	switch rawTx[0] {
	case 0x01:
		body = rawTx[1:]
		idx = eip2930ToIndex
	case 0x02:
		body = rawTx[1:]
		idx = eip1559ToIndex
	default:
		// Not a recognized typed-envelope prefix: treat as legacy RLP.
		body = rawTx
		idx = legacyToIndex
	}

	item, _, err := Decode(body)
	if err != nil {
		return nil, false, err
	}
	if !item.IsList {
		return nil, false, ErrMalformed
	}
	if idx >= len(item.List) {
		return nil, false, ErrMalformed
	}

	toItem := item.List[idx]
	if toItem.IsList {
		return nil, false, ErrMalformed
	}
	if len(toItem.Bytes) == 0 {
		return nil, true, nil
	}
	if len(toItem.Bytes) != 20 {
		return nil, false, ErrMalformed
	}
	return toItem.Bytes, false, nil
}
