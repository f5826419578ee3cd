// Package routevalidate decrypts an announcement payload and checks each
// candidate route's ownership proof before it is handed to the challenge
// engine.
package routevalidate

import (
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethproofgate/relayproxy/cryptocore"
	"github.com/ethproofgate/relayproxy/deployer"
)

// Sentinel per-route rejection reasons, per spec.md §7.
var (
	ErrMissingFields        = errors.New("routevalidate: missing required fields")
	ErrUnsupportedProofType = errors.New("routevalidate: unsupported proof type")
	ErrOwnershipMismatch    = errors.New("routevalidate: derived address does not match claimed address")
	ErrSignatureInvalid     = errors.New("routevalidate: signature invalid")

	// ErrDecryptionFailed surfaces cryptocore's decrypt failure so callers
	// can distinguish "whole payload rejected" from "some routes rejected."
	ErrDecryptionFailed = cryptocore.ErrDecryptionFailed
)

// rawRoute is the wire shape of a single announced route.
type rawRoute struct {
	Addr         string  `json:"addr"`
	ProofType    string  `json:"proofType"`
	Nonce        *uint64 `json:"nonce,omitempty"`
	Salt         string  `json:"salt,omitempty"`
	InitCodeHash string  `json:"initCodeHash,omitempty"`
	URL          string  `json:"url"`
	Sig          string  `json:"sig"`
}

type announcement struct {
	Routes []rawRoute `json:"routes"`
}

// Route is an accepted, ownership-verified route.
type Route struct {
	Addr       string
	URL        string
	ProofType  string
	SignerAddr string
}

// InvalidRoute pairs a rejected route with its reason. URL is carried so a
// route-specific failure notification can still be addressed to the
// prover that announced it, even though the route itself is never
// installed.
type InvalidRoute struct {
	Addr string
	URL  string
	Err  error
}

// Validate decrypts payload with priv, parses the announcement, and checks
// each route's ownership proof independently. Routes for the same addr
// follow last-occurrence-wins (array order). Partial success is returned,
// never short-circuited, per spec.md §4.6 step 4 and P6.
func Validate(priv *rsa.PrivateKey, payload []byte) (valid []Route, invalid []InvalidRoute, err error) {
	plain, err := cryptocore.HybridDecrypt(priv, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("routevalidate: %w", ErrDecryptionFailed)
	}

	var ann announcement
	if jsonErr := json.Unmarshal(plain, &ann); jsonErr != nil {
		return nil, nil, fmt.Errorf("routevalidate: parse announcement: %w", ErrMissingFields)
	}

	order := make([]string, 0, len(ann.Routes))
	accepted := make(map[string]Route)
	rejected := make(map[string]InvalidRoute)

	for _, r := range ann.Routes {
		route, rerr := validateOne(r)
		if rerr != nil {
			delete(accepted, strings.ToLower(r.Addr))
			rejected[strings.ToLower(r.Addr)] = InvalidRoute{Addr: r.Addr, URL: r.URL, Err: rerr}
			order = appendOnce(order, strings.ToLower(r.Addr))
			continue
		}
		delete(rejected, route.Addr)
		accepted[route.Addr] = route
		order = appendOnce(order, route.Addr)
	}

	for _, addr := range order {
		if route, ok := accepted[addr]; ok {
			valid = append(valid, route)
			continue
		}
		invalid = append(invalid, rejected[addr])
	}
	return valid, invalid, nil
}

// appendOnce appends key to order only the first time it is seen, so the
// final walk preserves "last occurrence decides the outcome" while keeping
// insertion order stable.
func appendOnce(order []string, key string) []string {
	for _, k := range order {
		if k == key {
			return order
		}
	}
	return append(order, key)
}

func validateOne(r rawRoute) (Route, error) {
	if r.Addr == "" || r.ProofType == "" || r.URL == "" || r.Sig == "" {
		return Route{}, ErrMissingFields
	}
	addr, err := deployer.Normalize(r.Addr)
	if err != nil {
		return Route{}, ErrMissingFields
	}
	if !isAbsoluteHTTPURL(r.URL) {
		return Route{}, ErrMissingFields
	}
	sig, err := decodeHex(r.Sig)
	if err != nil {
		return Route{}, ErrSignatureInvalid
	}

	proofType := strings.ToLower(r.ProofType)
	var witness []byte
	var derived string

	switch proofType {
	case "create":
		if r.Nonce == nil {
			return Route{}, ErrMissingFields
		}
		witness = encodeUint64(*r.Nonce)
	case "create2":
		if r.Salt == "" || r.InitCodeHash == "" {
			return Route{}, ErrMissingFields
		}
		saltBytes, err := decodeHex32(r.Salt)
		if err != nil {
			return Route{}, ErrMissingFields
		}
		hashBytes, err := decodeHex32(r.InitCodeHash)
		if err != nil {
			return Route{}, ErrMissingFields
		}
		witness = append(append([]byte{}, saltBytes[:]...), hashBytes[:]...)
	default:
		return Route{}, ErrUnsupportedProofType
	}

	msg := buildSignedMessage(addr, proofType, witness, r.URL)
	recovered, err := cryptocore.RecoverPersonal(msg, sig)
	if err != nil {
		return Route{}, ErrSignatureInvalid
	}

	switch proofType {
	case "create":
		derived = deployer.Create(recovered, *r.Nonce)
	case "create2":
		var salt, hash [32]byte
		saltBytes, _ := decodeHex32(r.Salt)
		hashBytes, _ := decodeHex32(r.InitCodeHash)
		copy(salt[:], saltBytes[:])
		copy(hash[:], hashBytes[:])
		derived = deployer.Create2(recovered, salt, hash)
	}

	if derived != addr {
		return Route{}, ErrOwnershipMismatch
	}

	return Route{
		Addr:       addr,
		URL:        r.URL,
		ProofType:  proofType,
		SignerAddr: recovered.Hex(),
	}, nil
}

// buildSignedMessage reconstructs addr||proofType||witness||url, the exact
// byte sequence the prover signed under EIP-191, per spec.md §6 external
// interfaces.
func buildSignedMessage(addr, proofType string, witness []byte, rawURL string) []byte {
	var buf []byte
	buf = append(buf, []byte(addr)...)
	buf = append(buf, []byte(proofType)...)
	buf = append(buf, witness...)
	buf = append(buf, []byte(rawURL)...)
	return buf
}

func isAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := decodeHex(s)
	if err != nil || len(b) != 32 {
		return out, errors.New("routevalidate: expected 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}

// encodeUint64 encodes n the way RLP encodes unsigned integers — and the
// way deployer.encodeNonce derives a CREATE address — as the big-endian
// minimal byte representation, with zero encoding to an empty string. The
// witness bytes here must match deployer's encoding exactly: they both feed
// the same EIP-191 message a prover signs and the proxy recovers.
func encodeUint64(n uint64) []byte {
	if n == 0 {
		return nil
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return b
}
