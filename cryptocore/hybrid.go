package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecryptionFailed is returned for any failure in the hybrid-decrypt path:
// bad envelope JSON, RSA unwrap failure, or AES padding/verification
// failure. Callers should treat it as a deterministic rejection (see
// spec.md §7).
var ErrDecryptionFailed = errors.New("cryptocore: decryption failed")

// envelope is the wire format of a hybrid-encrypted payload.
type envelope struct {
	Key  string `json:"key"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// HybridEncrypt generates a random 32-byte AES key and 16-byte IV, encrypts
// plaintext with AES-256-CBC, wraps the AES key with RSA-OAEP-SHA256 under
// pub, and returns the JSON envelope {key, iv, data} (all base64).
func HybridEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("cryptocore: generate aes key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptocore: generate iv: %w", err)
	}

	ct, err := aesCBCEncrypt(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: rsa-oaep wrap: %w", err)
	}

	env := envelope{
		Key:  base64.StdEncoding.EncodeToString(wrapped),
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ct),
	}
	return json.Marshal(env)
}

// HybridDecrypt accepts a hybrid envelope that may be raw JSON, a single
// base64-encoded JSON document, or a double base64-encoded JSON document
// (P3), unwraps the AES key with priv, and returns the AES-decrypted
// plaintext.
func HybridDecrypt(priv *rsa.PrivateKey, payload []byte) ([]byte, error) {
	raw, err := normalizeEnvelopeBytes(payload)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrDecryptionFailed
	}
	if env.Key == "" || env.IV == "" || env.Data == "" {
		return nil, ErrDecryptionFailed
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aesCBCDecrypt(aesKey, iv, ct)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// normalizeEnvelopeBytes detects whether payload is already ASCII JSON (a
// '{' after trimming whitespace) or needs one or two rounds of base64
// decoding, per spec.md §4.3's "detect by ASCII-JSON probe, else base64
// -decode up to twice" rule.
func normalizeEnvelopeBytes(payload []byte) ([]byte, error) {
	cur := payload
	for i := 0; i < 3; i++ {
		if looksLikeJSON(cur) {
			return cur, nil
		}
		decoded, err := base64.StdEncoding.DecodeString(string(trimSpace(cur)))
		if err != nil {
			return nil, errors.New("cryptocore: envelope is neither JSON nor valid base64")
		}
		cur = decoded
	}
	return nil, errors.New("cryptocore: envelope nesting too deep")
}

func looksLikeJSON(b []byte) bool {
	t := trimSpace(b)
	return len(t) > 0 && t[0] == '{'
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// SessionEncrypt encrypts plaintext under a caller-supplied 32-byte AES key
// with a freshly generated IV, returning the same {key-omitted, iv, data}
// shaped envelope but with no RSA wrapping step — used once a session key
// has been established between the proxy and a prover (spec.md §4.7).
func SessionEncrypt(key []byte, plaintext []byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptocore: generate iv: %w", err)
	}
	ct, err := aesCBCEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	env := struct {
		IV   string `json:"iv"`
		Data string `json:"data"`
	}{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ct),
	}
	return json.Marshal(env)
}

// SessionDecrypt reverses SessionEncrypt.
func SessionDecrypt(key []byte, payload []byte) ([]byte, error) {
	var env struct {
		IV   string `json:"iv"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, ErrDecryptionFailed
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aesCBCDecrypt(key, iv, ct)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func aesCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

func aesCBCDecrypt(key, iv, ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("cryptocore: ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new aes cipher: %w", err)
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("cryptocore: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, errors.New("cryptocore: invalid pkcs7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("cryptocore: invalid pkcs7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
