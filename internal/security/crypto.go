package security

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// cipherKeySize is the 3DES key length taken from the start of the key material.
	cipherKeySize = 24
	// MinKeySize keeps the cipher key and the IV from overlapping.
	MinKeySize = cipherKeySize + des.BlockSize
	// DefaultKeySize is the number of random bytes GenerateKey uses.
	DefaultKeySize = 40
	// DateLayout formats the Date header the signature covers.
	DateLayout = "Mon 02 Jan 2006 15:04:05 MST"
)

var (
	errShortKey   = fmt.Errorf("key material shorter than %d bytes", MinKeySize)
	errBadPadding = errors.New("bad padding")
)

// Encrypt encrypts data with 3DES-CBC and returns it base64 encoded.
// The cipher key is the first 24 bytes of key, the IV the last 8.
func Encrypt(data, key []byte) (string, error) {
	block, iv, err := newCipher(key)
	if err != nil {
		return "", err
	}

	padded := pad(data, des.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encoded string, key []byte) ([]byte, error) {
	block, iv, err := newCipher(key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%des.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(raw))
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	return unpad(out, des.BlockSize)
}

// Sign returns base64(HMAC-SHA1(data + date)).
func Sign(data, key []byte, date string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	mac.Write([]byte(date))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(data, key []byte, date, signature string) bool {
	expected := Sign(data, key, date)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Canonical concatenates sorted keys with their values.
func Canonical(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(params[k])
	}
	return buf.Bytes()
}

// FormatDate renders t the way the Date header expects.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a Date header value.
func ParseDate(v string) (time.Time, error) {
	return time.Parse(DateLayout, v)
}

// GenerateKey returns n random bytes, base64 encoded.
func GenerateKey(n int) (string, error) {
	if n < MinKeySize {
		return "", errShortKey
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeKey decodes base64 key material and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) < MinKeySize {
		return nil, errShortKey
	}
	return key, nil
}

func newCipher(key []byte) (cipher.Block, []byte, error) {
	if len(key) < MinKeySize {
		return nil, nil, errShortKey
	}
	block, err := des.NewTripleDESCipher(key[:cipherKeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	return block, key[len(key)-des.BlockSize:], nil
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-n], nil
}
