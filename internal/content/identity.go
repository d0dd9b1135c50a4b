package content

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidPublicKey is returned for key material DeriveAddress cannot use.
var ErrInvalidPublicKey = errors.New("invalid public key")

// DeriveAddress maps an uncompressed secp256k1 public key (hex, with or without
// the 0x prefix and the 0x04 marker byte) to its 0x-prefixed address: the last
// 20 bytes of the Keccak-256 of the 64 key bytes. It is a pure function.
func DeriveAddress(publicKeyHex string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(publicKeyHex), "0x"), "0X")
	key, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	switch {
	case len(key) == 65 && key[0] == 0x04:
		key = key[1:]
	case len(key) == 64:
	default:
		return "", fmt.Errorf("%w: want 64 or 65 bytes, got %d", ErrInvalidPublicKey, len(key))
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(key)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:]), nil
}

// IsAddress reports whether s looks like a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	if len(s) != 42 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
