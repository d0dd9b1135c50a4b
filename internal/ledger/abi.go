package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const wordSize = 32

// EncodeCall ABI-encodes a call to fn with args. Supported types: string,
// address (hex string), uint256 (*big.Int, int64 or uint64), bool, bytes32.
func EncodeCall(fn Function, args ...interface{}) ([]byte, error) {
	if len(args) != len(fn.Inputs) {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", fn.Signature(), len(fn.Inputs), len(args))
	}

	head := make([]byte, 0, wordSize*len(args))
	var tail []byte
	headSize := wordSize * len(args)

	for i, p := range fn.Inputs {
		switch p.Type {
		case "string":
			s, ok := args[i].(string)
			if !ok {
				return nil, argError(fn, i, p.Type, args[i])
			}
			head = append(head, uintWord(uint64(headSize+len(tail)))...)
			tail = append(tail, encodeBytes([]byte(s))...)
		case "address":
			s, ok := args[i].(string)
			if !ok || !IsAddress(s) {
				return nil, fmt.Errorf("%s argument %d: %w: %v", fn.Signature(), i, ErrInvalidAddress, args[i])
			}
			raw, _ := hex.DecodeString(s[2:])
			head = append(head, leftPad(raw)...)
		case "uint256":
			n, err := toBig(args[i])
			if err != nil {
				return nil, fmt.Errorf("%s argument %d: %w", fn.Signature(), i, err)
			}
			head = append(head, leftPad(n.Bytes())...)
		case "bool":
			b, ok := args[i].(bool)
			if !ok {
				return nil, argError(fn, i, p.Type, args[i])
			}
			var v uint64
			if b {
				v = 1
			}
			head = append(head, uintWord(v)...)
		case "bytes32":
			b, ok := args[i].([]byte)
			if !ok || len(b) > wordSize {
				return nil, argError(fn, i, p.Type, args[i])
			}
			word := make([]byte, wordSize)
			copy(word, b)
			head = append(head, word...)
		default:
			return nil, fmt.Errorf("%s argument %d: unsupported type %s", fn.Signature(), i, p.Type)
		}
	}

	out := make([]byte, 0, 4+len(head)+len(tail))
	out = append(out, fn.Selector()...)
	out = append(out, head...)
	return append(out, tail...), nil
}

// DecodeBool reads a single bool return value.
func DecodeBool(data []byte) (bool, error) {
	n, err := DecodeUint256(data)
	if err != nil {
		return false, err
	}
	switch n.Uint64() {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("bool return value out of range: %s", n)
	}
}

// DecodeUint256 reads a single uint256 return value.
func DecodeUint256(data []byte) (*big.Int, error) {
	if len(data) < wordSize {
		return nil, fmt.Errorf("return data too short: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:wordSize]), nil
}

// DecodeHex strips an optional 0x prefix and decodes the rest.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// EncodeHex returns data as 0x-prefixed hex.
func EncodeHex(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}

func encodeBytes(b []byte) []byte {
	out := uintWord(uint64(len(b)))
	padded := make([]byte, (len(b)+wordSize-1)/wordSize*wordSize)
	copy(padded, b)
	return append(out, padded...)
}

func uintWord(v uint64) []byte {
	return leftPad(new(big.Int).SetUint64(v).Bytes())
}

func leftPad(b []byte) []byte {
	word := make([]byte, wordSize)
	copy(word[wordSize-len(b):], b)
	return word
}

func toBig(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n.Sign() < 0 || n.BitLen() > 256 {
			return nil, fmt.Errorf("uint256 out of range: %s", n)
		}
		return n, nil
	case int64:
		if n < 0 {
			return nil, fmt.Errorf("uint256 out of range: %d", n)
		}
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	default:
		return nil, fmt.Errorf("cannot encode %T as uint256", v)
	}
}

func argError(fn Function, i int, typ string, v interface{}) error {
	return fmt.Errorf("%s argument %d: cannot encode %T as %s", fn.Signature(), i, v, typ)
}
