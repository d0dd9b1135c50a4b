package ledger

import (
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultContract(t *testing.T) *Contract {
	t.Helper()
	c, err := ParseContractSchema([]byte(DefaultContractSchema))
	require.NoError(t, err)
	return c
}

func TestDefaultSchemaSelectors(t *testing.T) {
	c := defaultContract(t)
	cases := map[string]string{
		"attest":       "0x5bf3d427",
		"isRegistered": "0xc3c5a547",
		"getBalance":   "0xf8b2cb4f",
	}
	for name, want := range cases {
		fn, ok := c.Function(name)
		require.True(t, ok, name)
		assert.Equal(t, want, fn.SelectorHex(), fn.Signature())
	}
}

func TestParseContractSchemaRejections(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"not json": {`{`, "not valid JSON"},
		"no functions": {`{"name":"X","functions":[]}`, "rejected"},
		"unknown type": {`{"name":"X","functions":[{"name":"attest","stateMutability":"nonpayable","inputs":[{"type":"string"},{"type":"bytes"}]}]}`, "rejected"},
		"bad mutability": {`{"name":"X","functions":[{"name":"attest","stateMutability":"sometimes","inputs":[]}]}`, "rejected"},
		"missing attest": {`{"name":"X","functions":[{"name":"isRegistered","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]}]}`, "missing attest(string,string)"},
		"attest wrong inputs": {`{"name":"X","functions":[
			{"name":"attest","stateMutability":"nonpayable","inputs":[{"type":"string"}]},
			{"name":"isRegistered","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]}]}`, "must be attest(string,string)"},
		"isRegistered not view": {`{"name":"X","functions":[
			{"name":"attest","stateMutability":"nonpayable","inputs":[{"type":"string"},{"type":"string"}]},
			{"name":"isRegistered","stateMutability":"nonpayable","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]}]}`, "must be view"},
		"getBalance wrong output": {`{"name":"X","functions":[
			{"name":"attest","stateMutability":"nonpayable","inputs":[{"type":"string"},{"type":"string"}]},
			{"name":"isRegistered","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]},
			{"name":"getBalance","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]}]}`, "must return (uint256)"},
		"duplicate": {`{"name":"X","functions":[
			{"name":"attest","stateMutability":"nonpayable","inputs":[{"type":"string"},{"type":"string"}]},
			{"name":"attest","stateMutability":"nonpayable","inputs":[{"type":"string"},{"type":"string"}]}]}`, "twice"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseContractSchema([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadContractSchemaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.json")
	require.NoError(t, os.WriteFile(path, []byte(DefaultContractSchema), 0o600))
	c, err := LoadContractSchema(path)
	require.NoError(t, err)
	assert.Equal(t, "DataWalletRegistry", c.Name)

	_, err = LoadContractSchema(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestEncodeCallDynamicStrings(t *testing.T) {
	fn, _ := defaultContract(t).Function("attest")
	data, err := EncodeCall(fn, "a", "bc")
	require.NoError(t, err)

	got := hex.EncodeToString(data)
	words := []string{
		"0000000000000000000000000000000000000000000000000000000000000040",
		"0000000000000000000000000000000000000000000000000000000000000080",
		"0000000000000000000000000000000000000000000000000000000000000001",
		"6100000000000000000000000000000000000000000000000000000000000000",
		"0000000000000000000000000000000000000000000000000000000000000002",
		"6263000000000000000000000000000000000000000000000000000000000000",
	}
	assert.Equal(t, "5bf3d427"+strings.Join(words, ""), got)
}

func TestEncodeCallAddress(t *testing.T) {
	fn, _ := defaultContract(t).Function("isRegistered")
	data, err := EncodeCall(fn, "0x00000000000000000000000000000000000000AB")
	require.NoError(t, err)
	assert.Equal(t, "c3c5a547"+strings.Repeat("0", 62)+"ab", hex.EncodeToString(data))

	_, err = EncodeCall(fn, "alice@example.com")
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = EncodeCall(fn)
	require.Error(t, err)
}

func TestEncodeCallScalarTypes(t *testing.T) {
	fn := Function{Name: "f", Inputs: []Param{{Type: "uint256"}, {Type: "bool"}, {Type: "bytes32"}}}
	data, err := EncodeCall(fn, big.NewInt(258), true, []byte{0xff})
	require.NoError(t, err)
	require.Len(t, data, 4+3*32)
	assert.Equal(t, byte(0x01), data[4+30])
	assert.Equal(t, byte(0x02), data[4+31])
	assert.Equal(t, byte(0x01), data[4+63])
	assert.Equal(t, byte(0xff), data[4+64])

	_, err = EncodeCall(fn, big.NewInt(-1), true, []byte{})
	require.Error(t, err)
	_, err = EncodeCall(fn, "1", true, []byte{})
	require.Error(t, err)
}

func TestDecodeReturnValues(t *testing.T) {
	word := func(last byte) []byte {
		w := make([]byte, 32)
		w[31] = last
		return w
	}
	ok, err := DecodeBool(word(1))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = DecodeBool(word(2))
	require.Error(t, err)
	_, err = DecodeUint256([]byte{1})
	require.Error(t, err)

	n, err := DecodeUint256(word(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n.Int64())

	raw, err := DecodeHex("0xabc")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0xbc}, raw)
}
