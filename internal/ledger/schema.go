package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/crypto/sha3"
)

// contractMetaSchema describes a valid contract schema document. Unknown
// parameter types are rejected here rather than at call time.
const contractMetaSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "functions"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "functions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "inputs", "stateMutability"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
          "inputs": {"type": "array", "items": {"$ref": "#/definitions/param"}},
          "outputs": {"type": "array", "items": {"$ref": "#/definitions/param"}},
          "stateMutability": {"enum": ["pure", "view", "nonpayable", "payable"]}
        }
      }
    }
  },
  "definitions": {
    "param": {
      "type": "object",
      "required": ["type"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "type": {"enum": ["string", "address", "uint256", "bool", "bytes32"]}
      }
    }
  }
}`

// DefaultContractSchema is the registry contract the attestor expects.
const DefaultContractSchema = `{
  "name": "DataWalletRegistry",
  "functions": [
    {"name": "attest", "stateMutability": "nonpayable",
     "inputs": [{"name": "taskId", "type": "string"}, {"name": "locator", "type": "string"}],
     "outputs": []},
    {"name": "isRegistered", "stateMutability": "view",
     "inputs": [{"name": "owner", "type": "address"}],
     "outputs": [{"type": "bool"}]},
    {"name": "getBalance", "stateMutability": "view",
     "inputs": [{"name": "owner", "type": "address"}],
     "outputs": [{"type": "uint256"}]}
  ]
}`

// Param is one typed function input or output.
type Param struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
}

// Function is one contract function.
type Function struct {
	Name            string  `json:"name"`
	Inputs          []Param `json:"inputs"`
	Outputs         []Param `json:"outputs,omitempty"`
	StateMutability string  `json:"stateMutability"`
}

// Signature returns the canonical form, e.g. attest(string,string).
func (f Function) Signature() string {
	types := make([]string, len(f.Inputs))
	for i, p := range f.Inputs {
		types[i] = p.Type
	}
	return f.Name + "(" + strings.Join(types, ",") + ")"
}

// Selector returns the first four bytes of Keccak-256 of the signature.
func (f Function) Selector() []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(f.Signature()))
	return h.Sum(nil)[:4]
}

// SelectorHex returns the selector as 0x-prefixed hex.
func (f Function) SelectorHex() string {
	return "0x" + hex.EncodeToString(f.Selector())
}

// Contract is a validated contract schema.
type Contract struct {
	Name      string     `json:"name"`
	Functions []Function `json:"functions"`

	byName map[string]Function
}

// Function looks up a function by name.
func (c *Contract) Function(name string) (Function, bool) {
	fn, ok := c.byName[name]
	return fn, ok
}

type requirement struct {
	name    string
	sig     string
	outputs []string
	view    bool
}

var requiredFunctions = []requirement{
	{name: "attest", sig: "attest(string,string)"},
	{name: "isRegistered", sig: "isRegistered(address)", outputs: []string{"bool"}, view: true},
}

// optionalFunctions must match their signature when declared.
var optionalFunctions = []requirement{
	{name: "getBalance", sig: "getBalance(address)", outputs: []string{"uint256"}, view: true},
}

// ParseContractSchema validates data against the meta-schema and checks
// that the attestor's required functions are declared with matching types.
func ParseContractSchema(data []byte) (*Contract, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(contractMetaSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("contract schema is not valid JSON: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return nil, fmt.Errorf("contract schema rejected: %s", strings.Join(problems, "; "))
	}

	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract schema: %w", err)
	}
	c.byName = make(map[string]Function, len(c.Functions))
	for _, fn := range c.Functions {
		if _, dup := c.byName[fn.Name]; dup {
			return nil, fmt.Errorf("contract schema declares %s twice", fn.Name)
		}
		c.byName[fn.Name] = fn
	}

	for _, req := range requiredFunctions {
		fn, ok := c.byName[req.name]
		if !ok {
			return nil, fmt.Errorf("contract schema is missing %s", req.sig)
		}
		if err := req.check(fn); err != nil {
			return nil, err
		}
	}
	for _, req := range optionalFunctions {
		if fn, ok := c.byName[req.name]; ok {
			if err := req.check(fn); err != nil {
				return nil, err
			}
		}
	}
	return &c, nil
}

// LoadContractSchema reads and validates a schema file.
func LoadContractSchema(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract schema: %w", err)
	}
	return ParseContractSchema(data)
}

func (r requirement) check(fn Function) error {
	if fn.Signature() != r.sig {
		return fmt.Errorf("contract function %s must be %s", fn.Signature(), r.sig)
	}
	if r.view && fn.StateMutability != "view" && fn.StateMutability != "pure" {
		return fmt.Errorf("contract function %s must be view", r.sig)
	}
	if r.outputs != nil {
		if len(fn.Outputs) != len(r.outputs) {
			return fmt.Errorf("contract function %s must return (%s)", r.sig, strings.Join(r.outputs, ","))
		}
		for i, out := range fn.Outputs {
			if out.Type != r.outputs[i] {
				return fmt.Errorf("contract function %s must return (%s)", r.sig, strings.Join(r.outputs, ","))
			}
		}
	}
	return nil
}
