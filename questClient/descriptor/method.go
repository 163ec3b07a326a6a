package descriptor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// MethodSignature is a contract method name plus its ABI argument types,
// parsed from text such as "mintBadge(address,uint256)".
type MethodSignature struct {
	Name   string
	Inputs abi.Arguments
	types  []string
}

// ParseMethod parses an ABI-style signature. Tuple arguments are not supported.
func ParseMethod(sig string) (MethodSignature, error) {
	sig = strings.TrimSpace(sig)
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return MethodSignature{}, fmt.Errorf("invalid method signature %q: expected name(type,...)", sig)
	}

	name := sig[:open]
	if !identifierRe.MatchString(name) {
		return MethodSignature{}, fmt.Errorf("invalid method name %q", name)
	}

	inputs, err := ParseTypes(sig[open+1 : len(sig)-1])
	if err != nil {
		return MethodSignature{}, fmt.Errorf("%s: %w", name, err)
	}
	method := MethodSignature{Name: name, Inputs: inputs}
	for _, in := range inputs {
		method.types = append(method.types, in.Type.String())
	}
	return method, nil
}

// ParseTypes parses a comma separated list of ABI types such as
// "address,uint256". An empty list yields no arguments.
func ParseTypes(list string) (abi.Arguments, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	var args abi.Arguments
	for i, raw := range strings.Split(list, ",") {
		typeName := strings.TrimSpace(raw)
		if typeName == "" || strings.ContainsAny(typeName, "() ") {
			return nil, fmt.Errorf("unsupported argument type %q", typeName)
		}
		t, err := abi.NewType(typeName, "", nil)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: t})
	}
	return args, nil
}

// MustParseMethod is ParseMethod that panics on error, for static tables.
func MustParseMethod(sig string) MethodSignature {
	m, err := ParseMethod(sig)
	if err != nil {
		panic(err)
	}
	return m
}

// IsZero reports whether the signature is unset.
func (m MethodSignature) IsZero() bool {
	return m.Name == ""
}

// Arity returns the number of arguments the method expects.
func (m MethodSignature) Arity() int {
	return len(m.Inputs)
}

// String returns the canonical signature used for the selector.
func (m MethodSignature) String() string {
	return m.Name + "(" + strings.Join(m.types, ",") + ")"
}

// Selector returns the 4-byte function selector.
func (m MethodSignature) Selector() []byte {
	return crypto.Keccak256([]byte(m.String()))[:4]
}
