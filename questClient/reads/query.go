package reads

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/questline/questline-client/questClient/config"
	"github.com/questline/questline-client/questClient/descriptor"
	txerrors "github.com/questline/questline-client/questClient/errors"
)

// Tier classifies read data by how often it is expected to change.
type Tier int

const (
	TierStatic Tier = iota
	TierSemiStatic
	TierDynamic
	TierUserSpecific
)

func (t Tier) String() string {
	switch t {
	case TierStatic:
		return "static"
	case TierSemiStatic:
		return "semi-static"
	case TierDynamic:
		return "dynamic"
	case TierUserSpecific:
		return "user-specific"
	default:
		return "unknown"
	}
}

// Staleness maps each tier to the age after which a cached value is refetched.
type Staleness struct {
	Static       time.Duration
	SemiStatic   time.Duration
	Dynamic      time.Duration
	UserSpecific time.Duration
}

// DefaultStaleness returns the built-in thresholds.
func DefaultStaleness() Staleness {
	return Staleness{
		Static:       30 * time.Minute,
		SemiStatic:   10 * time.Minute,
		Dynamic:      3 * time.Minute,
		UserSpecific: 2 * time.Minute,
	}
}

// StalenessFromConfig reads thresholds from the reads config block,
// keeping defaults for unset values.
func StalenessFromConfig(cfg config.ReadsConfig) Staleness {
	s := DefaultStaleness()
	if cfg.StaticSeconds > 0 {
		s.Static = time.Duration(cfg.StaticSeconds) * time.Second
	}
	if cfg.SemiStaticSeconds > 0 {
		s.SemiStatic = time.Duration(cfg.SemiStaticSeconds) * time.Second
	}
	if cfg.DynamicSeconds > 0 {
		s.Dynamic = time.Duration(cfg.DynamicSeconds) * time.Second
	}
	if cfg.UserSpecificSeconds > 0 {
		s.UserSpecific = time.Duration(cfg.UserSpecificSeconds) * time.Second
	}
	return s
}

// For returns the threshold of tier.
func (s Staleness) For(tier Tier) time.Duration {
	switch tier {
	case TierStatic:
		return s.Static
	case TierSemiStatic:
		return s.SemiStatic
	case TierDynamic:
		return s.Dynamic
	default:
		return s.UserSpecific
	}
}

// Query is one read-only contract call. Queries with equal keys share a
// cache entry and an in-flight fetch.
type Query struct {
	Target  string
	Method  descriptor.MethodSignature
	Args    []any
	Returns abi.Arguments
	Tier    Tier
}

// NewQuery builds a query from text signatures, e.g.
// NewQuery(badge, "balanceOf(address)", "uint256", TierDynamic, owner).
func NewQuery(target, method, returns string, tier Tier, args ...any) (Query, error) {
	sig, err := descriptor.ParseMethod(method)
	if err != nil {
		return Query{}, err
	}
	outs, err := descriptor.ParseTypes(returns)
	if err != nil {
		return Query{}, fmt.Errorf("returns of %s: %w", sig.Name, err)
	}
	return Query{Target: target, Method: sig, Args: args, Returns: outs, Tier: tier}, nil
}

// MustQuery is NewQuery that panics on error.
func MustQuery(target, method, returns string, tier Tier, args ...any) Query {
	q, err := NewQuery(target, method, returns, tier, args...)
	if err != nil {
		panic(err)
	}
	return q
}

// Validate checks the query can be issued.
func (q Query) Validate() error {
	if !common.IsHexAddress(q.Target) {
		return txerrors.NewInvalidDescriptorError(q.Target, "read target is not a valid address")
	}
	if q.Method.IsZero() {
		return txerrors.NewInvalidDescriptorError(q.Target, "read method is required")
	}
	if len(q.Args) != q.Method.Arity() {
		return txerrors.NewInvalidDescriptorError(q.Target,
			fmt.Sprintf("%s expects %d arguments, got %d", q.Method.String(), q.Method.Arity(), len(q.Args)))
	}
	if q.Tier < TierStatic || q.Tier > TierUserSpecific {
		return txerrors.NewInvalidDescriptorError(q.Target, fmt.Sprintf("unknown tier %d", q.Tier))
	}
	return nil
}

// Key returns the cache key "target:method(arg,...)" with addresses and hex
// values lowercased.
func (q Query) Key() string {
	return strings.ToLower(q.Target) + ":" + q.Method.Name + "(" + strings.Join(q.argStrings(), ",") + ")"
}

func (q Query) argStrings() []string {
	out := make([]string, len(q.Args))
	for i, a := range q.Args {
		out[i] = formatArg(a)
	}
	return out
}

func formatArg(v any) string {
	switch x := v.(type) {
	case common.Address:
		return strings.ToLower(x.Hex())
	case *common.Address:
		if x == nil {
			return ""
		}
		return strings.ToLower(x.Hex())
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return hexutil.Encode(x[:])
	case []byte:
		return hexutil.Encode(x)
	case *big.Int:
		if x == nil {
			return "0"
		}
		return x.String()
	case string:
		if strings.HasPrefix(x, "0x") || strings.HasPrefix(x, "0X") {
			return strings.ToLower(x)
		}
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// pattern selects cache entries for invalidation. Accepted forms:
//
//	method(*)              any arguments
//	method(a,b)            exact arguments
//	method                 same as method(*)
//	*                      every entry
//	0xtarget:method(...)   any of the above scoped to one contract
type pattern struct {
	target  string
	method  string
	args    []string
	anyArgs bool
	all     bool
}

func parsePattern(s string) (pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pattern{}, fmt.Errorf("empty read key pattern")
	}
	var p pattern
	if i := strings.IndexByte(s, ':'); i >= 0 {
		p.target = strings.ToLower(strings.TrimSpace(s[:i]))
		s = strings.TrimSpace(s[i+1:])
	}
	if s == "*" {
		p.all = true
		return p, nil
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		p.method = s
		p.anyArgs = true
		return p, nil
	}
	if open == 0 || !strings.HasSuffix(s, ")") {
		return pattern{}, fmt.Errorf("invalid read key pattern %q", s)
	}
	p.method = s[:open]
	body := strings.TrimSpace(s[open+1 : len(s)-1])
	if body == "*" {
		p.anyArgs = true
		return p, nil
	}
	if body != "" {
		for _, a := range strings.Split(body, ",") {
			p.args = append(p.args, strings.ToLower(strings.TrimSpace(a)))
		}
	}
	return p, nil
}

func (p pattern) scoped(target string) pattern {
	p.target = strings.ToLower(target)
	return p
}

func (p pattern) matches(e *entry) bool {
	if p.target != "" && p.target != e.target {
		return false
	}
	if p.all {
		return true
	}
	if p.method != e.method {
		return false
	}
	if p.anyArgs {
		return true
	}
	if len(p.args) != len(e.args) {
		return false
	}
	for i := range p.args {
		if p.args[i] != strings.ToLower(e.args[i]) {
			return false
		}
	}
	return true
}
