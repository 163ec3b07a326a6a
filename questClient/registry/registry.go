// Package registry holds the typed capability table: for each contract method
// the client may enqueue, its argument schema, the read keys a confirmed call
// invalidates, and the role required to call it.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/config"
	"github.com/questline/questline-client/questClient/descriptor"
)

// DefaultAdminRole is the AccessControl admin role name.
const DefaultAdminRole = "DEFAULT_ADMIN_ROLE"

// MethodSpec describes one enqueueable contract method.
type MethodSpec struct {
	Signature     descriptor.MethodSignature
	AffectedReads []string
	RequiredRole  string
	Description   string
}

// Registry is a thread-safe capability table keyed by method name.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]MethodSpec
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		methods: make(map[string]MethodSpec),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// FromConfig builds a registry from the capabilities block of cfg.
func FromConfig(capabilities map[string]config.CapabilityConfig, logger zerolog.Logger) (*Registry, error) {
	r := New(logger)
	for name, c := range capabilities {
		sig, err := descriptor.ParseMethod(c.Signature)
		if err != nil {
			return nil, fmt.Errorf("capability %s: %w", name, err)
		}
		if err := r.Register(MethodSpec{
			Signature:     sig,
			AffectedReads: c.AffectedReads,
			RequiredRole:  c.RequiredRole,
			Description:   c.Description,
		}); err != nil {
			return nil, err
		}
	}
	r.logger.Info().Int("methods", len(capabilities)).Msg("capability table loaded")
	return r, nil
}

// Register adds or replaces a method spec.
func (r *Registry) Register(spec MethodSpec) error {
	if spec.Signature.IsZero() {
		return fmt.Errorf("method spec has no signature")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reads := make([]string, len(spec.AffectedReads))
	copy(reads, spec.AffectedReads)
	spec.AffectedReads = reads
	r.methods[spec.Signature.Name] = spec
	return nil
}

// Lookup returns the spec for a method name.
func (r *Registry) Lookup(name string) (MethodSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.methods[name]
	return spec, ok
}

// Method returns the parsed signature registered for name.
func (r *Registry) Method(name string) (descriptor.MethodSignature, error) {
	spec, ok := r.Lookup(name)
	if !ok {
		return descriptor.MethodSignature{}, fmt.Errorf("method %s is not registered", name)
	}
	return spec.Signature, nil
}

// AffectedReads returns the read key patterns for method. ok is false for
// unmapped methods, which callers must treat as "everything on the contract".
func (r *Registry) AffectedReads(method string) ([]string, bool) {
	spec, ok := r.Lookup(method)
	if !ok {
		r.logger.Debug().Str("method", method).Msg("method not in capability table")
		return nil, false
	}
	out := make([]string, len(spec.AffectedReads))
	copy(out, spec.AffectedReads)
	return out, true
}

// RequiredRole returns the role name gating method, or "".
func (r *Registry) RequiredRole(method string) string {
	spec, _ := r.Lookup(method)
	return spec.RequiredRole
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleID returns the bytes32 role identifier for an AccessControl role name.
// DEFAULT_ADMIN_ROLE is the zero hash; other roles are keccak256(name).
func RoleID(name string) common.Hash {
	if name == DefaultAdminRole {
		return common.Hash{}
	}
	return crypto.Keccak256Hash([]byte(name))
}
