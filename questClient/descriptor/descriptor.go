// Package descriptor defines the immutable description of one intended
// contract state change, prior to signing.
package descriptor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	txerrors "github.com/questline/questline-client/questClient/errors"
)

// Priority determines queue ordering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority parses "low", "medium" or "high".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// CallDescriptor describes one pending contract invocation. It is a value
// type: the With* helpers return modified copies, and the queue stores its
// own clone at enqueue time.
type CallDescriptor struct {
	ID          string
	Target      string
	Method      MethodSignature
	Args        []any
	Value       *big.Int
	Priority    Priority
	Description string
}

// New returns a medium-priority descriptor without an ID.
func New(target string, method MethodSignature, args ...any) CallDescriptor {
	return CallDescriptor{
		Target:   target,
		Method:   method,
		Args:     args,
		Priority: PriorityMedium,
	}
}

// WithPriority returns a copy with the given priority.
func (d CallDescriptor) WithPriority(p Priority) CallDescriptor {
	d.Priority = p
	return d
}

// WithValue returns a copy carrying a native-currency amount.
func (d CallDescriptor) WithValue(v *big.Int) CallDescriptor {
	if v != nil {
		d.Value = new(big.Int).Set(v)
	}
	return d
}

// WithDescription returns a copy with a human-readable label.
func (d CallDescriptor) WithDescription(desc string) CallDescriptor {
	d.Description = desc
	return d
}

// Clone returns a deep-enough copy: the Args slice and Value are not shared.
func (d CallDescriptor) Clone() CallDescriptor {
	if d.Args != nil {
		args := make([]any, len(d.Args))
		copy(args, d.Args)
		d.Args = args
	}
	if d.Value != nil {
		d.Value = new(big.Int).Set(d.Value)
	}
	return d
}

// AssignID returns a copy with a fresh unique ID.
func (d CallDescriptor) AssignID() CallDescriptor {
	d.ID = uuid.NewString()
	return d
}

// TargetAddress returns the target as an address.
func (d CallDescriptor) TargetAddress() common.Address {
	return common.HexToAddress(d.Target)
}

// Label returns Description, falling back to the method signature.
func (d CallDescriptor) Label() string {
	if d.Description != "" {
		return d.Description
	}
	return d.Method.String()
}

// Validate checks that the descriptor is well formed: target and method are
// present, the target is an address, and args match the method's arity and
// types. Failures are INVALID_DESCRIPTOR errors.
func (d CallDescriptor) Validate() error {
	if strings.TrimSpace(d.Target) == "" {
		return txerrors.NewInvalidDescriptorError("", "target is required")
	}
	if !common.IsHexAddress(d.Target) {
		return txerrors.NewInvalidDescriptorError(d.Target, "target is not a valid address")
	}
	if d.Method.IsZero() {
		return txerrors.NewInvalidDescriptorError(d.Target, "method is required")
	}
	if len(d.Args) != d.Method.Arity() {
		return txerrors.NewInvalidDescriptorError(d.Target,
			fmt.Sprintf("%s expects %d arguments, got %d", d.Method.String(), d.Method.Arity(), len(d.Args)))
	}
	if d.Value != nil && d.Value.Sign() < 0 {
		return txerrors.NewInvalidDescriptorError(d.Target, "value must not be negative")
	}
	if d.Priority < PriorityLow || d.Priority > PriorityHigh {
		return txerrors.NewInvalidDescriptorError(d.Target, fmt.Sprintf("unknown priority %d", d.Priority))
	}
	if _, err := d.Method.Inputs.Pack(d.Args...); err != nil {
		return txerrors.NewTxError(txerrors.ErrCodeInvalidDescriptor, d.Target,
			fmt.Sprintf("arguments do not match %s", d.Method.String()), err)
	}
	return nil
}

// Calldata returns the ABI-encoded selector and arguments.
func (d CallDescriptor) Calldata() ([]byte, error) {
	packed, err := d.Method.Inputs.Pack(d.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", d.Method.String(), err)
	}
	return append(d.Method.Selector(), packed...), nil
}
