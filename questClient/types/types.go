// Package types holds the lifecycle model shared by the queue, the tracker,
// the reconciliation bus and the notification surface.
package types

import (
	"time"

	"github.com/questline/questline-client/questClient/descriptor"
)

// TxState is the lifecycle state of a submitted transaction.
type TxState string

const (
	StateSubmitted  TxState = "SUBMITTED"
	StateConfirming TxState = "CONFIRMING"
	StateConfirmed  TxState = "CONFIRMED"
	StateFailed     TxState = "FAILED"
	StateDropped    TxState = "DROPPED"
)

// IsTerminal reports whether no further transition may leave s.
func (s TxState) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateDropped
}

func (s TxState) String() string { return string(s) }

// TransactionRecord tracks one transaction after it was handed to the signer.
// Records handed out by the tracker are copies.
type TransactionRecord struct {
	Hash          string                    `json:"hash"`
	DescriptorID  string                    `json:"descriptor_id"`
	Descriptor    descriptor.CallDescriptor `json:"-"`
	State         TxState                   `json:"state"`
	Confirmations uint64                    `json:"confirmations"`
	BlockNumber   uint64                    `json:"block_number,omitempty"`
	Error         error                     `json:"-"`
	ErrorMessage  string                    `json:"error,omitempty"`
	SubmittedAt   time.Time                 `json:"submitted_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	SettledAt     time.Time                 `json:"settled_at"`
	ReceiptSeenAt time.Time                 `json:"-"`
	LastPollError string                    `json:"last_poll_error,omitempty"`
}

// Method returns the originating method name.
func (r TransactionRecord) Method() string { return r.Descriptor.Method.Name }

// Target returns the originating contract.
func (r TransactionRecord) Target() string { return r.Descriptor.Target }

// ReceiptStatus is what the receipt capability reports for a hash.
type ReceiptStatus int

const (
	ReceiptNotFound ReceiptStatus = iota
	ReceiptPending
	ReceiptSuccess
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptNotFound:
		return "not-found"
	case ReceiptPending:
		return "pending"
	case ReceiptSuccess:
		return "success"
	case ReceiptReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Receipt is the result of one receipt poll.
type Receipt struct {
	Status        ReceiptStatus
	Confirmations uint64
	BlockNumber   uint64
	RevertReason  string
}
