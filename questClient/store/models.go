// Package store contains the GORM-backed SQLite models of the transaction
// journal.
//
// Database Structure (database file: journal.db):
//
//	<node_home>/data/
//	└── journal.db
//	    └── transactions
package store

import (
	"time"

	"gorm.io/gorm"
)

// Transaction is one journaled TransactionRecord together with the call that
// produced it, enough to resume tracking after a restart.
type Transaction struct {
	gorm.Model
	Hash          string     `gorm:"uniqueIndex;not null"` // Transaction hash returned by the signer
	DescriptorID  string     `gorm:"index"`                // Queue-assigned descriptor ID
	Target        string     `gorm:"index;not null"`       // Contract address
	Method        string     `gorm:"not null"`             // Canonical signature, e.g. "mintBadge(address,uint256)"
	Calldata      []byte     // Selector plus ABI-encoded arguments
	Value         string     // Native value in wei, decimal; empty when none
	Priority      int        // Queue priority at enqueue time
	Description   string     // Human readable label
	State         string     `gorm:"index;not null"` // "SUBMITTED", "CONFIRMING", "CONFIRMED", "FAILED", "DROPPED"
	Confirmations uint64     // Confirmations observed at the last poll
	BlockNumber   uint64     // Inclusion block, 0 until a receipt is seen
	ErrorCode     string     // Error code of a failed or dropped record
	ErrorMsg      string     `gorm:"type:text"` // Human readable error message
	SubmittedAt   time.Time  `gorm:"not null"`
	ReceiptSeenAt *time.Time // First receipt observation; restarts the drop timer
	SettledAt     *time.Time `gorm:"index"` // Set once the record is terminal
}

// TableName specifies the table name for Transaction.
func (Transaction) TableName() string {
	return "transactions"
}
