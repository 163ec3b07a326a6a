package api

import (
	"context"

	"github.com/questline/questline-client/questClient/ethrpc"
	"github.com/questline/questline-client/questClient/queue"
	"github.com/questline/questline-client/questClient/reads"
	"github.com/questline/questline-client/questClient/types"
)

// SessionInterface defines the methods needed by the API server
type SessionInterface interface {
	Account() string
	Healthy(ctx context.Context) bool
	PendingEntries() []queue.Snapshot
	Entry(id string) (queue.Snapshot, bool)
	Unsettled() int
	Transactions() []types.TransactionRecord
	Transaction(hash string) (types.TransactionRecord, bool)
	ReadEntries() []reads.Snapshot
	Endpoints() []ethrpc.EndpointStatus
}
