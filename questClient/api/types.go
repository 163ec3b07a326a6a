package api

import (
	"time"

	"github.com/questline/questline-client/questClient/types"
)

// QueryResponse represents the standard query response format
type QueryResponse struct {
	Data  interface{} `json:"data"`
	Count int         `json:"count,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse summarises the session.
type StatusResponse struct {
	Account     string `json:"account,omitempty"`
	Healthy     bool   `json:"healthy"`
	QueueDepth  int    `json:"queue_depth"`
	Unsettled   int    `json:"unsettled"`
	ReadEntries int    `json:"read_entries"`
}

// TransactionView is a TransactionRecord with its originating call.
type TransactionView struct {
	types.TransactionRecord
	Target      string `json:"target"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
}

func newTransactionView(rec types.TransactionRecord) TransactionView {
	return TransactionView{
		TransactionRecord: rec,
		Target:            rec.Target(),
		Method:            rec.Descriptor.Method.String(),
		Description:       rec.Descriptor.Description,
	}
}

// ReadView is one read cache entry.
type ReadView struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value,omitempty"`
	HasValue  bool        `json:"has_value"`
	FetchedAt time.Time   `json:"fetched_at"`
	Stale     bool        `json:"stale"`
	Error     string      `json:"error,omitempty"`
}
