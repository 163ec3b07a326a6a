package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/spf13/cast"

	"github.com/questline/questline-client/questClient/types"
)

const maxListLimit = 500

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.session != nil && !s.session.Healthy(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("DEGRADED"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Account:     s.session.Account(),
		Healthy:     s.session.Healthy(r.Context()),
		QueueDepth:  len(s.session.PendingEntries()),
		Unsettled:   s.session.Unsettled(),
		ReadEntries: len(s.session.ReadEntries()),
	})
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending := s.session.PendingEntries()
	writeJSON(w, http.StatusOK, QueryResponse{Data: pending, Count: len(pending)})
}

// handleQueueEntry handles GET /api/v1/queue/{id}
func (s *Server) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.session.Entry(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("queue entry %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: entry})
}

// handleTransactions handles GET /api/v1/transactions?state=<state>&limit=<n>
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := cast.ToIntE(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	state := types.TxState(strings.ToUpper(r.URL.Query().Get("state")))

	views := make([]TransactionView, 0)
	for _, rec := range s.session.Transactions() {
		if state != "" && rec.State != state {
			continue
		}
		views = append(views, newTransactionView(rec))
		if len(views) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: views, Count: len(views)})
}

// handleTransaction handles GET /api/v1/transactions/{hash}
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	rec, ok := s.session.Transaction(hash)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("transaction %s not found", hash)})
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: newTransactionView(rec)})
}

// handleReads handles GET /api/v1/reads?prefix=<key prefix>
func (s *Server) handleReads(w http.ResponseWriter, r *http.Request) {
	prefix := strings.ToLower(r.URL.Query().Get("prefix"))
	views := make([]ReadView, 0)
	for _, snap := range s.session.ReadEntries() {
		if prefix != "" && !strings.HasPrefix(snap.Key, prefix) {
			continue
		}
		view := ReadView{
			Key:       snap.Key,
			HasValue:  snap.HasValue,
			FetchedAt: snap.FetchedAt,
			Stale:     snap.Stale,
		}
		if snap.HasValue {
			view.Value = snap.Value
		}
		if snap.Err != nil {
			view.Error = snap.Err.Error()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: views, Count: len(views)})
}

// handleEndpoints handles GET /api/v1/endpoints
func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := s.session.Endpoints()
	writeJSON(w, http.StatusOK, QueryResponse{Data: endpoints, Count: len(endpoints)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
