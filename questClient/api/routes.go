package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// API v1 endpoints
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	v1.HandleFunc("/queue/{id}", s.handleQueueEntry).Methods(http.MethodGet)
	v1.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{hash}", s.handleTransaction).Methods(http.MethodGet)
	v1.HandleFunc("/reads", s.handleReads).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints", s.handleEndpoints).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	return r
}
