// HTTP surface over the routing layer. Error kinds map onto status codes:
// validation 400, quota 429, not-found 404, capacity 503. Handlers stay
// thin; all semantics live in the router package.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gpu-router/gpu-router/router"
)

// Server exposes the routing API.
type Server struct {
	router     *router.Router
	quotas     *router.QuotaManager
	gpus       *router.GPURegistry
	aggregator *router.Aggregator
	handler    http.Handler
}

// NewServer wires the HTTP routes. The returned server's Handler is ready to
// serve.
func NewServer(rt *router.Router, quotas *router.QuotaManager, gpus *router.GPURegistry, agg *router.Aggregator) *Server {
	s := &Server{
		router:     rt,
		quotas:     quotas,
		gpus:       gpus,
		aggregator: agg,
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(router.NewPromCollector(agg))

	m := mux.NewRouter()
	m.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	m.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods("GET")

	v1 := m.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/route", s.handleRoute).Methods("POST")
	v1.HandleFunc("/route/batch", s.handleRouteBatch).Methods("POST")
	v1.HandleFunc("/requests/{id}", s.handleRequestStatus).Methods("GET")
	v1.HandleFunc("/requests/{id}", s.handleRequestCancel).Methods("DELETE")
	v1.HandleFunc("/batches/{id}", s.handleBatchStatus).Methods("GET")
	v1.HandleFunc("/gpus", s.handleGPUs).Methods("GET")
	v1.HandleFunc("/gpus/{id}", s.handleGPU).Methods("GET")
	v1.HandleFunc("/metrics", s.handleMetricsReport).Methods("GET")
	v1.HandleFunc("/quotas/{user_id}", s.handleQuotaGet).Methods("GET")
	v1.HandleFunc("/quotas/{user_id}", s.handleQuotaSet).Methods("PUT")
	v1.HandleFunc("/quotas/{user_id}", s.handleQuotaReset).Methods("DELETE")
	v1.HandleFunc("/quotas/{user_id}/reset", s.handleQuotaReset).Methods("POST")

	s.handler = m
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var sub router.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	result, err := s.router.Submit(&sub)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRouteBatch(w http.ResponseWriter, r *http.Request) {
	var batch router.BatchSubmission
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	result, err := s.router.SubmitBatch(&batch)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.router.Status(mux.Vars(r)["id"])
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	req, err := s.router.Cancel(mux.Vars(r)["id"])
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.router.BatchStatus(mux.Vars(r)["id"])
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGPUs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"gpus": s.gpus.Snapshot()})
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, ok := s.gpus.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "gpu "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleMetricsReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.aggregator.Report())
}

func (s *Server) handleQuotaGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.quotas.Get(mux.Vars(r)["user_id"]))
}

func (s *Server) handleQuotaSet(w http.ResponseWriter, r *http.Request) {
	var patch router.QuotaPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.quotas.Set(mux.Vars(r)["user_id"], patch))
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	s.quotas.Reset(mux.Vars(r)["user_id"])
	w.WriteHeader(http.StatusNoContent)
}

// writeRouterError maps a router error kind to an HTTP status.
func writeRouterError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := router.KindOf(err); ok {
		switch kind {
		case router.KindValidation:
			status = http.StatusBadRequest
		case router.KindQuotaExceeded:
			status = http.StatusTooManyRequests
		case router.KindNotFound:
			status = http.StatusNotFound
		case router.KindCapacityUnavailable:
			status = http.StatusServiceUnavailable
		case router.KindBackendExecution:
			status = http.StatusBadGateway
		}
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("encoding response: %v", err)
	}
}
