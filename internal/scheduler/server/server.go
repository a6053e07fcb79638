// Package server exposes the scheduling backend over HTTP: a small JSON REST
// surface plus a server-sent-events stream of lifecycle events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ansys/simsched/internal/common/health"
	"github.com/ansys/simsched/internal/scheduler/configuration"
	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/handler"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
	"github.com/ansys/simsched/pkg/api"
)

// Server serves the REST façade for one SyncHandler.
type Server struct {
	handler    *handler.SyncHandler
	httpServer *http.Server
}

// New builds the server and its routes. The listen address comes from the
// configuration, falling back to the SIMSCHED_HOST/SIMSCHED_PORT environment
// variables and finally to localhost:8080.
func New(config configuration.Configuration, h *handler.SyncHandler) *Server {
	s := &Server{handler: h}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs/submit", s.submitJob)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.cancelJob)
	mux.HandleFunc("POST /jobs/{id}/priority", s.setPriority)
	mux.HandleFunc("GET /resources", s.resources)
	mux.HandleFunc("GET /queue", s.queueStats)
	mux.HandleFunc("GET /scheduler/partitions", s.partitions)
	mux.HandleFunc("GET /events", s.streamEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.SetupHttpMux(mux, h.HealthChecker())

	s.httpServer = &http.Server{
		Addr:    listenAddress(config.Http),
		Handler: mux,
	}
	return s
}

func listenAddress(config configuration.HttpConfig) string {
	host := config.Host
	if host == "" {
		host = os.Getenv("SIMSCHED_HOST")
	}
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		if p, err := strconv.Atoi(os.Getenv("SIMSCHED_PORT")); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("error shutting down http server")
		}
	}()
	log.WithField("address", s.httpServer.Addr).Info("serving scheduler REST api")
	err := s.httpServer.ListenAndServe()
	<-shutdownDone
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %s", err))
		return
	}
	config, err := req.Config.ToDomain()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	jobID, err := s.handler.SubmitJob(r.Context(), config, req.Priority)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SubmitJobResponse{
		JobID:  jobID,
		Status: string(domain.JobQueued),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	infos, err := s.handler.ListJobs(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	details := make([]api.JobDetails, len(infos))
	for i, info := range infos {
		details[i] = api.DetailsFromInfo(info)
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.handler.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DetailsFromInfo(info))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.CancelJob(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SuccessResponse{Success: true})
}

func (s *Server) setPriority(w http.ResponseWriter, r *http.Request) {
	var req api.SetPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %s", err))
		return
	}
	if err := s.handler.SetPriority(r.Context(), r.PathValue("id"), req.Priority); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SuccessResponse{Success: true})
}

func (s *Server) resources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.Resources())
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.handler.GetQueueStats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) partitions(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseBackendKind(r.URL.Query().Get("backend"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	partitions, err := s.handler.Partitions(r.Context(), kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, partitions)
}

// streamEvents pushes lifecycle events as server-sent events until the client
// disconnects. Each event is one "data:" line holding the JSON payload.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by this connection")
		return
	}
	ch, unsubscribe := s.handler.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.WithError(err).Error("failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := schedulererrors.HTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("failed to write response body")
	}
}
