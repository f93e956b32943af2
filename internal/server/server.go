// Package server is the localhost API the renderer talks to: starting and
// cancelling model runs, listing recent jobs, streaming run lifecycle
// events, checking versions and downloading sample data. It is a plain
// transport over the job-lifecycle core, payloads are JobRecords and
// status/progress tuples.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phargogh/invest/internal/download"
	"github.com/phargogh/invest/internal/invest"
	"github.com/phargogh/invest/internal/jobstore"
	"github.com/phargogh/invest/internal/model"
	"github.com/phargogh/invest/internal/settings"
	"github.com/phargogh/invest/internal/supervisor"
)

type Server struct {
	inv        invest.Invocation
	store      *jobstore.Store
	settings   *settings.Store
	downloader *download.Downloader
	dataDir    string // default target for sample data downloads
	version    string
	isNew      bool

	mx        sync.Mutex
	runs      map[string]*run // navID -> active or finished run
	downloads *downloadState

	router chi.Router
}

func New(inv invest.Invocation, store *jobstore.Store, sett *settings.Store, dl *download.Downloader, dataDir, version string) *Server {
	s := &Server{
		inv:        inv,
		store:      store,
		settings:   sett,
		downloader: dl,
		dataDir:    dataDir,
		version:    version,
		runs:       make(map[string]*run),
	}

	if sett != nil {
		isNew, err := sett.CheckVersion(version)
		if err != nil {
			slog.Warn("version check failed", "error", err)
		}
		s.isNew = isNew
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ready", s.handleReady)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/models", s.handleModels)
		r.Get("/jobs", s.handleListJobs)
		r.Delete("/jobs", s.handleClearJobs)
		r.Post("/run", s.handleRun)
		r.Post("/jobs/{navID}/cancel", s.handleCancel)
		r.Get("/jobs/{navID}/events", s.handleEvents)
		r.Post("/download", s.handleDownload)
		r.Get("/download/status", s.handleDownloadStatus)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve blocks until ctx is cancelled, then shuts the listener down
// gracefully and cancels any still-running jobs.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.router,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.cancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

func (s *Server) cancelAll() {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, r := range s.runs {
		r.sup.Cancel()
	}
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      s.version,
		"isNewVersion": s.isNew,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.inv.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.store.Load()
	if errors.Is(err, model.ErrCorruptStore) {
		// degrade to an empty list, the file itself stays recoverable
		slog.Warn("jobs database unreadable, serving empty list", "error", err)
		jobs = []model.JobRecord{}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleClearJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.store.Clear()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// finished runs go with the store, their event history has no job to
	// belong to anymore; active runs stay
	s.mx.Lock()
	for id, r := range s.runs {
		if r.sup.State().Terminal() {
			delete(s.runs, id)
		}
	}
	s.mx.Unlock()

	writeJSON(w, http.StatusOK, jobs)
}

type runRequest struct {
	ModelName    string         `json:"modelName"`
	HumanName    string         `json:"humanName"`
	WorkspaceDir string         `json:"workspaceDirectory"`
	Args         map[string]any `json:"arguments"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing run request: %w", err))
		return
	}
	if req.ModelName == "" || req.WorkspaceDir == "" {
		writeError(w, http.StatusBadRequest, errors.New("modelName and workspaceDirectory are required"))
		return
	}

	job := model.NewJobRecord(req.ModelName, req.HumanName, req.WorkspaceDir, req.Args)
	active := newRun(job, supervisor.New(s.inv))

	// the conflict check and the insert happen under one lock so that two
	// concurrent requests for the same workspace cannot both pass; the
	// not-yet-started supervisor is in its idle state and counts as active
	s.mx.Lock()
	for _, other := range s.runs {
		if other.job.WorkspaceDir == req.WorkspaceDir && !other.sup.State().Terminal() {
			s.mx.Unlock()
			writeError(w, http.StatusConflict,
				fmt.Errorf("a run is already active in workspace %s", req.WorkspaceDir))
			return
		}
	}
	s.runs[job.NavID] = active
	s.mx.Unlock()

	// detach from the request context, the run outlives this request
	if err := active.sup.Start(context.WithoutCancel(r.Context()), job); err != nil {
		s.mx.Lock()
		delete(s.runs, job.NavID)
		s.mx.Unlock()
		// spawn failures go straight back to the user
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	s.persist(active)
	go s.watch(active)

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	navID := chi.URLParam(r, "navID")
	s.mx.Lock()
	active, ok := s.runs[navID]
	s.mx.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no run with navID %s", navID))
		return
	}

	active.sup.Cancel() // no-op when the run already ended
	writeJSON(w, http.StatusAccepted, map[string]string{
		"navID": navID,
		"state": string(active.sup.State()),
	})
}

// watch consumes one run's lifecycle stream: it keeps the persisted
// JobRecord in step with the state machine and fans events out to any
// subscribed listeners. It is the only writer of the run's job record.
func (s *Server) watch(active *run) {
	for ev := range active.sup.Events() {
		switch ev.Kind {
		case supervisor.EventLogOpened:
			active.setLogfile(ev.LogfilePath)
			s.persist(active)
		case supervisor.EventExited:
			active.finish(ev.State.JobStatus())
			s.persist(active)
		}
		active.broadcast(ev)
	}
	active.closeSubscribers()
	s.pruneFinished()
}

// maxFinishedRuns caps how many terminal runs stay resident for event
// replay. The oldest finished runs are evicted first, the jobstore still
// has their records.
const maxFinishedRuns = 50

func (s *Server) pruneFinished() {
	s.mx.Lock()
	defer s.mx.Unlock()

	var finished []*run
	for _, r := range s.runs {
		if r.sup.State().Terminal() {
			finished = append(finished, r)
		}
	}
	if len(finished) <= maxFinishedRuns {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].snapshot().UpdatedAt.Before(finished[j].snapshot().UpdatedAt)
	})
	for _, r := range finished[:len(finished)-maxFinishedRuns] {
		delete(s.runs, r.job.NavID)
	}
}

func (s *Server) persist(active *run) {
	if _, err := s.store.Save(active.snapshot()); err != nil {
		slog.Error("persisting job failed", "navID", active.job.NavID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
