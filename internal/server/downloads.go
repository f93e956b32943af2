package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/phargogh/invest/internal/download"
)

// downloadState tracks one sample-data fetch at a time, mirroring the
// per-file progress reported by the downloader.
type downloadState struct {
	mx      sync.Mutex
	active  bool
	files   map[string]download.Progress
	lastErr string
}

func (d *downloadState) update(p download.Progress) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.files[p.URL] = p
}

type downloadRequest struct {
	URLs []string `json:"urls"`
	Dir  string   `json:"directory"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing download request: %w", err))
		return
	}
	if req.Dir == "" {
		req.Dir = s.dataDir
	}
	if len(req.URLs) == 0 || req.Dir == "" {
		writeError(w, http.StatusBadRequest, errors.New("urls and directory are required"))
		return
	}

	s.mx.Lock()
	if s.downloads != nil && s.downloads.activeNow() {
		s.mx.Unlock()
		writeError(w, http.StatusConflict, errors.New("a download is already in progress"))
		return
	}
	state := &downloadState{
		active: true,
		files:  make(map[string]download.Progress, len(req.URLs)),
	}
	for _, u := range req.URLs {
		state.files[u] = download.Progress{URL: u}
	}
	s.downloads = state
	s.mx.Unlock()

	go func() {
		err := s.downloader.Fetch(context.Background(), req.URLs, req.Dir, state.update)
		state.mx.Lock()
		state.active = false
		if err != nil {
			state.lastErr = err.Error()
		}
		state.mx.Unlock()
	}()

	writeJSON(w, http.StatusAccepted, map[string]int{"files": len(req.URLs)})
}

func (d *downloadState) activeNow() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.active
}

type downloadStatus struct {
	Active bool                `json:"active"`
	Files  []download.Progress `json:"files"`
	Error  string              `json:"error,omitempty"`
}

func (s *Server) handleDownloadStatus(w http.ResponseWriter, _ *http.Request) {
	s.mx.Lock()
	state := s.downloads
	s.mx.Unlock()

	if state == nil {
		writeJSON(w, http.StatusOK, downloadStatus{Files: []download.Progress{}})
		return
	}

	state.mx.Lock()
	status := downloadStatus{
		Active: state.active,
		Files:  make([]download.Progress, 0, len(state.files)),
		Error:  state.lastErr,
	}
	for _, p := range state.files {
		status.Files = append(status.Files, p)
	}
	state.mx.Unlock()

	writeJSON(w, http.StatusOK, status)
}
