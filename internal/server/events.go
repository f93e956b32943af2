package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/phargogh/invest/internal/model"
	"github.com/phargogh/invest/internal/supervisor"
)

// maxRetainedLines caps how many log lines a run keeps for replay to
// subscribers that connect mid-run. Lifecycle events are always kept.
const maxRetainedLines = 1000

// run pairs a JobRecord with its supervisor and retains the event stream
// so listeners that subscribe after the fact still see the full lifecycle.
type run struct {
	job model.JobRecord
	sup *supervisor.Supervisor

	mx       sync.Mutex
	history  []supervisor.Event
	lines    int
	subs     map[chan supervisor.Event]struct{}
	finished bool
}

func newRun(job model.JobRecord, sup *supervisor.Supervisor) *run {
	return &run{
		job:  job,
		sup:  sup,
		subs: make(map[chan supervisor.Event]struct{}),
	}
}

func (r *run) snapshot() model.JobRecord {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.job
}

func (r *run) setLogfile(path string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.job.LogfilePath = path
}

func (r *run) finish(status model.Status) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.job.Finish(status)
}

func (r *run) broadcast(ev supervisor.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if ev.Kind != supervisor.EventLine || r.lines < maxRetainedLines {
		r.history = append(r.history, ev)
		if ev.Kind == supervisor.EventLine {
			r.lines++
		}
	}

	for ch := range r.subs {
		select {
		case ch <- ev:
		default: // slow listener, it still has the history on reconnect
		}
	}
}

func (r *run) closeSubscribers() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.finished = true
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
}

// subscribe returns the events seen so far plus, for a still-active run,
// a channel carrying the rest. The channel is nil when the run is over.
func (r *run) subscribe() ([]supervisor.Event, chan supervisor.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()

	replay := make([]supervisor.Event, len(r.history))
	copy(replay, r.history)

	if r.finished {
		return replay, nil
	}
	ch := make(chan supervisor.Event, 256)
	r.subs[ch] = struct{}{}
	return replay, ch
}

func (r *run) unsubscribe(ch chan supervisor.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

// handleEvents streams one run's lifecycle as server-sent events. The
// stream replays history first, so a late subscriber never misses the
// terminal transition, then ends after the exited event.
func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	navID := chi.URLParam(req, "navID")
	s.mx.Lock()
	active, ok := s.runs[navID]
	s.mx.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no run with navID %s", navID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	replay, live := active.subscribe()
	if live != nil {
		defer active.unsubscribe(live)
	}

	for _, ev := range replay {
		if !writeEvent(w, ev) {
			return
		}
	}
	flusher.Flush()

	if live == nil {
		return
	}
	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if !writeEvent(w, ev) {
				return
			}
			flusher.Flush()
			if ev.Kind == supervisor.EventExited {
				return
			}
		case <-req.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev supervisor.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
	return err == nil
}
