// Package supervisor owns the lifecycle of a single invest model process:
// spawning, log streaming, logfile detection, cancellation and the
// exactly-once terminal transition.
//
// One Supervisor belongs to one job. Parallel runs are separate
// Supervisors, there is no shared state between them.
//
// Lifecycle events flow through a channel (started, logOpened, line,
// exited) consumed by whatever owns the UI binding, so none of the
// process logic is tied to a UI framework.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phargogh/invest/internal/invest"
	"github.com/phargogh/invest/internal/model"
)

// State machine: idle -> starting -> running -> {completed, failed, canceled}.
// starting covers spawn until the process opens its own logfile.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// JobStatus maps a supervisor state onto the persisted job status.
func (s State) JobStatus() model.Status {
	switch s {
	case StateCompleted:
		return model.StatusSuccess
	case StateFailed:
		return model.StatusError
	case StateCanceled:
		return model.StatusCanceled
	}
	return model.StatusRunning
}

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventLogOpened EventKind = "logOpened"
	EventLine      EventKind = "line"
	EventExited    EventKind = "exited"
)

// Event is one lifecycle notification. Line carries output only for
// EventLine, LogfilePath only for EventLogOpened, State and ExitCode only
// for EventExited.
type Event struct {
	Kind        EventKind `json:"kind"`
	NavID       string    `json:"navID"`
	Line        string    `json:"line,omitempty"`
	Stream      string    `json:"stream,omitempty"`
	IsError     bool      `json:"isError,omitempty"`
	LogfilePath string    `json:"logfilePath,omitempty"`
	State       State     `json:"state,omitempty"`
	ExitCode    int       `json:"exitCode,omitempty"`
}

// logfilePollEach is how often the workspace is globbed for the model's
// logfile while output has not announced it yet.
const logfilePollEach = 200 * time.Millisecond

type Supervisor struct {
	inv    invest.Invocation
	runner *Runner

	mx       sync.Mutex
	state    State
	navID    string
	logfile  string
	canceled bool
	closed   bool

	events chan Event
	done   chan struct{}
}

func New(inv invest.Invocation) *Supervisor {
	return &Supervisor{
		inv:    inv,
		runner: NewRunner(),
		state:  StateIdle,
		events: make(chan Event, 1024),
		done:   make(chan struct{}),
	}
}

// Events returns the lifecycle stream. The channel is closed after the
// exited event, which is emitted exactly once.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Done is closed once a terminal state is reached. Unlike Events it can
// be checked at any time, even by a listener attached after the fact.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *Supervisor) LogfilePath() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.logfile
}

// Start spawns the invest process for the given job: it materializes the
// datastack JSON in the workspace and launches
//
//	invest run <model> -d <datastack> -w <workspace>
//
// Spawn failures (missing or unreadable executable, unwritable workspace)
// are returned synchronously and leave the supervisor in StateFailed. All
// later outcomes arrive through the event stream.
func (s *Supervisor) Start(ctx context.Context, job model.JobRecord) error {
	s.mx.Lock()
	if s.state != StateIdle {
		s.mx.Unlock()
		return fmt.Errorf("job %s: %w", job.NavID, model.ErrRunInProgress)
	}
	s.state = StateStarting
	s.navID = job.NavID
	s.mx.Unlock()

	path, err := s.inv.LookPath()
	if err != nil {
		return s.failStart(err)
	}

	if err := os.MkdirAll(job.WorkspaceDir, 0755); err != nil {
		return s.failStart(fmt.Errorf("creating workspace: %w", err))
	}
	datastackPath := filepath.Join(job.WorkspaceDir, job.ModelName+"_datastack.invest.json")
	ds := invest.Datastack{ModelID: job.ModelName, Args: job.Args}
	if err := invest.WriteDatastack(datastackPath, ds); err != nil {
		return s.failStart(err)
	}

	cmd := Command{
		Path: path,
		Args: s.inv.RunArgs(job.ModelName, datastackPath, job.WorkspaceDir),
	}

	// queued before the pipe pumps can run, so started always precedes
	// line and logOpened events
	s.emit(Event{Kind: EventStarted, NavID: job.NavID, State: StateStarting})

	if err := s.runner.Start(ctx, cmd, s.onLine); err != nil {
		return s.failStart(fmt.Errorf("spawning %s: %w", path, err))
	}

	pollDone := make(chan struct{})
	go s.pollLogfile(job.WorkspaceDir, pollDone)
	go func() {
		res := <-s.runner.WaitChan()
		close(pollDone)
		s.onExit(res)
	}()
	return nil
}

// failStart records a synchronous spawn failure. No exited event is
// emitted, the caller already has the error in hand.
func (s *Supervisor) failStart(err error) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.state = StateFailed
	close(s.done)
	s.closeEvents()
	return err
}

// Cancel requests termination of the run. Calling it before Start or
// after the run already ended is a no-op. A cancel that reaches a live
// process guarantees the terminal state is canceled, never failed.
func (s *Supervisor) Cancel() {
	s.mx.Lock()
	if s.state == StateIdle || s.state.Terminal() {
		s.mx.Unlock()
		return
	}
	s.canceled = true
	s.mx.Unlock()
	s.runner.Cancel()
}

func (s *Supervisor) onLine(_ context.Context, stream, line string) {
	if path, ok := invest.ScanLineForLogfile(line); ok {
		s.observeLogfile(path)
	}
	s.emit(Event{
		Kind:    EventLine,
		NavID:   s.navID,
		Line:    line,
		Stream:  stream,
		IsError: invest.IsErrorLine(line),
	})
}

// pollLogfile is the fallback for invest releases that do not announce
// their logfile on stdout: glob the workspace until it shows up.
func (s *Supervisor) pollLogfile(workspaceDir string, stop <-chan struct{}) {
	ticker := time.NewTicker(logfilePollEach)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.State() != StateStarting {
				return
			}
			if path := invest.FindMostRecentLogfile(workspaceDir); path != "" {
				s.observeLogfile(path)
				return
			}
		}
	}
}

// observeLogfile drives starting -> running the first time the model's
// own logfile is seen.
func (s *Supervisor) observeLogfile(path string) {
	s.mx.Lock()
	if s.state != StateStarting {
		s.mx.Unlock()
		return
	}
	s.state = StateRunning
	s.logfile = path
	navID := s.navID
	s.mx.Unlock()

	s.emit(Event{Kind: EventLogOpened, NavID: navID, LogfilePath: path, State: StateRunning})
}

func (s *Supervisor) onExit(res Result) {
	s.mx.Lock()
	var terminal State
	switch {
	case s.canceled:
		terminal = StateCanceled
	case s.state == StateStarting:
		// exited before its logfile was ever observed; the run never
		// really started, treat it as failed whatever the exit code
		terminal = StateFailed
	case res.ExitCode() == 0 && res.Err == nil:
		terminal = StateCompleted
	default:
		terminal = StateFailed
	}
	s.state = terminal
	navID := s.navID
	close(s.done)
	s.mx.Unlock()

	s.emit(Event{Kind: EventExited, NavID: navID, State: terminal, ExitCode: res.ExitCode()})

	s.mx.Lock()
	s.closeEvents()
	s.mx.Unlock()
}

func (s *Supervisor) closeEvents() {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// emit never blocks the process pumps. Log lines may be dropped when no
// consumer keeps up, lifecycle transitions are logged if they cannot be
// queued so a torn-down listener still leaves a trace.
func (s *Supervisor) emit(ev Event) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		if ev.Kind != EventLine {
			slog.Warn("lifecycle event queue full, event logged instead",
				"kind", ev.Kind, "navID", ev.NavID, "state", ev.State, "exitCode", ev.ExitCode)
		}
	}
}
