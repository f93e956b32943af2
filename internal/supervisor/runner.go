package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phargogh/invest/internal/model"
)

// LineFunc receives one line of process output as it arrives. stream is
// "stdout" or "stderr".
type LineFunc func(ctx context.Context, stream, line string)

// Command is the prototype of a process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Result describes one finished (or failed to start) process execution.
type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Canceled bool
	Err      error
}

// ExitCode is -1 until the process has actually exited.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// killGrace is how long a cancelled process gets to exit on SIGTERM
// before it is killed.
const killGrace = 5 * time.Second

// Runner wraps os/exec for a single model process at a time:
//   - spawns the process with stdout and stderr pumped line by line
//   - cancellation sends SIGTERM, escalating to SIGKILL after killGrace
//   - exposes the terminal Result on a channel, exactly once per run
//
// Model runs may take arbitrarily long, so unlike a scan runner there is
// deliberately no timeout here. The only ways a run ends are process exit
// and explicit Cancel.
type Runner struct {
	mx         sync.Mutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: model.ErrRunNotStarted},
	}
}

// Start spawns the process. It ensures a single active process per Runner,
// returning model.ErrRunInProgress otherwise. Spawn failures (missing or
// unreadable executable) are returned synchronously. Start does not wait
// for the process, use WaitChan.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return model.ErrRunInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	ctx, r.cancelFunc = context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = proto.Env
	}
	// cooperative termination first, the model flushes its logfile on SIGTERM
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.cancelFunc()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.cancelFunc()
		return err
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cancelFunc()
		return err
	}
	r.cmd = cmd

	// both pipes are drained before wait() collects the exit status, so
	// every line reaches lineFunc before the terminal Result is delivered
	var g errgroup.Group
	g.Go(func() error {
		pumpLines(ctx, "stdout", stdout, lineFunc)
		return nil
	})
	g.Go(func() error {
		pumpLines(ctx, "stderr", stderr, lineFunc)
		return nil
	})

	go r.wait(cmd, &g)
	return nil
}

func pumpLines(ctx context.Context, stream string, pipe io.Reader, lineFunc LineFunc) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if lineFunc != nil {
			lineFunc(ctx, stream, scanner.Text())
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing model output", "stream", stream, "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, g *errgroup.Group) {
	_ = g.Wait()
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// Cancel requests termination of the running process. It is idempotent
// and a no-op once the process has exited or when nothing was started.
func (r *Runner) Cancel() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		return
	}
	r.result.Canceled = true
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}

// WaitChan returns a channel delivering the terminal Result. The channel
// is closed after the single delivery. When the process already finished,
// the result is delivered immediately - a late subscriber never misses
// the terminal transition.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil && !r.result.Stopped.IsZero() {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the most recent terminal result, or a result holding
// model.ErrRunNotStarted when nothing ran yet.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}
