package supervisor_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/phargogh/invest/internal/invest"
	"github.com/phargogh/invest/internal/model"
	"github.com/phargogh/invest/internal/supervisor"
	"github.com/stretchr/testify/require"
)

// fakeInvest writes a shell script standing in for the invest executable.
// The script receives `run <model> -d <datastack> -w <workspace>`, so the
// workspace directory is "$6".
func fakeInvest(t *testing.T, script string) invest.Invocation {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "invest")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return invest.NewInvocation(model.Invest{Binary: path})
}

// drain collects events until the supervisor closes its stream. onEvent,
// when given, runs for every event as it arrives.
func drain(t *testing.T, s *supervisor.Supervisor, onEvent func(supervisor.Event)) []supervisor.Event {
	t.Helper()
	var evs []supervisor.Event
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return evs
			}
			if onEvent != nil {
				onEvent(ev)
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got so far: %+v", evs)
		}
	}
}

func kinds(evs []supervisor.Event) []supervisor.EventKind {
	var out []supervisor.EventKind
	for _, ev := range evs {
		if ev.Kind == supervisor.EventLine {
			continue
		}
		out = append(out, ev.Kind)
	}
	return out
}

func TestSupervisorSuccess(t *testing.T) {
	t.Parallel()
	inv := fakeInvest(t, `
ws="$6"
log="$ws/InVEST-carbon-log-2024-05-02--10_00_00.txt"
touch "$log"
echo "Writing log messages to [$log]"
echo "05/02/2024 10:00:01 natcap.invest.carbon INFO starting carbon model"
exit 0
`)
	ws := filepath.Join(t.TempDir(), "carbon_workspace")
	job := model.NewJobRecord("carbon", "Carbon", ws, map[string]any{"n_workers": -1})

	s := supervisor.New(inv)
	require.Equal(t, supervisor.StateIdle, s.State())
	require.NoError(t, s.Start(t.Context(), job))

	evs := drain(t, s, nil)
	require.Equal(t, []supervisor.EventKind{
		supervisor.EventStarted, supervisor.EventLogOpened, supervisor.EventExited,
	}, kinds(evs))

	last := evs[len(evs)-1]
	require.Equal(t, supervisor.StateCompleted, last.State)
	require.Equal(t, 0, last.ExitCode)
	require.Equal(t, job.NavID, last.NavID)

	require.Equal(t, supervisor.StateCompleted, s.State())
	require.Equal(t, model.StatusSuccess, s.State().JobStatus())
	require.Equal(t, filepath.Join(ws, "InVEST-carbon-log-2024-05-02--10_00_00.txt"), s.LogfilePath())

	// the datastack was materialized in the workspace
	ds, err := invest.ReadDatastack(filepath.Join(ws, "carbon_datastack.invest.json"))
	require.NoError(t, err)
	require.Equal(t, "carbon", ds.ModelID)

	<-s.Done()
}

func TestSupervisorNonzeroExit(t *testing.T) {
	t.Parallel()
	inv := fakeInvest(t, `
ws="$6"
log="$ws/InVEST-carbon-log-now.txt"
touch "$log"
echo "Writing log messages to [$log]"
echo "ValueError: bad raster" 1>&2
exit 1
`)
	job := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "ws"), nil)

	s := supervisor.New(inv)
	require.NoError(t, s.Start(t.Context(), job))

	evs := drain(t, s, nil)
	last := evs[len(evs)-1]
	require.Equal(t, supervisor.EventExited, last.Kind)
	require.Equal(t, supervisor.StateFailed, last.State)
	require.Equal(t, 1, last.ExitCode)
	require.Equal(t, model.StatusError, s.State().JobStatus())

	var sawError bool
	for _, ev := range evs {
		if ev.Kind == supervisor.EventLine && ev.IsError {
			sawError = true
			require.Equal(t, "ValueError: bad raster", ev.Line)
			require.Equal(t, "stderr", ev.Stream)
		}
	}
	require.True(t, sawError, "error line was not flagged")
}

func TestSupervisorExitDuringStarting(t *testing.T) {
	t.Parallel()
	// exits cleanly before its logfile is ever observed: the run never
	// really started, so the terminal state is failed even with exit 0
	inv := fakeInvest(t, `
echo "about to do nothing"
exit 0
`)
	job := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "ws"), nil)

	s := supervisor.New(inv)
	require.NoError(t, s.Start(t.Context(), job))

	evs := drain(t, s, nil)
	require.Equal(t, []supervisor.EventKind{
		supervisor.EventStarted, supervisor.EventExited,
	}, kinds(evs))
	require.Equal(t, supervisor.StateFailed, s.State())
}

func TestSupervisorCancel(t *testing.T) {
	t.Parallel()
	inv := fakeInvest(t, `
ws="$6"
log="$ws/InVEST-carbon-log-now.txt"
touch "$log"
echo "Writing log messages to [$log]"
exec sleep 30
`)
	job := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "ws"), nil)

	s := supervisor.New(inv)

	// cancel before start is a no-op
	s.Cancel()
	require.Equal(t, supervisor.StateIdle, s.State())

	require.NoError(t, s.Start(t.Context(), job))

	evs := drain(t, s, func(ev supervisor.Event) {
		if ev.Kind == supervisor.EventLogOpened {
			s.Cancel()
		}
	})
	last := evs[len(evs)-1]
	require.Equal(t, supervisor.EventExited, last.Kind)
	require.Equal(t, supervisor.StateCanceled, last.State, "cancel must end as canceled, never failed")
	require.Equal(t, model.StatusCanceled, s.State().JobStatus())

	// cancel after exit is a no-op, not an error
	s.Cancel()
	require.Equal(t, supervisor.StateCanceled, s.State())
}

func TestSupervisorExternalDeathIsFailedNotCanceled(t *testing.T) {
	t.Parallel()
	// the process dies on its own with a nonzero code, cancel was never
	// requested
	inv := fakeInvest(t, `
ws="$6"
log="$ws/InVEST-carbon-log-now.txt"
touch "$log"
echo "Writing log messages to [$log]"
kill -9 $$
`)
	job := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "job1"), nil)

	s := supervisor.New(inv)
	require.NoError(t, s.Start(t.Context(), job))

	evs := drain(t, s, nil)
	last := evs[len(evs)-1]
	require.Equal(t, supervisor.StateFailed, last.State)
	require.Equal(t, model.StatusError, s.State().JobStatus())
}

func TestSupervisorLogfileGlobFallback(t *testing.T) {
	t.Parallel()
	// nothing is announced on stdout, the poller has to find the logfile
	inv := fakeInvest(t, `
ws="$6"
touch "$ws/InVEST-carbon-log-now.txt"
sleep 1
exit 0
`)
	ws := filepath.Join(t.TempDir(), "ws")
	job := model.NewJobRecord("carbon", "", ws, nil)

	s := supervisor.New(inv)
	require.NoError(t, s.Start(t.Context(), job))

	evs := drain(t, s, nil)
	require.Equal(t, []supervisor.EventKind{
		supervisor.EventStarted, supervisor.EventLogOpened, supervisor.EventExited,
	}, kinds(evs))
	require.Equal(t, supervisor.StateCompleted, s.State())
	require.Equal(t, filepath.Join(ws, "InVEST-carbon-log-now.txt"), s.LogfilePath())
}

func TestSupervisorSpawnError(t *testing.T) {
	t.Parallel()
	inv := invest.NewInvocation(model.Invest{Binary: "/does/not/exist/invest"})
	job := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "ws"), nil)

	s := supervisor.New(inv)
	err := s.Start(t.Context(), job)
	require.Error(t, err)
	require.Equal(t, supervisor.StateFailed, s.State())

	// the event stream is closed, no exited event was emitted
	_, ok := <-s.Events()
	require.False(t, ok)
	<-s.Done()
}

func TestSupervisorStartedPrecedesOutput(t *testing.T) {
	t.Parallel()
	// a process that floods stdout the instant it spawns must not get its
	// lines queued ahead of the started event
	inv := fakeInvest(t, `
ws="$6"
log="$ws/InVEST-carbon-log-2024-05-02--10_00_00.txt"
touch "$log"
echo "Writing log messages to [$log]"
i=0
while [ $i -lt 200 ]; do
	echo "line $i"
	i=$((i+1))
done
exit 0
`)
	job := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "ws"), nil)

	s := supervisor.New(inv)
	require.NoError(t, s.Start(t.Context(), job))

	evs := drain(t, s, nil)
	require.NotEmpty(t, evs)
	require.Equal(t, supervisor.EventStarted, evs[0].Kind)
	require.Equal(t, supervisor.EventExited, evs[len(evs)-1].Kind)
}

func TestSupervisorStartTwice(t *testing.T) {
	t.Parallel()
	inv := fakeInvest(t, `
ws="$6"
touch "$ws/InVEST-carbon-log-now.txt"
exit 0
`)
	job := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "ws"), nil)

	s := supervisor.New(inv)
	require.NoError(t, s.Start(t.Context(), job))
	err := s.Start(t.Context(), job)
	require.ErrorIs(t, err, model.ErrRunInProgress)

	drain(t, s, nil)
}

func TestSupervisorsAreIndependent(t *testing.T) {
	t.Parallel()
	good := fakeInvest(t, `
ws="$6"
log="$ws/InVEST-carbon-log-now.txt"
touch "$log"
echo "Writing log messages to [$log]"
exit 0
`)
	bad := fakeInvest(t, `
exit 7
`)

	jobA := model.NewJobRecord("carbon", "", filepath.Join(t.TempDir(), "a"), nil)
	jobB := model.NewJobRecord("stormwater", "", filepath.Join(t.TempDir(), "b"), nil)

	sA := supervisor.New(good)
	sB := supervisor.New(bad)
	require.NoError(t, sA.Start(t.Context(), jobA))
	require.NoError(t, sB.Start(t.Context(), jobB))

	drain(t, sA, nil)
	drain(t, sB, nil)

	require.Equal(t, supervisor.StateCompleted, sA.State())
	require.Equal(t, supervisor.StateFailed, sB.State())
}
