package supervisor_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/phargogh/invest/internal/model"
	"github.com/phargogh/invest/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	runner := supervisor.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, model.ErrRunNotStarted)
	})

	cmd := supervisor.Command{
		Path: sh,
		Args: []string{"-c", "echo out1; echo out2; echo 1>&2 err1; sleep 0.2"},
	}

	var mx sync.Mutex
	var lines []string
	collect := func(_ context.Context, stream, line string) {
		mx.Lock()
		defer mx.Unlock()
		lines = append(lines, stream+": "+line)
	}

	ctx := t.Context()
	t.Run("start", func(t *testing.T) {
		err := runner.Start(ctx, cmd, collect)
		require.NoError(t, err)
	})
	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(t.Context(), cmd, collect)
		require.ErrorIs(t, err, model.ErrRunInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.NoError(t, res.Err)
		require.Equal(t, 0, res.ExitCode())
		require.False(t, res.Canceled)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)

		mx.Lock()
		defer mx.Unlock()
		require.Contains(t, lines, "stdout: out1")
		require.Contains(t, lines, "stdout: out2")
		require.Contains(t, lines, "stderr: err1")
	})
	t.Run("late subscriber", func(t *testing.T) {
		// the run already finished, the terminal result must still arrive
		select {
		case res := <-runner.WaitChan():
			require.Equal(t, 0, res.ExitCode())
		case <-time.After(time.Second):
			t.Fatal("terminal result was dropped")
		}
	})
}

func TestRunnerSpawnError(t *testing.T) {
	t.Parallel()
	runner := supervisor.NewRunner()
	err := runner.Start(t.Context(), supervisor.Command{Path: "/does/not/exist"}, nil)
	require.Error(t, err)
}

func TestRunnerNonzeroExit(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	runner := supervisor.NewRunner()
	err = runner.Start(t.Context(), supervisor.Command{Path: sh, Args: []string{"-c", "exit 3"}}, nil)
	require.NoError(t, err)

	res := <-runner.WaitChan()
	require.Error(t, res.Err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, res.Err, &exitErr)
	require.Equal(t, 3, res.ExitCode())
}

func TestRunnerCancel(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	runner := supervisor.NewRunner()

	// cancel before start is a no-op
	runner.Cancel()
	require.ErrorIs(t, runner.LastResult().Err, model.ErrRunNotStarted)

	err = runner.Start(t.Context(), supervisor.Command{Path: sh, Args: []string{"-c", "exec sleep 30"}}, nil)
	require.NoError(t, err)

	done := runner.WaitChan()
	time.Sleep(50 * time.Millisecond)
	runner.Cancel()

	select {
	case res := <-done:
		require.True(t, res.Canceled)
		require.Error(t, res.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled process did not terminate")
	}

	// cancel after exit is a no-op
	runner.Cancel()
}
