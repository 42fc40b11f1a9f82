package procsuper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutputCapturesStdout(t *testing.T) {
	t.Parallel()
	s, err := Start(context.Background(), Options{Command: []string{"bash", "-c", "echo hello"}})
	require.NoError(t, err)
	defer s.Kill()

	require.Eventually(t, func() bool {
		return len(s.Output()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Contains(t, string(s.Output()), "hello")
}

func TestOutputBoundedAtMaxBytes(t *testing.T) {
	t.Parallel()
	s, err := Start(context.Background(), Options{
		Command:  []string{"bash", "-c", "for i in $(seq 1 5000); do echo -n 0123456789; done"},
		MaxBytes: 1024,
	})
	require.NoError(t, err)
	defer s.Kill()

	require.Eventually(t, func() bool {
		return !s.Alive()
	}, 5*time.Second, 20*time.Millisecond)
	require.LessOrEqual(t, len(s.Output()), 1024)
}

func TestOnExitFiresAfterProcessExits(t *testing.T) {
	t.Parallel()
	s, err := Start(context.Background(), Options{Command: []string{"bash", "-c", "exit 3"}})
	require.NoError(t, err)

	doneCh := make(chan ExitInfo, 1)
	s.OnExit(func(info ExitInfo) { doneCh <- info })

	select {
	case info := <-doneCh:
		require.Equal(t, 3, info.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit callback never fired")
	}
	require.False(t, s.Alive())
}

func TestOnExitFiresImmediatelyIfAlreadyExited(t *testing.T) {
	t.Parallel()
	s, err := Start(context.Background(), Options{Command: []string{"bash", "-c", "exit 0"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 20*time.Millisecond)

	doneCh := make(chan ExitInfo, 1)
	s.OnExit(func(info ExitInfo) { doneCh <- info })

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("late OnExit registration did not fire")
	}
}
