package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/internal/transport"
)

// fakeAdapter answers threads/stackTrace/scopes/setBreakpoints requests with
// canned bodies and, once started, emits a single "stopped" event so tests
// can observe stop-event processing end to end without a real debug
// adapter.
const fakeAdapter = `
emit_stopped() {
  sleep 0.05
  body='{"reason":"breakpoint","threadId":1}'
  msg="{\"type\":\"event\",\"event\":\"stopped\",\"body\":$body}"
  printf 'Content-Length: %d\r\n\r\n%s' "${#msg}" "$msg"
}
emit_stopped &

while IFS= read -r line; do
  if [[ "$line" == Content-Length:* ]]; then
    len=$(echo "$line" | sed -E 's/Content-Length: *([0-9]+).*/\1/')
    read -r blank
    body=$(head -c "$len")
    seq=$(echo "$body" | grep -oE '"seq":[0-9]+' | grep -oE '[0-9]+')
    cmd=$(echo "$body" | grep -oE '"command":"[a-zA-Z]+"' | sed -E 's/"command":"([a-zA-Z]+)"/\1/')
    case "$cmd" in
      threads)
        respBody='{"threads":[{"id":1,"name":"main"}]}'
        ;;
      stackTrace)
        respBody='{"stackFrames":[{"id":7,"name":"main.run","source":{"path":"/app/main.go"},"line":10,"column":2}]}'
        ;;
      scopes)
        respBody='{"scopes":[{"name":"Locals","variablesReference":3}]}'
        ;;
      setBreakpoints)
        respBody='{"breakpoints":[{"verified":true,"line":10}]}'
        ;;
      *)
        respBody='{}'
        ;;
    esac
    resp="{\"type\":\"response\",\"request_seq\":$seq,\"success\":true,\"body\":$respBody}"
    printf 'Content-Length: %d\r\n\r\n%s' "${#resp}" "$resp"
  fi
done
`

func startFakeDAP(t *testing.T) (*transport.DAP, *DAP) {
	t.Helper()
	tr, err := transport.StartDAP(context.Background(), transport.DAPOptions{
		Command: []string{"bash", "-c", fakeAdapter},
	})
	require.NoError(t, err)
	st := state.New()
	exec := NewDAP(tr, st)
	return tr, exec
}

func TestDAPWaitForPausedResolvesAfterStopProcessing(t *testing.T) {
	t.Parallel()
	tr, exec := startFakeDAP(t)
	defer tr.Close()

	err := exec.WaitForPaused(context.Background(), 2*time.Second, 1)
	require.NoError(t, err)

	var paused bool
	var frames int
	var threadID int
	exec.State().View(func(s *state.DebuggerState) {
		paused = s.Paused
		frames = len(s.CallFrames)
		threadID = s.DAP.ActiveThread
	})
	require.True(t, paused)
	require.Equal(t, 1, frames)
	require.Equal(t, 1, threadID)
}

func TestDAPWaitForPausedTimesOutWithHigherEpoch(t *testing.T) {
	t.Parallel()
	tr, exec := startFakeDAP(t)
	defer tr.Close()

	require.NoError(t, exec.WaitForPaused(context.Background(), 2*time.Second, 1))

	err := exec.WaitForPaused(context.Background(), 100*time.Millisecond, 2)
	require.Error(t, err)
	code, ok := dbgerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dbgerr.WaitForPauseTimeout, code)
}

func TestDAPSendTranslatesResumeVerb(t *testing.T) {
	t.Parallel()
	tr, exec := startFakeDAP(t)
	defer tr.Close()

	require.NoError(t, exec.WaitForPaused(context.Background(), 2*time.Second, 1))

	_, err := exec.Send(context.Background(), "Debugger.resume", nil, time.Second)
	require.NoError(t, err)
}

func TestDAPSendFailsFastAfterTerminated(t *testing.T) {
	t.Parallel()
	tr, exec := startFakeDAP(t)

	require.NoError(t, tr.Close())
	time.Sleep(50 * time.Millisecond)

	_, err := exec.Send(context.Background(), "Debugger.resume", nil, time.Second)
	require.Error(t, err)
	code, ok := dbgerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dbgerr.SessionTerminated, code)
}

func TestDAPSetBreakpointByURLRebuildsFullList(t *testing.T) {
	t.Parallel()
	tr, exec := startFakeDAP(t)
	defer tr.Close()

	body, err := exec.Send(context.Background(), "Debugger.setBreakpointByUrl", map[string]interface{}{
		"url":        "/app/main.go",
		"lineNumber": float64(9),
	}, time.Second)
	require.NoError(t, err)
	require.Contains(t, string(body), "locations")

	var bpCount int
	exec.State().View(func(s *state.DebuggerState) { bpCount = len(s.Breakpoints) })
	require.Equal(t, 1, bpCount)
}
