package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAdapterScript is a tiny shell program that speaks the DAP framing
// well enough to exercise Send()'s round trip: it echoes back a successful
// response for every request it reads, using the same seq as request_seq.
const fakeAdapterScript = `
while IFS= read -r line; do
  if [[ "$line" == Content-Length:* ]]; then
    len=$(echo "$line" | sed -E 's/Content-Length: *([0-9]+).*/\1/')
    read -r blank
    body=$(head -c "$len")
    seq=$(echo "$body" | grep -oE '"seq":[0-9]+' | grep -oE '[0-9]+')
    resp="{\"type\":\"response\",\"request_seq\":$seq,\"success\":true,\"body\":{}}"
    printf 'Content-Length: %d\r\n\r\n%s' "${#resp}" "$resp"
  fi
done
`

func TestDAPSendRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := StartDAP(ctx, DAPOptions{Command: []string{"bash", "-c", fakeAdapterScript}})
	require.NoError(t, err)
	defer d.Close()

	body, err := d.Send(ctx, "initialize", map[string]string{"adapterID": "test"}, 2*time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(body))
}

func TestDAPDoubleCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := StartDAP(ctx, DAPOptions{Command: []string{"bash", "-c", fakeAdapterScript}})
	require.NoError(t, err)

	var closeCount int
	d.OnClose(func(CloseEvent) { closeCount++ })

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	// close handlers run synchronously inside Close; give waitLoop a moment
	// to observe the child's exit so its own failTransport call is covered
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, closeCount)
	require.Equal(t, 0, d.PendingCount())
}

func TestDAPPendingRejectedOnClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// never responds
	d, err := StartDAP(ctx, DAPOptions{Command: []string{"bash", "-c", "sleep 5"}})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, sendErr := d.Send(ctx, "continue", nil, 0)
		errCh <- sendErr
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, d.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("send did not reject after close")
	}
	require.Equal(t, 0, d.PendingCount())
}

func TestDAPEventFanOutRegistrationOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := StartDAP(ctx, DAPOptions{Command: []string{"bash", "-c", "sleep 5"}})
	require.NoError(t, err)
	defer d.Close()

	var order []int
	d.OnEvent("stopped", func(Event) { order = append(order, 1) })
	d.OnEvent("stopped", func(Event) { order = append(order, 2) })

	env := dapEnvelope{Type: "event", Event: "stopped", Body: json.RawMessage(`{}`)}
	d.dispatch(env)

	require.Equal(t, []int{1, 2}, order)
}
