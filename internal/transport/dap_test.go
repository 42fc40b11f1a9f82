package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/dbgerr"
)

func TestScanHeaderRejectsMissingContentLength(t *testing.T) {
	_, _, err := scanHeader([]byte("Foo: bar\r\n\r\n{}"))
	require.Error(t, err)
	code, ok := dbgerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dbgerr.ProtocolHeaderInvalid, code)
}

func TestScanHeaderRejectsNegativeContentLength(t *testing.T) {
	_, _, err := scanHeader([]byte("Content-Length: -1\r\n\r\n"))
	require.Error(t, err)
}

func TestScanHeaderAcceptsZeroContentLength(t *testing.T) {
	n, headerEnd, err := scanHeader([]byte("Content-Length: 0\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Greater(t, headerEnd, 0)
}

func TestScanHeaderWaitsForMoreBytes(t *testing.T) {
	_, headerEnd, err := scanHeader([]byte("Content-Length: 5"))
	require.NoError(t, err)
	require.Equal(t, -1, headerEnd)
}

func TestScanHeaderCaseInsensitive(t *testing.T) {
	n, _, err := scanHeader([]byte("content-length: 3\r\n\r\nabc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

// feedChunked decodes a full DAP byte stream fed in randomly-sized chunks
// and returns the decoded envelopes, mirroring the random-sized-chunk
// round-trip property from spec §8.
func feedChunked(t *testing.T, full []byte, chunkSizes []int) []dapEnvelope {
	t.Helper()
	var out []dapEnvelope
	buf := &bytes.Buffer{}
	pos := 0
	for pos < len(full) {
		size := chunkSizes[pos%len(chunkSizes)]
		if size <= 0 {
			size = 1
		}
		end := pos + size
		if end > len(full) {
			end = len(full)
		}
		buf.Write(full[pos:end])
		pos = end

		for {
			cl, headerEnd, err := scanHeader(buf.Bytes())
			require.NoError(t, err)
			if headerEnd < 0 {
				break
			}
			total := headerEnd + cl
			if buf.Len() < total {
				break
			}
			raw := buf.Bytes()
			payload := append([]byte(nil), raw[headerEnd:total]...)
			rest := append([]byte(nil), raw[total:]...)
			buf.Reset()
			buf.Write(rest)

			var env dapEnvelope
			require.NoError(t, json.Unmarshal(payload, &env))
			out = append(out, env)
		}
	}
	return out
}

// TestReadLoopAcceptsZeroContentLengthFrame drives a real
// `Content-Length: 0\r\n\r\n` frame through readLoop and confirms the
// transport stays alive and keeps decoding subsequent frames, rather than
// tearing itself down on the empty payload (spec §4.2, §8).
func TestReadLoopAcceptsZeroContentLengthFrame(t *testing.T) {
	pr, pw := io.Pipe()
	d := &DAP{
		pending:    newPendingTable(),
		events:     newEventBus(),
		stderrTail: newStderrTail(2048),
	}

	var closeEvent CloseEvent
	closed := make(chan struct{})
	d.OnClose(func(ev CloseEvent) {
		closeEvent = ev
		close(closed)
	})

	eventCh := make(chan Event, 1)
	d.OnEvent("stopped", func(ev Event) { eventCh <- ev })

	go d.readLoop(pr)

	_, err := pw.Write([]byte("Content-Length: 0\r\n\r\n"))
	require.NoError(t, err)

	eventPayload := []byte(`{"type":"event","event":"stopped","body":{}}`)
	eventFrame := "Content-Length: " + strconv.Itoa(len(eventPayload)) + "\r\n\r\n"
	_, err = pw.Write(append([]byte(eventFrame), eventPayload...))
	require.NoError(t, err)

	select {
	case <-eventCh:
	case <-time.After(2 * time.Second):
		t.Fatal("transport stopped decoding after the zero-length frame")
	}

	require.NoError(t, pw.Close())
	select {
	case <-closed:
		require.Equal(t, ReasonClose, closeEvent.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop never observed pipe close")
	}
}

func TestChunkedFeedMatchesSingleChunkFeed(t *testing.T) {
	frame := func(seq uint64, command string) []byte {
		payload := []byte(`{"type":"request","seq":` + strconv.FormatUint(seq, 10) + `,"command":"` + command + `"}`)
		header := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
		return append([]byte(header), payload...)
	}

	var full []byte
	full = append(full, frame(1, "continue")...)
	full = append(full, frame(2, "next")...)
	full = append(full, frame(3, "evaluate")...)

	single := feedChunked(t, full, []int{len(full)})
	chunked := feedChunked(t, full, []int{1, 3, 7, 13})

	require.Len(t, single, 3)
	require.Equal(t, single, chunked)

	r := rand.New(rand.NewSource(42))
	sizes := make([]int, 10)
	for i := range sizes {
		sizes[i] = 1 + r.Intn(11)
	}
	chunkedRandom := feedChunked(t, full, sizes)
	require.Equal(t, single, chunkedRandom)
}
