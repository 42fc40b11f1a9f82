package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"

	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

// Serve listens on the UNIX-domain socket at d.Cfg.SocketPath and accepts
// connections until ctx is cancelled (spec §4.5 "Command socket"). Each
// accepted connection runs its own line-delimited request/response loop in
// a dedicated goroutine ("one dispatcher task per accepted client
// command", spec §5).
func (d *Daemon) Serve(ctx context.Context) error {
	unlinkSocket(d.Cfg.SocketPath)

	ln, err := net.Listen("unix", d.Cfg.SocketPath)
	if err != nil {
		return err
	}
	defer unlinkSocket(d.Cfg.SocketPath)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logging.S().Infof("daemon: listening on %s", d.Cfg.SocketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				return err
			}
			continue
		}
		go d.serveConn(ctx, conn)
	}
}

// serveConn runs one client connection's request/response loop. One
// invalid line yields {ok:false, error:"invalid JSON"}; subsequent lines
// are still processed (spec §4.5).
func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(protocol.Fail("invalid JSON", "", ""))
			continue
		}

		resp := d.Dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func unlinkSocket(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
}
