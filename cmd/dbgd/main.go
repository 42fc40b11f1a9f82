// Command dbgd is the debugger daemon: it owns every session, the event
// store, and the command socket the `dbg` CLI front-end talks to.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbgcli/dbgd/internal/attach"
	"github.com/dbgcli/dbgd/internal/config"
	"github.com/dbgcli/dbgd/internal/daemon"
	"github.com/dbgcli/dbgd/internal/eventstore"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/metrics"
	"github.com/dbgcli/dbgd/internal/session"
)

func main() {
	log.Println("Starting dbgd - debugger daemon")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}
	logging.Init()
	defer logging.Sync()
	logging.S().Infow("configuration loaded", "socket", cfg.SocketPath, "eventsDb", cfg.EventsDBPath)

	m := metrics.Get()

	store, err := eventstore.Open(cfg.EventsDBPath, m)
	if err != nil {
		log.Fatalf("CRITICAL: failed to open event store at %s: %v", cfg.EventsDBPath, err)
	}
	logging.S().Infow("event store opened", "path", cfg.EventsDBPath)

	reg := session.NewRegistry()
	attachMgr := attach.NewManager(
		attach.NewDAPAttacherFactory(attach.DAPCommand{Command: []string{"lldb-dap"}}),
		unsupportedDebugProxyDiscovery,
	)

	d := daemon.New(cfg, reg, store, m, attachMgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- d.Serve(ctx)
	}()
	logging.S().Infow("daemon listening", "socket", cfg.SocketPath)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			logging.S().Errorw("command socket exited unexpectedly", "error", err)
		}
	case sig := <-quit:
		logging.S().Infow("received signal, starting shutdown", "signal", sig.String())
		cancel()
	}

	shutdownDeadline := time.NewTimer(5 * time.Second)
	defer shutdownDeadline.Stop()
	done := make(chan struct{})
	go func() {
		d.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownDeadline.C:
		logging.S().Warn("cleanup did not finish within the shutdown deadline")
	}

	logging.S().Info("dbgd shutdown complete")
}

// unsupportedDebugProxyDiscovery is the gdb-remote strategy's
// DiscoverDebugProxyPortFunc. This pack carries no concrete device-proxy
// discovery collaborator, so gdb-remote attach is unavailable; the
// device-process strategy (driven by an explicit --pid) still works.
func unsupportedDebugProxyDiscovery(ctx context.Context, deviceID string) (int, error) {
	return 0, errUnsupportedDiscovery
}

var errUnsupportedDiscovery = errors.New("gdb-remote debug proxy discovery is not available; use --strategy device-process with an explicit --pid")
