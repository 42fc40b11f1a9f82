// Package daemon implements the command socket front-end (spec §4.5
// "Command socket", §6 "Daemon socket"): a line-delimited JSON dispatcher
// sitting on top of the session registry, event store, and query engine.
package daemon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dbgcli/dbgd/internal/attach"
	"github.com/dbgcli/dbgd/internal/config"
	"github.com/dbgcli/dbgd/internal/eventstore"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/metrics"
	"github.com/dbgcli/dbgd/internal/session"
)

// Daemon wires the registry, event store, and attach manager behind the
// command dispatcher. It owns exactly the process-wide resources spec §5
// "Scoped acquisition" assigns to the daemon itself (the command socket and
// the event-store handle); session-owned resources live in
// *session.Session.
type Daemon struct {
	Cfg      config.Config
	Registry *session.Registry
	Store    *eventstore.Store
	Metrics  *metrics.Metrics
	AttachMgr *attach.Manager

	// vtableLimiter rate-limits every virtual-table protocol round trip
	// across every session (DESIGN.md: internal/vtable/vtable.go).
	vtableLimiter *rate.Limiter

	mu        sync.Mutex
	socketPath string
	closed    bool
}

// New builds a Daemon over an already-open event store and session
// registry. attachMgr may be nil if Apple-device attach support is not
// wired for this process.
func New(cfg config.Config, reg *session.Registry, store *eventstore.Store, m *metrics.Metrics, attachMgr *attach.Manager) *Daemon {
	return &Daemon{
		Cfg:           cfg,
		Registry:      reg,
		Store:         store,
		Metrics:       m,
		AttachMgr:     attachMgr,
		vtableLimiter: rate.NewLimiter(rate.Limit(50), 10),
		socketPath:    cfg.SocketPath,
	}
}

// Cleanup implements spec §4.5's shared SIGTERM/SIGINT/uncaught-exception
// path: close every session, close the event store, unlink the socket
// file. Safe to call more than once.
func (d *Daemon) Cleanup() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	sessions, _ := d.Registry.List()
	for _, sess := range sessions {
		if err := d.Registry.Close(sess.Name); err != nil {
			logging.S().Warnf("daemon: cleanup close session %s: %v", sess.Name, err)
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			logging.S().Warnf("daemon: cleanup close event store: %v", err)
		}
	}
	unlinkSocket(d.socketPath)
}

// commandTimeout returns the per-command timeout: attach and attach-lldb get
// 3*AttachBaseTimeout + 30s (the multiplier is fixed at 3 and does not
// depend on how many strategies the request will try); every other command
// gets DefaultCommandTimeout.
func (d *Daemon) commandTimeout(cmd string) time.Duration {
	switch cmd {
	case "attach", "attach-lldb":
		return 3*d.Cfg.AttachBaseTimeout + 30*time.Second
	default:
		return d.Cfg.DefaultCommandTimeout
	}
}

func (d *Daemon) withTimeout(ctx context.Context, cmd string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.commandTimeout(cmd))
}
