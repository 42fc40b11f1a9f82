package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/session"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

// sessionFields renders the fields common to status/ss/open/run replies.
func sessionFields(s *session.Session) map[string]interface{} {
	var connected, paused bool
	var pid int
	var hasPID bool
	s.Executor.State().View(func(st *state.DebuggerState) {
		connected = st.Connected
		paused = st.Paused
		pid = st.PID
		hasPID = st.HasPID
	})
	fields := map[string]interface{}{
		"name":      s.Name,
		"kind":      string(s.Kind),
		"connected": connected,
		"paused":    paused,
		"host":      s.Host,
		"port":      s.Port,
		"inspectorUrl": s.InspectorURL,
		"createdAt": s.CreatedAt.Format(time.RFC3339),
	}
	if hasPID {
		fields["pid"] = pid
	}
	return fields
}

func cmdOpen(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	tokens := strings.Fields(req.Args)
	openReq, err := session.ParseOpenArgs(tokens)
	if err != nil {
		return nil, err
	}
	sess, err := d.Registry.Open(ctx, openReq)
	if err != nil {
		return nil, err
	}
	return sessionFields(sess), nil
}

func cmdRun(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	argv, err := session.ParseRunArgs(req.Args)
	if err != nil {
		return nil, err
	}
	runReq := session.RunRequest{
		Command:    argv,
		TargetType: "node",
		DialWithin: 10 * time.Second,
	}
	sess, err := d.Registry.Run(ctx, runReq)
	if err != nil {
		return nil, err
	}
	return sessionFields(sess), nil
}

func cmdClose(_ context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	if err := d.Registry.Close(sess.Name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"name": sess.Name}, nil
}

func cmdRestart(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	restored, err := d.Registry.Restart(ctx, sess.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"name": sess.Name, "breakpointsRestored": restored}, nil
}

func cmdStatus(_ context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	return sessionFields(sess), nil
}

func cmdList(_ context.Context, d *Daemon, _ protocol.Request) (map[string]interface{}, error) {
	sessions, current := d.Registry.List()
	list := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, sessionFields(s))
	}
	return map[string]interface{}{"sessions": list, "current": current}, nil
}

func cmdUse(_ context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	name := strings.TrimSpace(req.Args)
	if name == "" {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "use requires a session name")
	}
	if err := d.Registry.Use(name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"current": name}, nil
}
