package vtable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/procsuper"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/state"
)

func TestProcOutputTableReturnsNoRowsWithoutManagedProcess(t *testing.T) {
	t.Parallel()
	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st)})

	res, err := query.Execute(context.Background(), "SELECT * FROM proc_output", reg)
	require.NoError(t, err)
	require.Empty(t, res.Rows)
}

func TestProcOutputTableSplitsCapturedLines(t *testing.T) {
	t.Parallel()
	sup, err := procsuper.Start(context.Background(), procsuper.Options{
		Command: []string{"bash", "-c", "echo one; echo two"},
	})
	require.NoError(t, err)
	defer sup.Kill()

	require.Eventually(t, func() bool {
		return len(sup.Output()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st), Sup: sup})

	var res *query.Result
	require.Eventually(t, func() bool {
		var qerr error
		res, qerr = query.Execute(context.Background(), "SELECT * FROM proc_output", reg)
		require.NoError(t, qerr)
		return len(res.Rows) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, "one", res.Rows[0][1])
	require.Equal(t, "two", res.Rows[1][1])
}
