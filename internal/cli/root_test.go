package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanmgr/internal/config"
	"github.com/roach88/chanmgr/internal/model"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "chanmgr", cmd.Use)
	assert.Contains(t, cmd.Long, "idempotency key")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "status", "status-all", "operations", "destroy-all", "migrate"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	for _, name := range []string{"listen", "auth.secret", "auth.internal-subject", "workers", "retry-delay", "slots.timeout", "slots.retries"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "migrate", "--db", filepath.Join(t.TempDir(), "x.db"), "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chanmgr.db")

	out, err := execute(t, "migrate", "--db", db, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   MigrateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, db, resp.Data.Database)
	assert.Equal(t, 1, resp.Data.SchemaVersion)
}

func TestMigrate_BadDatabasePath(t *testing.T) {
	_, err := execute(t, "migrate", "--db", "/nonexistent/dir/chanmgr.db")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to open database")
}

func TestServe_RequiresSecret(t *testing.T) {
	_, err := execute(t, "serve", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "auth.secret")
}

// seed creates channels through a runtime over db, as a running server would.
func seed(t *testing.T, db string, fn func(rt *runtime)) {
	t.Helper()
	v := config.New()
	v.Set(config.KeyDB, db)
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	rt, err := openRuntime(cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	defer rt.Close()
	fn(rt)
}

func TestStatusAllAndDestroyAll(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chanmgr.db")
	var ids []string
	seed(t, db, func(rt *runtime) {
		for _, name := range []string{"a", "b"} {
			ch, err := rt.channels.Create(context.Background(), model.CreateRequest{
				ExecutionID: "exec-1", WorkflowName: "wf", UserID: "user-1",
				Spec:        model.ChannelSpec{Name: name},
				StoragePeer: &model.StoragePeer{URI: "s3://bucket/" + name, Role: model.RoleProducer},
			})
			require.NoError(t, err)
			ids = append(ids, ch.ID)
		}
	})

	out, err := execute(t, "status-all", "--db", db, "--execution", "exec-1", "--format", "json")
	require.NoError(t, err)
	var all struct {
		Data []model.ChannelStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	require.Len(t, all.Data, 2)
	assert.Equal(t, "s3://bucket/a", all.Data[0].Producers[0].ID)

	out, err = execute(t, "status", "--db", db, "--channel", ids[1])
	require.NoError(t, err)
	assert.Contains(t, out, "s3://bucket/b")
	assert.Contains(t, out, "STORAGE")

	out, err = execute(t, "destroy-all", "--db", db, "--execution", "exec-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Destroyed 2 channel(s) of execution exec-1")

	out, err = execute(t, "status", "--db", db, "--channel", ids[0], "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code": "NOT_FOUND"`)
}

func TestOperations(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chanmgr.db")
	var bindID string
	seed(t, db, func(rt *runtime) {
		ch, err := rt.channels.Create(context.Background(), model.CreateRequest{
			ExecutionID: "exec-1", WorkflowName: "wf", UserID: "user-1",
			Spec: model.ChannelSpec{Name: "in"},
		})
		require.NoError(t, err)
		// No producer is bound, so the consumer's Bind stays open.
		op, err := rt.channels.Bind(context.Background(), model.BindRequest{
			ChannelID: ch.ID, PeerID: "c1", OwnerType: model.OwnerWorker, Address: "http://c1",
			Slot: model.SlotSpec{Name: "in", Direction: model.DirectionInput},
		})
		require.NoError(t, err)
		require.False(t, op.Done)
		bindID = op.ID
	})

	out, err := execute(t, "operations", "--db", db, "--format", "json")
	require.NoError(t, err)
	var list struct {
		Data []model.Operation `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, bindID, list.Data[0].ID)
	assert.Equal(t, model.OpBind, list.Data[0].Type)

	out, err = execute(t, "operations", "--db", db, "--id", bindID)
	require.NoError(t, err)
	assert.Contains(t, out, bindID)
	assert.Contains(t, out, "BIND")
}
