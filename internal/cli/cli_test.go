package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/gzf09/agent-aigateway/internal/auth"
	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/orchestrator"
	"github.com/gzf09/agent-aigateway/internal/resource"
	"github.com/gzf09/agent-aigateway/internal/server"
)

const testKey = "agw_cli_test_key_0123"

func startServer(t *testing.T) string {
	t.Helper()
	logger := zap.NewNop()
	orch := orchestrator.New(orchestrator.Config{
		Client:    resource.NewMemoryClient(),
		Changelog: changelog.NewManager(changelog.NewMemoryStore(), logger),
		Logger:    logger,
	})
	gs := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryAuthInterceptor(auth.NewStaticAuthenticator(), logger)))
	server.RegisterAgentServiceServer(gs, server.NewAgentServer(orch, logger))

	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReadBatch(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "array", input: `[{"toolName":"list-ai-routes","args":{}}]`, want: 1},
		{name: "wrapped", input: `{"calls":[{"toolName":"get-ai-route","args":{"name":"r1"}},{"toolName":"list-ai-routes"}]}`, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, err := readBatch(strings.NewReader(tt.input), "-")
			require.NoError(t, err)
			assert.Len(t, calls, tt.want)
		})
	}

	_, err := readBatch(strings.NewReader("not json"), "-")
	assert.Error(t, err)
}

func TestReadBatch_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"toolName":"get-ai-provider","args":{"name":"p1"}}]`), 0o600))

	calls, err := readBatch(strings.NewReader(""), path)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "p1", calls[0].Args["name"])
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "", "keygen")
	require.NoError(t, err)

	var key map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &key))
	assert.True(t, strings.HasPrefix(key["key"], auth.KeyPrefix))
	assert.Equal(t, key["key"][:len(key["prefix"])], key["prefix"])
	assert.NotEmpty(t, key["hash"])
}

func TestSessionIsRequired(t *testing.T) {
	_, err := run(t, "", "cancel", "--addr", "localhost:1", "--token", testKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--session")
}

func TestSubmitConfirmTimeline(t *testing.T) {
	addr := startServer(t)
	common := []string{"--addr", addr, "--token", testKey, "--session", "cli-1"}

	batch := `[{"toolName":"add-ai-route","args":{"name":"r1","upstreams":[{"provider":"openai","weight":100}]}}]`
	out, err := run(t, batch, append([]string{"submit"}, common...)...)
	require.NoError(t, err)
	var turn orchestrator.Turn
	require.NoError(t, json.Unmarshal([]byte(out), &turn))
	assert.Equal(t, orchestrator.StateAwaitingConfirmation, turn.State)
	require.NotNil(t, turn.Card())

	out, err = run(t, "", append([]string{"confirm"}, common...)...)
	require.NoError(t, err)
	turn = orchestrator.Turn{}
	require.NoError(t, json.Unmarshal([]byte(out), &turn))
	require.NotNil(t, turn.Batch)
	assert.True(t, turn.Batch.Success)

	out, err = run(t, "", append([]string{"timeline", "--limit", "5"}, common...)...)
	require.NoError(t, err)
	var tl server.TimelineResponse
	require.NoError(t, json.Unmarshal([]byte(out), &tl))
	assert.Equal(t, int64(1), tl.CurrentVersion)
	require.Len(t, tl.Entries, 1)

	out, err = run(t, "", append([]string{"rollback"}, common...)...)
	require.NoError(t, err)
	turn = orchestrator.Turn{}
	require.NoError(t, json.Unmarshal([]byte(out), &turn))
	require.NotNil(t, turn.Rollback)
	assert.True(t, turn.Rollback.Success)
}
