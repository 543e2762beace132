// Package cli implements agentctl, the operator command line for the agent
// server's gRPC API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gzf09/agent-aigateway/internal/server"
)

const defaultAddr = "localhost:50061"

type options struct {
	addr    string
	token   string
	session string
}

// NewRootCommand builds the agentctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Drive the AI gateway configuration agent",
		Long: `agentctl submits tool-call batches to the agent server, answers its
confirmation cards and rolls changes back.

Every command prints the server's JSON response.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("AGENT_ADDR", defaultAddr), "agent server gRPC address")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("AGENT_API_KEY"), "operator API key (agw_...)")
	root.PersistentFlags().StringVarP(&opts.session, "session", "s", "", "session id")

	root.AddCommand(newSubmitCmd(opts))
	root.AddCommand(newConfirmCmd(opts))
	root.AddCommand(newCancelCmd(opts))
	root.AddCommand(newRollbackCmd(opts))
	root.AddCommand(newTimelineCmd(opts))
	root.AddCommand(newKeygenCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *options) dial() (*server.Client, error) {
	if o.session == "" {
		return nil, fmt.Errorf("--session is required")
	}
	client, err := server.Dial(o.addr, o.token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", o.addr, err)
	}
	return client, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
