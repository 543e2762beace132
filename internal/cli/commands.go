package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gzf09/agent-aigateway/internal/auth"
	"github.com/gzf09/agent-aigateway/internal/plan"
)

func newSubmitCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch of tool calls",
		Long: `Submit reads a JSON batch, either an array of calls or {"calls": [...]},
from --file ("-" for stdin) and prints the resulting turn.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			calls, err := readBatch(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			turn, err := client.Submit(cmd.Context(), opts.session, calls)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), turn)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "batch file")
	return cmd
}

func newConfirmCmd(opts *options) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm the pending batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			turn, err := client.Confirm(cmd.Context(), opts.session, name)
			if err != nil {
				return fmt.Errorf("confirm: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), turn)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "resource name, required when the card asks for it")
	return cmd
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Discard the pending batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			turn, err := client.Cancel(cmd.Context(), opts.session)
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), turn)
		},
	}
}

func newRollbackCmd(opts *options) *cobra.Command {
	var to int64
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo the latest change, or every change after --to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if cmd.Flags().Changed("to") {
				turn, err := client.RollbackToVersion(cmd.Context(), opts.session, to)
				if err != nil {
					return fmt.Errorf("rollback: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), turn)
			}
			turn, err := client.RollbackLast(cmd.Context(), opts.session)
			if err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), turn)
		},
	}
	cmd.Flags().Int64Var(&to, "to", 0, "target version; 0 undoes every change")
	return cmd
}

func newTimelineCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show the session's changelog, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			tl, err := client.Timeline(cmd.Context(), opts.session, limit)
			if err != nil {
				return fmt.Errorf("timeline: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), tl)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (server default when 0)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an operator API key and its bcrypt hash",
		Long: `Keygen prints a new agw_ key together with the prefix and hash to store in
the operators table. The key itself is shown only once.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"key":    key.Key,
				"prefix": key.Prefix,
				"hash":   key.Hash,
			})
		},
	}
}

func readBatch(stdin io.Reader, path string) ([]plan.Call, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	var calls []plan.Call
	if err := json.Unmarshal(data, &calls); err == nil {
		return calls, nil
	}
	var wrapped struct {
		Calls []plan.Call `json:"calls"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse batch: %w", err)
	}
	return wrapped.Calls, nil
}
