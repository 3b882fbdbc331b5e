package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/mutation"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Key     string
	Expect  int64
	Payload string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <stream>",
		Short: "Commit one entry to a stream",
		Long: `Commit one entry to a stream.

The stream is created implicitly on its first commit. --expect is the
head version the write is based on; a mismatch is reported as a
conflict with the true current head, and the conflict is recorded on
the stream's companion audit stream. Retrying with the same --key
replays the original outcome instead of committing twice.

Example:
  ledgerd append run-1 --key cmd-1 --expect 0 --payload '{"op":"start"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	cmd.Flags().Int64Var(&opts.Expect, "expect", 0, "expected base version")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "entry payload")
	cmd.MarkFlagRequired("key")

	return cmd
}

func runAppend(opts *AppendOptions, streamID string, cmd *cobra.Command) error {
	log, backend, err := openLog(opts.cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	out := formatterFor(opts.RootOptions, cmd.OutOrStdout())
	protocol := mutation.NewProtocol(log)
	result, err := protocol.Propose(cmd.Context(), entry.MutationIntent{
		StreamID:            streamID,
		IdempotencyKey:      opts.Key,
		ExpectedBaseVersion: opts.Expect,
		Payload:             []byte(opts.Payload),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "append", err)
	}

	if !result.Committed() {
		out.Error(fmt.Sprintf("conflict: expected base %d, head is %d",
			result.Conflict.CallerVersion, result.Conflict.CurrentVersion))
		return WrapExitError(ExitFailure, "append",
			fmt.Errorf("sequence conflict at head %d", result.Conflict.CurrentVersion))
	}
	if result.Duplicate {
		return out.Success(appendResult{Stream: streamID, Seq: result.Seq, Duplicate: true})
	}
	return out.Success(appendResult{Stream: streamID, Seq: result.Seq})
}

type appendResult struct {
	Stream    string `json:"stream"`
	Seq       int64  `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (r appendResult) String() string {
	if r.Duplicate {
		return fmt.Sprintf("%s seq=%d (duplicate, original outcome)", r.Stream, r.Seq)
	}
	return fmt.Sprintf("%s seq=%d", r.Stream, r.Seq)
}
