package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/authority"
	"github.com/roach88/ledgerd/internal/entry"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	From  int64
	Limit int
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read <stream>",
		Short: "Read committed entries from a stream",
		Long: `Read committed entries from a stream in seq order.

Reads below the retention floor fail with the floor position; recover
from a snapshot instead (see checkpoint).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 1, "first seq to read")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries (0 = all)")

	return cmd
}

func runRead(opts *ReadOptions, streamID string, cmd *cobra.Command) error {
	log, backend, err := openLog(opts.cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	out := formatterFor(opts.RootOptions, cmd.OutOrStdout())
	entries, err := log.ReadRange(cmd.Context(), streamID, opts.From, opts.Limit)
	if err != nil {
		if authority.IsRetention(err) {
			out.Error(err.Error())
			return WrapExitError(ExitFailure, "read", err)
		}
		return WrapExitError(ExitCommandError, "read", err)
	}

	return out.Success(entryListing(entries))
}

type entryListing []entry.LogEntry

func (l entryListing) String() string {
	if len(l) == 0 {
		return "(no entries)"
	}
	var b strings.Builder
	for _, e := range l {
		fmt.Fprintf(&b, "%d\t%s\t%s", e.Seq, e.IdempotencyKey, e.Payload)
		if e.Hash != "" {
			fmt.Fprintf(&b, "\t%s", e.Hash[:12])
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
