package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/entry"
)

// NewStreamsCommand creates the streams command.
func NewStreamsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "streams",
		Short:         "List streams with head and retention floor",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreams(rootOpts, cmd)
		},
	}
}

func runStreams(opts *RootOptions, cmd *cobra.Command) error {
	backend, err := openBackend(opts.cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open storage", err)
	}
	defer backend.Close()

	streams, err := backend.ListStreams(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "streams", err)
	}

	out := formatterFor(opts, cmd.OutOrStdout())
	return out.Success(streamListing(streams))
}

type streamListing []entry.StreamInfo

func (l streamListing) String() string {
	if len(l) == 0 {
		return "(no streams)"
	}
	var b strings.Builder
	b.WriteString("STREAM\tHEAD\tFLOOR")
	for _, s := range l {
		fmt.Fprintf(&b, "\n%s\t%d\t%d", s.StreamID, s.HeadSeq, s.FloorSeq)
	}
	return b.String()
}
