package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/mutation"
)

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "conflicts <stream>",
		Short:         "Show a stream's recorded conflict history",
		Long:          "Show the conflict tickets recorded on a stream's companion audit stream, oldest first.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(rootOpts, args[0], cmd)
		},
	}
}

func runConflicts(opts *RootOptions, streamID string, cmd *cobra.Command) error {
	log, backend, err := openLog(opts.cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	protocol := mutation.NewProtocol(log)
	tickets, err := protocol.Conflicts(cmd.Context(), streamID)
	if err != nil {
		return WrapExitError(ExitCommandError, "conflicts", err)
	}

	out := formatterFor(opts, cmd.OutOrStdout())
	return out.Success(ticketListing(tickets))
}

type ticketListing []entry.ConflictTicket

func (l ticketListing) String() string {
	if len(l) == 0 {
		return "(no conflicts)"
	}
	var b strings.Builder
	b.WriteString("KEY\tCALLER\tCURRENT\tAT")
	for _, t := range l {
		fmt.Fprintf(&b, "\n%s\t%d\t%d\t%s",
			t.IdempotencyKey, t.CallerVersion, t.CurrentVersion, t.RecordedAt.Format("2006-01-02T15:04:05Z"))
	}
	return b.String()
}
