package cli

import (
	"github.com/spf13/cobra"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <stream>",
		Short: "Verify a stream's tamper-evident hash chain",
		Long: `Verify a stream's tamper-evident hash chain above the retention
floor. A broken link halts further commits on the stream; the halt is
cleared only by manual reconciliation, never automatically.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args[0], cmd)
		},
	}
}

func runVerify(opts *RootOptions, streamID string, cmd *cobra.Command) error {
	log, backend, err := openLog(opts.cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	out := formatterFor(opts, cmd.OutOrStdout())
	if err := log.VerifyChain(cmd.Context(), streamID); err != nil {
		out.Error(err.Error())
		return WrapExitError(ExitFailure, "verify", err)
	}
	return out.Successf("%s chain verified", streamID)
}
