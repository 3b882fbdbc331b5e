package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/fanout"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Client string
	From   int64
	Ack    bool
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail <stream>",
		Short: "Follow a stream as an ordered subscriber",
		Long: `Follow a stream as an ordered subscriber.

Delivery starts at --from + 1 and continues as new entries commit,
until interrupted. With --ack each delivered batch advances the durable
cursor for --client, so a later tail with --from -1 resumes where the
last one stopped. A cursor below the retention floor or too far behind
head is rejected with the recovery metadata a resync needs.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Client, "client", "cli", "subscriber client id")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "cursor to start after (-1 = durable cursor)")
	cmd.Flags().BoolVar(&opts.Ack, "ack", false, "acknowledge batches, advancing the durable cursor")

	return cmd
}

func runTail(opts *TailOptions, streamID string, cmd *cobra.Command) error {
	log, backend, err := openLog(opts.cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	out := formatterFor(opts.RootOptions, cmd.OutOrStdout())
	eng := fanout.NewEngine(log, opts.cfg.FanoutOptions()...)

	ctx := cmd.Context()
	var sub *fanout.Subscription
	if opts.From < 0 {
		sub, err = eng.Resume(ctx, streamID, opts.Client)
	} else {
		sub, err = eng.Subscribe(ctx, streamID, opts.Client, opts.From)
	}
	if err != nil {
		if sc, ok := fanout.IsStaleCursor(err); ok {
			out.Error(sc.Error())
			return WrapExitError(ExitFailure, "tail", err)
		}
		return WrapExitError(ExitCommandError, "tail", err)
	}
	defer sub.Close()

	for batch := range sub.Batches() {
		for _, e := range batch.Entries {
			if err := out.Successf("%d\t%s\t%s", e.Seq, e.IdempotencyKey, e.Payload); err != nil {
				return err
			}
		}
		if opts.Ack {
			if err := sub.Ack(ctx, batch.WatermarkSeq); err != nil {
				return WrapExitError(ExitCommandError, "tail: ack", err)
			}
		}
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "tail", fmt.Errorf("subscription ended: %w", err))
	}
	return nil
}
