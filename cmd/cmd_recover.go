package cmd

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/internal/config"
	"github.com/gaze-network/txcore/internal/postgres"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	cstream "github.com/planxnx/concurrent-stream"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

type recoverCmdOptions struct {
	Participant string
	Commit      string
	Rollback    string
}

func NewRecoverCommand() *cobra.Command {
	opts := &recoverCmdOptions{}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "List or resolve prepared transactions left on the participants",
		Example: `txcore recover
txcore recover --participant orders --commit 6f1c0d62-3a43-4b8e-9f7e-1c3f0f6f3c2a`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return recoverHandler(opts, cmd, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Participant, "participant", "", "Participant alias to resolve the transaction on")
	flags.StringVar(&opts.Commit, "commit", "", "Commit the prepared transaction with the given id")
	flags.StringVar(&opts.Rollback, "rollback", "", "Rollback the prepared transaction with the given id")
	cmd.MarkFlagsMutuallyExclusive("commit", "rollback")

	return cmd
}

type inDoubt struct {
	alias string
	xids  []string
	err   error
}

func recoverHandler(opts *recoverCmdOptions, cmd *cobra.Command, _ []string) error {
	conf := config.Load()
	ctx := logger.WithContext(cmd.Context(), slogx.String("command", "recover"))
	if len(conf.Participants) == 0 {
		return errors.Wrap(errs.InvalidArgument, "no participants configured")
	}

	injector := newInjector(ctx, conf)
	defer shutdownInjector(ctx, injector)

	pools, err := do.Invoke[participantPools](injector)
	if err != nil {
		return errors.WithStack(err)
	}

	if opts.Commit != "" || opts.Rollback != "" {
		return errors.WithStack(resolveInDoubt(ctx, opts, pools))
	}

	results, err := listInDoubt(ctx, pools)
	if err != nil {
		return errors.WithStack(err)
	}
	out := cmd.OutOrStdout()
	for _, result := range results {
		if result.err != nil {
			logger.ErrorContext(ctx, "Failed to list in-doubt transactions", result.err, slogx.String("participant", result.alias))
			continue
		}
		for _, xid := range result.xids {
			fmt.Fprintf(out, "%s\t%s\n", result.alias, xid)
		}
	}
	return nil
}

// listInDoubt queries every participant concurrently and returns the results
// in alias order.
func listInDoubt(ctx context.Context, pools participantPools) ([]inDoubt, error) {
	aliases := pools.Aliases()
	out := make(chan inDoubt)
	stream := cstream.NewStream(ctx, 8, out)

	go func() {
		defer stream.Close()
		for _, alias := range aliases {
			alias := alias
			stream.Go(func() inDoubt {
				xids, err := postgres.NewResourceManager(pools[alias]).InDoubt(ctx)
				return inDoubt{alias: alias, xids: xids, err: err}
			})
		}
	}()

	results := make([]inDoubt, 0, len(aliases))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for result := range out {
			results = append(results, result)
		}
	}()

	if err := stream.Wait(); err != nil {
		return nil, errors.Wrap(err, "failed while listing in-doubt transactions")
	}
	close(out)
	<-done
	return results, nil
}

func resolveInDoubt(ctx context.Context, opts *recoverCmdOptions, pools participantPools) error {
	pool, ok := pools[opts.Participant]
	if !ok {
		return errors.Wrapf(errs.NotFound, "participant %q", opts.Participant)
	}
	manager := postgres.NewResourceManager(pool)
	ctx = logger.WithContext(ctx, slogx.String("participant", opts.Participant))

	if opts.Commit != "" {
		if err := manager.CommitPrepared(ctx, opts.Commit); err != nil {
			return errors.WithStack(err)
		}
		logger.InfoContext(ctx, "Committed prepared transaction", slogx.String("xid", opts.Commit))
		return nil
	}
	if err := manager.RollbackPrepared(ctx, opts.Rollback); err != nil {
		return errors.WithStack(err)
	}
	logger.InfoContext(ctx, "Rolled back prepared transaction", slogx.String("xid", opts.Rollback))
	return nil
}
