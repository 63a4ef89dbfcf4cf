package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/app"
	"github.com/foofork/riptide/internal/config"
)

func newCrawlCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "crawl [seed urls...]",
		Short: "Run a one-shot crawl from seed URLs",
		Long: `Seeds the frontier with the given URLs and drains it through the
pipeline until the frontier is empty or the process is interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, label, args)
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "session label for this crawl")
	return cmd
}

func runCrawl(cmd *cobra.Command, label string, seeds []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	sess, err := a.Sessions.Create(label, 0)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	accepted, err := a.Frontier.AddSeeds(seeds, sess.ID)
	if err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}
	if accepted == 0 {
		return errors.New("no valid seed URLs")
	}
	if err := a.Sessions.AddSeeds(sess.ID, accepted); err != nil {
		a.Logger.Warn("seed count update failed", zap.Error(err))
	}

	a.Logger.Info("starting crawl",
		zap.String("session", sess.ID),
		zap.Int("seeds", accepted),
	)
	a.Dispatcher.Drain(ctx)

	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	snap := a.Budget.UsageSnapshot()
	a.Logger.Info("crawl finished",
		zap.String("session", sess.ID),
		zap.Int64("pages", snap.PagesCrawled),
		zap.Int64("bytes", snap.BytesFetched),
	)
	return nil
}
