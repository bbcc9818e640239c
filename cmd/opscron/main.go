package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opscron/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "opscron",
		Short:         "Autonomous job scheduler with retries, circuit breakers and auto-heal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cf := addClientFlags(root)

	root.AddCommand(ServeCmd())
	root.AddCommand(StatusCmd(cf))
	root.AddCommand(LastRunsCmd(cf))
	root.AddCommand(PausedCmd(cf))
	root.AddCommand(RetryStateCmd(cf))
	root.AddCommand(TriggerCmd(cf))
	root.AddCommand(PauseCmd(cf))
	root.AddCommand(ResumeCmd(cf))
	root.AddCommand(ResetCmd(cf))
	root.AddCommand(ConfigCmd(cf))
	root.AddCommand(AutoHealCmd(cf))
	return root
}

// ServeCmd runs the scheduler until SIGINT or SIGTERM.
func ServeCmd() *cobra.Command {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			a, err := app.New(ctx, cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				sctx, cancel := context.WithTimeout(ctx, stopTimeout)
				defer cancel()
				_ = a.Stop(sctx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)

			reason := app.StopUnknown
			select {
			case s := <-sig:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(sctx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./opscron.yaml", "path to config (json or yaml)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "upper bound for graceful shutdown")
	return cmd
}
