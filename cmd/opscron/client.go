package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"opscron/internal/jobs"
	"opscron/internal/ops"
)

type clientFlags struct {
	addr    string
	token   string
	caller  string
	timeout time.Duration
}

func addClientFlags(root *cobra.Command) *clientFlags {
	cf := &clientFlags{}
	pf := root.PersistentFlags()
	pf.StringVar(&cf.addr, "addr", envOr("OPSCRON_ADDR", "127.0.0.1:8089"), "ops server address")
	pf.StringVar(&cf.token, "token", os.Getenv("OPSCRON_TOKEN"), "ops bearer token (env OPSCRON_TOKEN)")
	pf.StringVar(&cf.caller, "caller", envOr("OPSCRON_CALLER", "cli"), "caller id sent for rate limiting")
	pf.DurationVar(&cf.timeout, "request-timeout", 15*time.Minute, "request timeout; triggers wait for the run")
	return cf
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (cf *clientFlags) client() *ops.Client {
	c := ops.NewClient(cf.addr, cf.token)
	c.Caller = cf.caller
	return c
}

// call runs fn against the ops server and prints its JSON answer.
func (cf *clientFlags) call(cmd *cobra.Command, fn func(ctx context.Context, c *ops.Client) (json.RawMessage, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
	defer cancel()
	raw, err := fn(ctx, cf.client())
	if err != nil {
		var apiErr *ops.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter != "" {
			return fmt.Errorf("%s: %s (retry in %ss)", apiErr.Code, apiErr.Message, apiErr.RetryAfter)
		}
		return err
	}
	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out.Bytes())))
	return nil
}

func StatusCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status, health, next runs and auto-heal state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.Status(ctx) })
		},
	}
}

func LastRunsCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "last-runs",
		Short: "Show the last successful forecast, learning and governance runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.LastRuns(ctx) })
		},
	}
}

func PausedCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "paused",
		Short: "List paused jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.Paused(ctx) })
		},
	}
}

func RetryStateCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-state",
		Short: "List runs that are retrying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.RetryState(ctx) })
		},
	}
}

func TriggerCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <job>",
		Short: "Run a job now and wait for its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.Trigger(ctx, args[0]) })
		},
	}
}

func PauseCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job>",
		Short: "Stop scheduling a job and refuse manual triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.Pause(ctx, args[0]) })
		},
	}
}

func ResumeCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.Resume(ctx, args[0]) })
		},
	}
}

func ResetCmd(cf *clientFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [job]",
		Short: "Close a job's circuit breaker, or every breaker with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := ""
			switch {
			case all && len(args) > 0:
				return errors.New("pass a job or --all, not both")
			case !all && len(args) == 0:
				return errors.New("pass a job or --all")
			case len(args) == 1:
				job = args[0]
			}
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.Reset(ctx, job) })
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every breaker")
	return cmd
}

// ConfigCmd groups runtime job configuration.
func ConfigCmd(cf *clientFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Change job configuration at runtime",
	}

	var (
		timeout    time.Duration
		maxRetries int
		retryDelay time.Duration
		backoff    float64
		schedule   string
	)
	setCmd := &cobra.Command{
		Use:   "set <job|default>",
		Short: "Update the given fields of a job's config; unset flags are left alone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p jobs.Partial
			fl := cmd.Flags()
			if fl.Changed("timeout") {
				p.Timeout = &timeout
			}
			if fl.Changed("max-retries") {
				p.MaxRetries = &maxRetries
			}
			if fl.Changed("retry-delay") {
				p.RetryDelay = &retryDelay
			}
			if fl.Changed("backoff") {
				p.BackoffMultiplier = &backoff
			}
			if fl.Changed("schedule") {
				p.Schedule = &schedule
			}
			if p.IsZero() {
				return errors.New("nothing to update; set at least one flag")
			}
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) {
				return c.UpdateConfig(ctx, args[0], p)
			})
		},
	}
	setCmd.Flags().DurationVar(&timeout, "timeout", 0, "attempt timeout (1s..10m)")
	setCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries after the first attempt (0..10)")
	setCmd.Flags().DurationVar(&retryDelay, "retry-delay", 0, "delay before the first retry")
	setCmd.Flags().Float64Var(&backoff, "backoff", 0, "backoff multiplier (>= 1)")
	setCmd.Flags().StringVar(&schedule, "schedule", "", `schedule ("@every 15m", cron expression, or "" to unschedule)`)

	configCmd.AddCommand(setCmd)
	return configCmd
}

func AutoHealCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "autoheal",
		Short: "Score health now and let the auto-heal guard decide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cf.call(cmd, func(ctx context.Context, c *ops.Client) (json.RawMessage, error) { return c.AutoHeal(ctx) })
		},
	}
}
