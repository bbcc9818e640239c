// Package runners builds job bodies from configuration: a local command, an HTTP POST, or a
// systemd unit started over D-Bus.
//
// Errors the next attempt cannot fix (missing binary or unit, 4xx other than 408/429) are wrapped with
// backoff.Permanent so the retry controller stops early.
package runners

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"opscron/internal/jobs"
	logx "opscron/pkg/logx"
	"opscron/pkg/systemd"
)

// maxOutput caps how much command output or response body is kept for error messages.
const maxOutput = 2048

var ErrNoBody = errors.New("runners: job declares no command, url or unit")

// Spec is the body section of a configured job. Exactly one of Command, URL or Unit is set.
type Spec struct {
	Unit    string            `json:"unit,omitempty"`
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     []string          `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (s Spec) IsZero() bool { return len(s.Command) == 0 && s.URL == "" && s.Unit == "" }

func (s Spec) kinds() int {
	n := 0
	if len(s.Command) > 0 {
		n++
	}
	if s.URL != "" {
		n++
	}
	if s.Unit != "" {
		n++
	}
	return n
}

func (s Spec) Validate() error {
	switch {
	case s.IsZero():
		return ErrNoBody
	case s.kinds() > 1:
		return errors.New("runners: command, url and unit are mutually exclusive")
	case len(s.Command) > 0 && strings.TrimSpace(s.Command[0]) == "":
		return errors.New("runners: empty command")
	}
	return nil
}

// Build returns the jobs.Func for s. client may be nil.
func Build(name string, s Spec, client *http.Client, log logx.Logger) (jobs.Func, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	log = log.With(logx.String("job", name))
	switch {
	case len(s.Command) > 0:
		return Exec(s, log), nil
	case s.Unit != "":
		return Unit(s.Unit, systemd.StartUnit, log), nil
	}
	if client == nil {
		client = &http.Client{}
	}
	return HTTP(s, client, log), nil
}

// Exec runs s.Command directly (no shell). ctx cancellation kills the process.
func Exec(s Spec, log logx.Logger) jobs.Func {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
		cmd.Dir = s.Dir
		if len(s.Env) > 0 {
			cmd.Env = append(cmd.Environ(), s.Env...)
		}
		cmd.WaitDelay = 5 * time.Second

		start := time.Now()
		out, err := cmd.CombinedOutput()
		if err == nil {
			log.Debug("runner.exec_ok", logx.Duration("dur", time.Since(start)), logx.Int("output_bytes", len(out)))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return backoff.Permanent(fmt.Errorf("exec %s: %w", s.Command[0], err))
		}
		return fmt.Errorf("exec %s: %w; output=%q", s.Command[0], err, truncate(out))
	}
}

// HTTP sends s.Body to s.URL (POST unless Method says otherwise). Any 2xx is success.
func HTTP(s Spec, client *http.Client, log logx.Logger) jobs.Func {
	method := strings.ToUpper(s.Method)
	if method == "" {
		method = http.MethodPost
	}
	return func(ctx context.Context) error {
		var body io.Reader
		if s.Body != "" {
			body = strings.NewReader(s.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.URL, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("http: new request: %w", err))
		}
		for k, v := range s.Headers {
			req.Header.Set(k, v)
		}
		if s.Body != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, io.LimitReader(resp.Body, maxOutput))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			log.Debug("runner.http_ok", logx.Int("status", resp.StatusCode))
			return nil
		}
		err = fmt.Errorf("http: %s %s: status %d: %q", method, s.URL, resp.StatusCode, buf.String())
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
}

// UnitStarter starts a systemd unit and waits for its start job. systemd.StartUnit is the
// production implementation.
type UnitStarter func(ctx context.Context, unit string) error

// Unit starts a systemd unit, typically Type=oneshot so the run lasts as long as the service.
func Unit(unit string, start UnitStarter, log logx.Logger) jobs.Func {
	return func(ctx context.Context) error {
		started := time.Now()
		err := start(ctx, unit)
		switch {
		case err == nil:
			log.Debug("runner.unit_ok", logx.String("unit", unit), logx.Duration("dur", time.Since(started)))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, systemd.ErrNoSuchUnit), errors.Is(err, systemd.ErrUnsupported):
			return backoff.Permanent(err)
		}
		return err
	}
}

func truncate(b []byte) string {
	if len(b) <= maxOutput {
		return string(b)
	}
	return string(b[:maxOutput]) + "..."
}
