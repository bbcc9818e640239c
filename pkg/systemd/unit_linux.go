//go:build linux

package systemd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// StartUnit starts name and waits for the start job to finish. For Type=oneshot units the job
// completes when the service exits, so a failing oneshot is reported as an error.
func StartUnit(ctx context.Context, name string) error {
	unit := UnitName(name)
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", done); err != nil {
		if isNoSuchUnitErr(err) {
			return fmt.Errorf("%w: %s", ErrNoSuchUnit, unit)
		}
		return fmt.Errorf("failed to start %s: %w", unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		// done, canceled, timeout, failed, dependency, skipped
		if res != "done" {
			return fmt.Errorf("start %s: job %s", unit, res)
		}
		return nil
	}
}
