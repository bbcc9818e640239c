//go:build !linux

package systemd

import "context"

func StartUnit(context.Context, string) error { return ErrUnsupported }
