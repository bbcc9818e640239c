//go:build !sqlite
// +build !sqlite

package storage

import (
	"context"
	"errors"

	logx "opscron/pkg/logx"
)

func openSQLite(_ context.Context, _ Config, _ logx.Logger) (Store, error) {
	return nil, errors.New("sqlite storage not built: build with -tags sqlite")
}
