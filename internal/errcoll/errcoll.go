// Package errcoll contains implementations of error collectors used to
// report GlobalFatal and PerSocketFatal conditions encountered while the
// query pipeline is running.
package errcoll

import (
	"context"
	"fmt"

	"github.com/AdguardTeam/golibs/log"
)

// Interface is the interface for error collectors that process information
// about errors encountered by shards, possibly persisting them for later
// inspection.
type Interface interface {
	Collect(ctx context.Context, err error)
}

// Collectf is a helper for reporting non-critical errors, e.g. a
// PerSocketFatal that a shard recovered from by reopening the socket.  It
// writes the resulting error into the log and also into errColl. A nil
// errColl is a no-op beyond the log line, so callers that hold an optional
// collector (package shard) don't need to guard every call site.
func Collectf(ctx context.Context, errColl Interface, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	log.Error("%s", err)

	if errColl != nil {
		errColl.Collect(ctx, err)
	}
}
