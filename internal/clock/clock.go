// Package clock provides the monotonic microsecond clock used throughout
// dnsqperf to timestamp sends, receives, and timeouts.
package clock

import "time"

// Clock is the interface for time-related operations used by the query
// pipeline.  It exists so that tests can substitute a deterministic clock.
type Clock interface {
	// NowMicro returns the current monotonic time, in microseconds, as
	// measured from an arbitrary and process-local epoch.  Only differences
	// between two NowMicro results are meaningful.
	NowMicro() (now int64)
}

// System is a [Clock] that uses [time.Now], which on all platforms dnsqperf
// supports returns a monotonic reading.
type System struct{}

// type check
var _ Clock = System{}

// NowMicro implements the [Clock] interface for System.
func (System) NowMicro() (now int64) {
	return monoEpoch.add(time.Now())
}

// epoch anchors the monotonic clock reading returned by [System.NowMicro] to
// process start, so that values fit comfortably in an int64 of microseconds
// instead of overflowing when converted from an absolute Unix timestamp.
type epoch struct {
	start time.Time
}

func (e epoch) add(now time.Time) (us int64) {
	return now.Sub(e.start).Microseconds()
}

// monoEpoch is the process-wide start reference for [System.NowMicro].
var monoEpoch = epoch{start: time.Now()}

// Forever is the sentinel used for "no timeout"/"no deadline" in places that
// otherwise expect a microsecond timestamp, e.g. [spec]'s stop_time when no
// time limit is configured and the timestamp of a slot reserved in package
// slottable's table before it is committed.
const Forever int64 = 1<<63 - 1
