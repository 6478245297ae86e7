// Package errcoll contains implementations of the [Interface] interface.
package errcoll

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"
)

// Simple Writer Collector

// WriterErrorCollector is an [Interface] that writes errors to an io.Writer.
type WriterErrorCollector struct {
	w io.Writer
}

// NewWriterErrorCollector returns a new WriterErrorCollector.
func NewWriterErrorCollector(w io.Writer) (c *WriterErrorCollector) {
	return &WriterErrorCollector{
		w: w,
	}
}

// Collect implements the [Interface] interface for *WriterErrorCollector.
func (c *WriterErrorCollector) Collect(ctx context.Context, err error) {
	_, _ = fmt.Fprintf(c.w, "%s: %s: caught error: %s\n", time.Now(), caller(2), err)
}

// caller returns a short "file:line" description of the calling frame, skip
// levels up from caller's own frame.
func caller(skip int) (s string) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}

	return fmt.Sprintf("%s:%d", file, line)
}
