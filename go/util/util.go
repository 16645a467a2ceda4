// Package util contains small general-purpose helpers shared across the repo.
package util

import (
	"context"
	"io"
	"os"
	"time"

	"go.copilot.dev/infra/go/sklog"
)

// Close wraps an io.Closer and logs an error if one is returned, for use in
// defer statements where the error would otherwise be dropped.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to Close(): %v", err)
	}
}

// RemoveAll removes the specified path and logs an error if one is returned.
func RemoveAll(path string) {
	if err := os.RemoveAll(path); err != nil {
		sklog.Errorf("Failed to RemoveAll(%s): %v", path, err)
	}
}

// SleepCtx sleeps for the given duration or until the context is cancelled,
// whichever comes first.
func SleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Truncate returns the given string, shortened to at most length characters.
func Truncate(s string, length int) string {
	if len(s) > length {
		return s[:length]
	}
	return s
}
