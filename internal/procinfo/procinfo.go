// Package procinfo resolves the process ids that clients report in their
// activity updates.
package procinfo

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = time.Second

// Name returns the executable name of pid, or "" if the process does not
// exist or cannot be inspected.
func Name(ctx context.Context, pid int32) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

// Lookup returns a resolver suitable for the router's state view. Each call
// is bounded by timeout (DefaultTimeout if zero).
func Lookup(timeout time.Duration) func(pid int32) string {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(pid int32) string {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return Name(ctx, pid)
	}
}
