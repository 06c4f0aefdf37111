//go:build linux

package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Apply prlimits the already-started process identified by pid. Best
// effort: a failed prlimit call for one resource does not prevent the
// others from being applied, and is returned as a joined error for the
// caller to log.
func Apply(pid int, e Envelope) error {
	var errs []error
	if e.CPULimit > 0 {
		errs = append(errs, prlimit(pid, unix.RLIMIT_CPU, uint64(e.CPULimit.Seconds())))
	}
	if e.MemLimit > 0 {
		errs = append(errs, prlimit(pid, unix.RLIMIT_AS, e.MemLimit))
	}
	if e.MaxFDs > 0 {
		errs = append(errs, prlimit(pid, unix.RLIMIT_NOFILE, uint64(e.MaxFDs)))
	}
	return joinErrors(errs)
}

func prlimit(pid, resource int, value uint64) error {
	lim := unix.Rlimit{Cur: value, Max: value}
	if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
		return fmt.Errorf("sandbox: prlimit(pid=%d, resource=%d, value=%d): %w", pid, resource, value, err)
	}
	return nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
