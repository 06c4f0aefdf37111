// Package sandbox applies a bounded resource envelope (CPU time, address
// space, open file descriptors) to a freshly-started child process. It is
// deliberately narrow: no namespace or mount isolation, only the rlimits
// OneShotExecutor and AnalysisInvoker need to keep a runaway engine from
// starving the host.
package sandbox

import "time"

// Envelope describes the resource caps to apply. A zero field leaves that
// resource unbounded — callers only pay for what they configure.
type Envelope struct {
	CPULimit time.Duration // RLIMIT_CPU
	MemLimit uint64        // RLIMIT_AS, in bytes
	MaxFDs   uint32        // RLIMIT_NOFILE
}

// Empty reports whether the envelope configures no limits at all, in
// which case Apply is a guaranteed no-op and callers can skip it.
func (e Envelope) Empty() bool {
	return e.CPULimit == 0 && e.MemLimit == 0 && e.MaxFDs == 0
}
