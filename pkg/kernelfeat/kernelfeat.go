// Package kernelfeat decides, once per process, which positioned I/O
// syscalls the async worker (pkg/worker) is allowed to use. It follows
// the same version-table pattern the conniver package uses to gate
// tcp_info struct layouts by kernel version, but with a single cutoff:
// pwritev2/preadv2 (and the RWF_HIPRI flag the worker uses) landed in
// Linux 4.6.
package kernelfeat

import (
	"fmt"
	"sync"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// Features is the feature set available to a worker on the running
// kernel. Detect computes it once and returns the cached value on every
// later call.
type Features struct {
	Version       kernel.VersionInfo
	HasPositionedVectoredIO bool // pwritev2/preadv2, Linux >= 4.6
}

var (
	once      sync.Once
	detected  Features
	detectErr error
)

var minVectoredIOVersion = kernel.VersionInfo{Kernel: 4, Major: 6, Minor: 0}

// Detect reads the running kernel's release string (uname, via
// github.com/docker/docker/pkg/parsers/kernel) and compares it against the known cutoffs, caching the result for the
// life of the process.
func Detect() (Features, error) {
	once.Do(func() {
		v, err := kernel.GetKernelVersion()
		if err != nil {
			detectErr = fmt.Errorf("kernelfeat: %w", err)
			return
		}
		detected = Features{
			Version:                 *v,
			HasPositionedVectoredIO: kernel.CompareKernelVersion(*v, minVectoredIOVersion) >= 0,
		}
	})
	return detected, detectErr
}

// Reset clears the cached detection, for tests that want to force a
// re-read (production code never needs this: the kernel version can't
// change under a running process).
func Reset() {
	once = sync.Once{}
	detected = Features{}
	detectErr = nil
}
