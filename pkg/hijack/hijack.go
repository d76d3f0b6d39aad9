// Package hijack stands in for the dynamic-linker "next symbol"
// trampoline a native interposition library would use to reach the
// original libc calls. Go has no dlsym(RTLD_NEXT, ...) without cgo, so
// instead it holds a process-wide table of real (non-intercepted) file
// operations, supplied once at startup by whatever embeds the
// middleware — explicit delegation through dependency injection.
package hijack

import (
	"fmt"
	"os"
	"sync"
)

// RealOps is the set of unmodified file operations the facade falls
// back to for unmanaged descriptors; for a managed descriptor it uses
// only Open and Close, since managed data moves by positioned reads and
// writes on the descriptor. Every field is required; Init rejects a table with a nil
// field rather than let a later call panic on a nil func value.
type RealOps struct {
	Creat func(path string, mode os.FileMode) (*os.File, error)
	Open  func(path string, flags int, mode os.FileMode) (*os.File, error)
	Close func(f *os.File) error
	Read  func(f *os.File, p []byte) (int, error)
	Write func(f *os.File, p []byte) (int, error)
	Lseek func(f *os.File, offset int64, whence int) (int64, error)
}

var (
	once sync.Once
	real RealOps
	init_ bool
)

// Init installs the process-wide real-operation table. It is a one-shot
// setup call, mirroring the sync.Once-guarded initializer pattern the
// rest of this codebase uses for process-wide state (see
// pkg/kernelfeat.Detect); calling it twice is a programming error and
// returns an error rather than silently keeping the first table.
func Init(ops RealOps) error {
	if ops.Creat == nil || ops.Open == nil || ops.Close == nil ||
		ops.Read == nil || ops.Write == nil || ops.Lseek == nil {
		return fmt.Errorf("hijack: RealOps must have every field set")
	}
	installed := false
	once.Do(func() {
		real = ops
		init_ = true
		installed = true
	})
	if !installed {
		return fmt.Errorf("hijack: real operation table already initialized")
	}
	return nil
}

// Default wires RealOps directly to the os package, the pass-through
// behaviour a process gets if it never calls Init explicitly.
func Default() RealOps {
	return RealOps{
		Creat: func(path string, mode os.FileMode) (*os.File, error) {
			return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
		},
		Open: func(path string, flags int, mode os.FileMode) (*os.File, error) {
			return os.OpenFile(path, flags, mode)
		},
		Close: func(f *os.File) error { return f.Close() },
		Read:  func(f *os.File, p []byte) (int, error) { return f.Read(p) },
		Write: func(f *os.File, p []byte) (int, error) { return f.Write(p) },
		Lseek: func(f *os.File, offset int64, whence int) (int64, error) { return f.Seek(offset, whence) },
	}
}

// Real returns the installed table, initializing it to Default on first
// use if no embedder ever called Init — the pass-through case needs no
// explicit setup.
func Real() RealOps {
	once.Do(func() {
		real = Default()
		init_ = true
	})
	return real
}

// Reset clears the installed table; test-only escape hatch, since Init
// is otherwise one-shot for the life of a process.
func Reset() {
	once = sync.Once{}
	real = RealOps{}
	init_ = false
}
