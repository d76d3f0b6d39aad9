// Package worker implements the single background execution context (one
// per process, bound to at most one descriptor at a time) that pipelines
// disk I/O behind the double buffer a managed descriptor stages into.
// It is deliberately ignorant of stripes, chunks or exchange: it only
// knows how to run one positioned read or write at a time and hand back
// the previous request's result when the next one is posted — the
// "one-in-flight lag" contract.
package worker

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// File is the minimal handle the worker needs to issue positioned I/O;
// *os.File satisfies it. Kept as an interface so callers (and tests) can
// substitute a narrower stand-in without a real file descriptor.
type File interface {
	Fd() uintptr
}

// Cmd selects what the worker's current slot asks it to do.
type Cmd int

const (
	CmdIdle Cmd = iota
	CmdWrite
	CmdRead
	CmdFinish
)

// Worker runs its loop on its own goroutine once Start is called. All
// public methods are safe to call from the single application goroutine
// that owns it; it is not meant to be shared across descriptors
// concurrently (see Bind).
type Worker struct {
	useVectored bool
	hiPri       bool

	mu   sync.Mutex
	cond *sync.Cond

	cmd  Cmd
	cfd  File
	cbuf []byte
	csize int
	cpos  int64

	cret int
	cerr error

	started bool
	boundFd int
	bound   bool
}

// New constructs a Worker. useVectored selects unix.Pwritev2/Preadv2 over
// unix.Pwrite/Pread when the kernel supports it (see pkg/kernelfeat);
// hiPri requests RWF_HIPRI on the vectored path. Both paths write the
// same bytes; this is a throughput knob, not a correctness one.
func New(useVectored, hiPri bool) *Worker {
	w := &Worker{useVectored: useVectored, hiPri: hiPri}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Bind enforces that only one descriptor is active on this worker at a
// time: a worker already bound to a different fd id refuses a second one.
func (w *Worker) Bind(fdID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bound && w.boundFd != fdID {
		return fmt.Errorf("worker: already bound to descriptor %d, refusing %d", w.boundFd, fdID)
	}
	w.bound = true
	w.boundFd = fdID
	return nil
}

// Unbind releases the worker so a different descriptor may bind it.
func (w *Worker) Unbind(fdID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bound && w.boundFd == fdID {
		w.bound = false
	}
}

// Start launches the worker's background goroutine. Idempotent.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.loop()
}

func (w *Worker) loop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for w.cmd == CmdIdle {
			w.cond.Wait()
		}
		switch w.cmd {
		case CmdFinish:
			return
		case CmdWrite:
			fd, buf, size, pos := w.cfd, w.cbuf, w.csize, w.cpos
			w.mu.Unlock()
			n, err := w.doWrite(fd, buf[:size], pos)
			w.mu.Lock()
			w.cret, w.cerr = n, err
		case CmdRead:
			fd, buf, size, pos := w.cfd, w.cbuf, w.csize, w.cpos
			w.mu.Unlock()
			n, err := w.doRead(fd, buf[:size], pos)
			w.mu.Lock()
			w.cret, w.cerr = n, err
		}
		w.cmd = CmdIdle
		w.cond.Broadcast()
	}
}

func (w *Worker) doWrite(fd File, buf []byte, pos int64) (int, error) {
	if w.useVectored {
		flags := 0
		if w.hiPri {
			flags = unix.RWF_HIPRI
		}
		n, err := unix.Pwritev2(int(fd.Fd()), [][]byte{buf}, pos, flags)
		return n, err
	}
	return unix.Pwrite(int(fd.Fd()), buf, pos)
}

func (w *Worker) doRead(fd File, buf []byte, pos int64) (int, error) {
	if w.useVectored {
		flags := 0
		if w.hiPri {
			flags = unix.RWF_HIPRI
		}
		n, err := unix.Preadv2(int(fd.Fd()), [][]byte{buf}, pos, flags)
		return n, err
	}
	return unix.Pread(int(fd.Fd()), buf, pos)
}

// Post blocks until the worker is idle (has finished its previous
// request, if any), captures that previous request's result, enqueues
// the new request, and returns the previous result immediately — the
// worker runs the new request asynchronously. The very first Post on a
// fresh Worker returns (0, nil), per spec.
func (w *Worker) Post(cmd Cmd, fd File, buf []byte, size int, pos int64) (int, error) {
	w.mu.Lock()
	for w.cmd != CmdIdle {
		w.cond.Wait()
	}
	prevRet, prevErr := w.cret, w.cerr

	w.cfd, w.cbuf, w.csize, w.cpos = fd, buf, size, pos
	w.cmd = cmd
	w.cond.Signal()
	w.mu.Unlock()
	return prevRet, prevErr
}

// PrimeRead issues a synchronous read before the pipeline starts, so the
// first real Post(CmdRead, ...) call returns genuine data instead of the
// generic first-call-returns-0 convention.
func (w *Worker) PrimeRead(fd File, buf []byte, size int, pos int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.cmd != CmdIdle {
		w.cond.Wait()
	}
	n, err := w.doRead(fd, buf[:size], pos)
	w.cret, w.cerr = n, err
	return err
}

// Finish drains any in-flight request and stops the worker's goroutine.
// Safe to call on a worker that was never Started.
func (w *Worker) Finish() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for w.cmd != CmdIdle {
		w.cond.Wait()
	}
	w.cmd = CmdFinish
	w.cond.Signal()
	w.mu.Unlock()
}

// LastResult returns the most recently completed request's result
// without posting a new one — used by the descriptor close path to drain
// the final in-flight write.
func (w *Worker) LastResult() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.cmd != CmdIdle {
		w.cond.Wait()
	}
	return w.cret, w.cerr
}
