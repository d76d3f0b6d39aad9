// Package descriptor implements the per-process descriptor table that
// ties a managed file descriptor to its buffer manager, exchange
// topology and worker, plus the collective-close protocol that
// tail-flushes, drains the worker and optionally truncates the shared
// file to the group's agreed-on length.
package descriptor

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/yishikawa/iomiddle/pkg/bufmgr"
	"github.com/yishikawa/iomiddle/pkg/exchange"
	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/worker"
)

// State is one managed descriptor's full runtime state: everything
// bufmgr.State needs plus the pieces that belong strictly to the
// table (the raw file, whether this rank may physically truncate it,
// and the session id statistics are keyed on).
type State struct {
	Path    string
	File    *os.File
	Topo    *exchange.Topology
	Buf     *bufmgr.State
	Worker  *worker.Worker
	Session xid.ID

	// Trunc is the descriptor's own original open-time truncate request,
	// before any per-rank masking. Every rank in a collective open sees
	// the same flags, so this is symmetric across the group and safe to
	// branch on ahead of a collective call.
	Trunc bool

	// TruncAllowed is Trunc narrowed to "and this rank may physically
	// perform it": only rank 0 keeps it, since every other rank's
	// open() call has the real O_TRUNC flag masked off before the
	// underlying open happens.
	TruncAllowed bool
}

// Table is the process-wide map from descriptor id (as returned by the
// unmodified open) to managed state, sized to the process's file
// descriptor limit so every legal fd id has a slot. Descriptors 0, 1
// and 2 are never assigned: stdio is always pre-marked unmanaged.
type Table struct {
	mu    sync.RWMutex
	slots []*State
}

// NewTable sizes the table from RLIMIT_NOFILE so every descriptor id the
// kernel could ever hand back has a slot.
func NewTable() (*Table, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return nil, fmt.Errorf("descriptor: getrlimit(RLIMIT_NOFILE): %w", err)
	}
	return &Table{slots: make([]*State, rlim.Cur)}, nil
}

// Open installs a managed descriptor's state. fd is the real descriptor
// id the unmodified open already returned; Open only records bookkeeping,
// it never performs I/O itself.
func (t *Table) Open(fd int, st *State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 3 {
		return fmt.Errorf("descriptor: refusing to manage standard descriptor %d", fd)
	}
	if fd >= len(t.slots) {
		return fmt.Errorf("descriptor: fd %d exceeds table size %d", fd, len(t.slots))
	}
	if t.slots[fd] != nil {
		return fmt.Errorf("descriptor: fd %d already managed", fd)
	}
	t.slots[fd] = st
	return nil
}

// Lookup returns a managed descriptor's state, or (nil, false) if fd is
// unmanaged — the facade's pass-through signal.
func (t *Table) Lookup(fd int) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.slots) {
		return nil, false
	}
	st := t.slots[fd]
	return st, st != nil
}

// Remove zeroes a descriptor's slot; called once Close has finished with
// it. Safe to call on an already-unmanaged fd.
func (t *Table) Remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.slots) {
		t.slots[fd] = nil
	}
}

// Close runs the full close path for a managed descriptor: tail flush,
// worker drain, optional collective truncation, then releases the slot.
// truncEnabled comes from process config; st.Trunc records whether this
// descriptor's own open requested truncate, and st.TruncAllowed narrows
// that further to which rank may physically truncate. The caller still
// owns invoking the real close(2) on st.File — Close only drains this
// package's own state.
func (t *Table) Close(fd int, truncEnabled bool, logger *logrus.Entry) error {
	st, ok := t.Lookup(fd)
	if !ok {
		return fmt.Errorf("descriptor: fd %d is not managed", fd)
	}

	if st.Buf != nil && st.Buf.Dirty() {
		if _, err := st.Buf.Flush(); err != nil {
			return fmt.Errorf("descriptor: tail flush fd %d: %w", fd, err)
		}
	}

	if st.Worker != nil {
		if _, err := st.Worker.LastResult(); err != nil && logger != nil {
			logger.WithError(err).WithField("fd", fd).Warn("descriptor: worker's last disk operation failed")
		}
		st.Worker.Unbind(fd)
	}

	if truncEnabled && st.Trunc && st.Topo != nil {
		if err := t.collectiveTruncate(st, logger); err != nil {
			return err
		}
	}

	t.Remove(fd)
	return nil
}

// collectiveTruncate runs the group's shared-file truncation agreement:
// every rank contributes its locally-observed max filpos to a
// max-reduction onto rank 0, and rank 0 truncates the shared file up to
// that length if its own filpos fell short. Every rank must call this
// collectively or the group deadlocks.
func (t *Table) collectiveTruncate(st *State, logger *logrus.Entry) error {
	world := st.Topo.World
	localMax := uint64(st.Buf.LocalMaxFilpos())
	globalMax, err := world.AllReduce(localMax, group.MaxUint64)
	if err != nil {
		return fmt.Errorf("descriptor: truncate allreduce: %w", err)
	}
	if world.Rank() != 0 {
		return nil
	}
	if !st.TruncAllowed {
		return fmt.Errorf("descriptor: rank 0 lost its truncate privilege for %s", st.Path)
	}
	if localMax >= globalMax {
		return nil
	}
	if err := unix.Ftruncate(int(st.File.Fd()), int64(globalMax)); err != nil {
		if logger != nil {
			logger.WithError(err).WithField("path", st.Path).Error("descriptor: collective truncate failed")
		}
		return fmt.Errorf("descriptor: ftruncate %s to %d: %w", st.Path, globalMax, err)
	}
	return nil
}
