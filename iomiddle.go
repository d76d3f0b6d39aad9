// Package iomiddle is the facade: it wires the path filter, descriptor
// table, buffer manager, two-phase exchange, async worker and
// statistics collector together behind the intercepted operation set,
// transparently converting I/O on a configured path prefix into
// collective, buffered operations without the application noticing.
// Its methods play the role of the intercepting overrides; pkg/hijack
// supplies only the real operations they fall back to.
package iomiddle

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/yishikawa/iomiddle/pkg/bufmgr"
	"github.com/yishikawa/iomiddle/pkg/descriptor"
	"github.com/yishikawa/iomiddle/pkg/exchange"
	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/hijack"
	"github.com/yishikawa/iomiddle/pkg/ioconfig"
	"github.com/yishikawa/iomiddle/pkg/kernelfeat"
	"github.com/yishikawa/iomiddle/pkg/pathfilter"
	"github.com/yishikawa/iomiddle/pkg/stats"
	"github.com/yishikawa/iomiddle/pkg/worker"
)

// Middleware is one process's whole intercepted-I/O stack: one process
// group, one topology (forwarder coloring is fixed for the process's
// life, independent of which file is open), one shared worker (only one
// descriptor may be bound to it at a time) and one descriptor table.
type Middleware struct {
	cfg    ioconfig.Config
	filter pathfilter.Filter
	table  *descriptor.Table
	topo   *exchange.Topology
	worker *worker.Worker
	ops    hijack.RealOps
	stats  *stats.Collector
	logger *logrus.Entry

	mu        sync.Mutex
	unmanaged map[int]*os.File
}

// New builds a Middleware from process configuration and a process
// group already joined (pkg/group/local for single-binary simulation,
// pkg/group/tcp for real separate processes). ops defaults to
// hijack.Default() when the zero value is passed.
func New(cfg ioconfig.Config, world group.Group, ops hijack.RealOps, logger *logrus.Entry) (*Middleware, error) {
	if ops.Open == nil {
		ops = hijack.Default()
	}
	topo, err := exchange.NewTopology(world, cfg.Forwarders)
	if err != nil {
		return nil, fmt.Errorf("iomiddle: topology: %w", err)
	}
	table, err := descriptor.NewTable()
	if err != nil {
		return nil, fmt.Errorf("iomiddle: descriptor table: %w", err)
	}

	var w *worker.Worker
	if cfg.WorkerOn {
		feat, err := kernelfeat.Detect()
		if err != nil {
			return nil, fmt.Errorf("iomiddle: kernel feature detection: %w", err)
		}
		w = worker.New(feat.HasPositionedVectoredIO, true)
		w.Start()
	}

	careRoot := cfg.CareRoot
	if cfg.Disabled {
		// Disabled: no path is managed, every call passes straight through.
		careRoot = ""
	}

	m := &Middleware{
		cfg:       cfg,
		filter:    pathfilter.New(careRoot),
		table:     table,
		topo:      topo,
		worker:    w,
		ops:       ops,
		stats:     stats.NewCollector("iomiddle", []string{"session", "path"}, nil),
		logger:    logger,
		unmanaged: make(map[int]*os.File),
	}
	return m, nil
}

// Collector exposes the Prometheus collector so a binary embedding the
// middleware can prometheus.MustRegister it.
func (m *Middleware) Collector() *stats.Collector { return m.stats }

// Creat opens path with POSIX creat(2) semantics: O_CREAT|O_TRUNC|O_WRONLY.
func (m *Middleware) Creat(path string, mode os.FileMode) (int, error) {
	return m.open(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
}

// Open opens path with the given flags, routing it into the buffer
// manager if it falls under the configured care root.
func (m *Middleware) Open(path string, flags int, mode os.FileMode) (int, error) {
	return m.open(path, flags, mode)
}

func (m *Middleware) open(path string, flags int, mode os.FileMode) (int, error) {
	managed := m.filter.IsManaged(path)

	truncRequested := flags&os.O_TRUNC != 0
	// Strip truncate from every non-root rank's flags so only rank 0
	// can ever physically truncate the shared file.
	truncAllowed := truncRequested && m.topo.World.Rank() == 0
	realFlags := flags
	if managed && truncRequested && m.topo.World.Rank() != 0 {
		realFlags &^= os.O_TRUNC
	}

	f, err := m.ops.Open(path, realFlags, mode)
	if err != nil {
		return -1, err
	}
	fd := int(f.Fd())

	if !managed {
		m.mu.Lock()
		m.unmanaged[fd] = f
		m.mu.Unlock()
		return fd, nil
	}

	cfg := bufmgr.Config{
		Topology:  m.topo,
		Lanes:     m.cfg.Lanes,
		Worker:    m.worker,
		File:      f,
		SessionID: xid.New(),
		Logger:    m.logger,
		Stats:     m.stats,
	}
	buf := bufmgr.New(cfg)
	st := &descriptor.State{
		Path:         path,
		File:         f,
		Topo:         m.topo,
		Buf:          buf,
		Worker:       m.worker,
		Session:      cfg.SessionID,
		Trunc:        truncRequested,
		TruncAllowed: truncAllowed,
	}

	if m.worker != nil {
		if err := m.worker.Bind(fd); err != nil {
			// A second managed descriptor while the worker is bound to a
			// first falls back to blocking I/O for the new one, rather
			// than failing the open.
			if m.logger != nil {
				m.logger.WithError(err).WithField("path", path).Warn("iomiddle: worker already bound, falling back to synchronous I/O")
			}
			cfg.Worker = nil
			st.Worker = nil
			buf = bufmgr.New(cfg)
			st.Buf = buf
		}
	}

	m.stats.AddSession(cfg.SessionID, []string{cfg.SessionID.String(), path})
	if err := m.table.Open(fd, st); err != nil {
		return -1, err
	}
	return fd, nil
}

// Close flushes, drains the worker, optionally truncates, then invokes
// the real close.
func (m *Middleware) Close(fd int) error {
	if st, ok := m.table.Lookup(fd); ok {
		if err := m.table.Close(fd, m.cfg.TruncOn, m.logger); err != nil {
			return err
		}
		m.stats.RemoveSession(st.Session)
		return m.ops.Close(st.File)
	}

	m.mu.Lock()
	f, ok := m.unmanaged[fd]
	delete(m.unmanaged, fd)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("iomiddle: close on unknown descriptor %d", fd)
	}
	return m.ops.Close(f)
}

// Write routes a managed descriptor's call through the buffer manager;
// an unmanaged descriptor passes straight through.
func (m *Middleware) Write(fd int, p []byte) (int, error) {
	if st, ok := m.table.Lookup(fd); ok {
		return st.Buf.Write(p)
	}
	m.mu.Lock()
	f, ok := m.unmanaged[fd]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("iomiddle: write on unknown descriptor %d", fd)
	}
	return m.ops.Write(f, p)
}

// Read routes a managed descriptor's call through the buffer manager;
// an unmanaged descriptor passes straight through.
func (m *Middleware) Read(fd int, p []byte) (int, error) {
	if st, ok := m.table.Lookup(fd); ok {
		return st.Buf.Read(p)
	}
	m.mu.Lock()
	f, ok := m.unmanaged[fd]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("iomiddle: read on unknown descriptor %d", fd)
	}
	return m.ops.Read(f, p)
}

// Lseek is only meaningful, for a managed descriptor, as the stripe-size
// discovery path before the first data operation; once geometry is
// resolved, a further lseek on a managed descriptor is a contract
// violation the caller must avoid triggering (e.g. by never seeking
// after the first read/write). SEEK_END is always rejected for managed
// descriptors.
func (m *Middleware) Lseek(fd int, offset int64, whence int) (int64, error) {
	st, ok := m.table.Lookup(fd)
	if !ok {
		m.mu.Lock()
		f, ok := m.unmanaged[fd]
		m.mu.Unlock()
		if !ok {
			return 0, fmt.Errorf("iomiddle: lseek on unknown descriptor %d", fd)
		}
		return m.ops.Lseek(f, offset, whence)
	}

	if whence == os.SEEK_END {
		return 0, &bufmgr.ContractViolation{Msg: "iomiddle: SEEK_END is not supported on a managed descriptor"}
	}
	if st.Buf.Resolved() {
		return 0, &bufmgr.ContractViolation{Msg: "iomiddle: lseek after stripe geometry is already resolved"}
	}
	if err := st.Buf.DiscoverFromLseek(offset); err != nil {
		return 0, err
	}
	return offset, nil
}
