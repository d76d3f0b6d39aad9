// Package bufmgr is the per-descriptor stripe/chunk buffer manager:
// stripe-size discovery, the write/read staging buffer, and the flush
// that drives the two-phase exchange (pkg/exchange) and the
// asynchronous worker (pkg/worker).
package bufmgr

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/yishikawa/iomiddle/pkg/exchange"
	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/worker"
)

// ContractViolation marks application misuse: mixed read/write,
// non-uniform length, SEEK_END, lseek after geometry is resolved. It is
// returned as an ordinary error from the call that detected it; nothing
// in this module panics with it, logs it or aborts the process.
type ContractViolation struct{ Msg string }

func (e *ContractViolation) Error() string { return e.Msg }

// FlushFailed is the flush sentinel (all bits set, matching a -1 return
// cast to unsigned): a disk I/O error on one rank is diagnosed and
// converted to this value rather than aborting the whole collective.
const FlushFailed = ^uint64(0)

// RWMode is set on the first data operation through a descriptor; any
// later operation of the opposite mode is a contract violation.
type RWMode int

const (
	RWUnknown RWMode = iota
	RWRead
	RWWrite
)

// Recorder receives per-phase statistics; pkg/stats.Collector implements
// it. Declared here (rather than imported) so bufmgr doesn't need to
// depend on the stats package's Prometheus wiring.
type Recorder interface {
	RecordFlush(sessionID xid.ID, bytes int, dur float64)
}

// IOFile is the minimal unmanaged-file surface bufmgr needs; *os.File
// satisfies it. Kept as an interface so tests can substitute an
// in-memory stand-in without touching the filesystem.
type IOFile interface {
	Fd() uintptr
}

// Config wires one descriptor's buffer manager to its topology, its
// worker (nil disables pipelining) and its underlying file.
type Config struct {
	Topology  *exchange.Topology
	Lanes     int
	Worker    *worker.Worker
	File      IOFile
	SessionID xid.ID
	Logger    *logrus.Entry
	Stats     Recorder
}

// State is one managed descriptor's buffer manager: stripe geometry,
// the staging buffer, the double-buffer pair the worker pipelines
// through, and the on-disk cursor.
type State struct {
	cfg Config

	notfirst   bool
	frstrwcall bool
	rwmode     RWMode

	strsize, strcnt, chunklen int
	lanes, bufcount, bufend   int

	ubuf, sbuf []byte
	dbuf       [2][]byte
	tiktok     int

	filpos, filcurb, filtail int64
	dirty                    bool

	workerBound bool
}

// New builds a fresh, geometry-unresolved buffer manager.
func New(cfg Config) *State {
	lanes := cfg.Lanes
	if lanes < 1 {
		lanes = 1
	}
	return &State{cfg: cfg, lanes: lanes, frstrwcall: true}
}

// Resolved reports whether stripe geometry has been established.
func (s *State) Resolved() bool { return s.notfirst }

// LocalMaxFilpos returns this rank's highest observed filpos, the input
// to the collective-close truncation max-reduction.
func (s *State) LocalMaxFilpos() int64 { return s.filpos }

func (s *State) initGeometry(strsize int) error {
	if strsize <= 0 {
		return &ContractViolation{Msg: "bufmgr: stripe size must be positive"}
	}
	t := s.cfg.Topology
	s.strsize = strsize
	s.strcnt = t.StripeCount
	s.chunklen = t.ChunkLen(strsize)
	s.ubuf = make([]byte, s.chunklen*s.lanes)
	s.dbuf[0] = make([]byte, s.chunklen*s.lanes)
	s.dbuf[1] = make([]byte, s.chunklen*s.lanes)
	s.sbuf = s.dbuf[0]
	s.filcurb = int64(t.FRank)
	s.filtail = int64(t.FRank)
	s.notfirst = true
	return nil
}

// DiscoverFromLseek derives strsize from a two-element sum-reduction of
// (offset, rank). This is the brittle discovery path: it only works
// because rank 0 seeks to its "home" offset first, contributing 0 to the
// sum, which is what makes sumOff/sumRank recover the per-rank stride.
func (s *State) DiscoverFromLseek(offset int64) error {
	world := s.cfg.Topology.World
	sumOff, err := world.AllReduce(uint64(offset), group.SumUint64)
	if err != nil {
		return fmt.Errorf("bufmgr: stripe discovery allreduce(offset): %w", err)
	}
	sumRank, err := world.AllReduce(uint64(world.Rank()), group.SumUint64)
	if err != nil {
		return fmt.Errorf("bufmgr: stripe discovery allreduce(rank): %w", err)
	}
	if sumRank == 0 {
		return &ContractViolation{Msg: "bufmgr: cannot discover stripe size from a single-rank lseek"}
	}
	return s.initGeometry(int(sumOff / sumRank))
}

// DiscoverFromLen derives strsize directly from the first read/write
// call's length, verifying every rank agrees on it before trusting it.
func (s *State) DiscoverFromLen(length int) error {
	world := s.cfg.Topology.World
	maxLen, err := world.AllReduce(uint64(length), group.MaxUint64)
	if err != nil {
		return fmt.Errorf("bufmgr: stripe discovery allreduce(len): %w", err)
	}
	if int(maxLen) != length {
		return &ContractViolation{Msg: "bufmgr: ranks disagree on stripe size"}
	}
	return s.initGeometry(length)
}

// Write stages one stripe into the user buffer, flushing when the lane
// target is reached. The return value follows the worker's one-in-flight
// lag contract when a flush happens to occur on this call.
func (s *State) Write(p []byte) (int, error) {
	if s.rwmode == RWRead {
		return 0, &ContractViolation{Msg: "bufmgr: write after read on same descriptor"}
	}
	if !s.notfirst {
		if err := s.DiscoverFromLen(len(p)); err != nil {
			return 0, err
		}
	}
	if len(p) != s.strsize {
		return 0, &ContractViolation{Msg: "bufmgr: write length does not match stripe size"}
	}
	s.rwmode = RWWrite

	off := s.bufcount * s.strsize
	copy(s.ubuf[off:off+s.strsize], p)
	s.bufcount++
	s.dirty = true
	s.filpos += int64(s.strsize)

	ret := s.strsize
	target := s.lanes * s.strcnt
	if s.cfg.Topology.Forwarders > 0 {
		target = 1 // forwarder mode: bufcountTarget forced to 1
	}
	if s.bufcount >= target {
		n, err := s.flushWrite()
		if err != nil {
			return 0, err
		}
		ret = n
	}
	s.frstrwcall = false
	return ret, nil
}

func (s *State) flushWrite() (int, error) {
	start := time.Now()
	t := s.cfg.Topology
	filcurbBefore := s.filcurb

	var writeLen int
	var filePos int64
	var chunk []byte

	if t.Forwarders == 0 {
		received, err := t.FlushAllRanks(s.ubuf, s.bufcount, s.lanes, s.strsize, s.sbuf)
		if err != nil {
			return 0, err
		}
		s.filcurb += int64(s.strcnt * s.bufcount)
		if received > 0 {
			filePos, writeLen = t.AllRanksWriteTarget(filcurbBefore, s.lanes, s.strsize, received)
			chunk = s.sbuf[:writeLen]
		}
	} else {
		localStripe := s.ubuf[:s.strsize]
		c, err := t.FlushForwarder(localStripe)
		if err != nil {
			return 0, err
		}
		s.filcurb += int64(s.strcnt)
		if t.IsForwarder {
			filePos, writeLen = t.ForwarderWriteTarget(filcurbBefore, s.strsize)
			chunk = c
		}
	}

	var n int
	var ioErr error
	if writeLen > 0 {
		n, ioErr = s.issueWrite(chunk, filePos)
	}

	s.bufcount = 0
	s.dirty = false
	s.tiktok ^= 1
	s.sbuf = s.dbuf[s.tiktok]

	dur := time.Since(start).Seconds()

	if ioErr != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.WithError(ioErr).Error("bufmgr: flush write failed")
		}
		if s.cfg.Stats != nil {
			s.cfg.Stats.RecordFlush(s.cfg.SessionID, 0, dur)
			if f, ok := s.cfg.Stats.(interface{ RecordFlushFailure(xid.ID) }); ok {
				f.RecordFlushFailure(s.cfg.SessionID)
			}
		}
		return int(FlushFailed), nil
	}
	if s.cfg.Stats != nil {
		s.cfg.Stats.RecordFlush(s.cfg.SessionID, n, dur)
	}
	return n, nil
}

func (s *State) issueWrite(buf []byte, pos int64) (int, error) {
	if s.cfg.Worker != nil {
		prevRet, prevErr := s.cfg.Worker.Post(worker.CmdWrite, s.cfg.File, buf, len(buf), pos)
		if s.frstrwcall {
			return 0, prevErr
		}
		return prevRet, prevErr
	}
	return unix.Pwrite(int(s.cfg.File.Fd()), buf, pos)
}

// Read consumes one stripe from the user buffer, pulling and scattering
// a fresh chunk when the buffer is empty or exhausted.
func (s *State) Read(p []byte) (int, error) {
	if s.rwmode == RWWrite {
		return 0, &ContractViolation{Msg: "bufmgr: read after write on same descriptor"}
	}
	if !s.notfirst {
		if err := s.DiscoverFromLen(len(p)); err != nil {
			return 0, err
		}
	}
	if len(p) != s.strsize {
		return 0, &ContractViolation{Msg: "bufmgr: read length does not match stripe size"}
	}
	s.rwmode = RWRead

	if s.bufcount >= s.bufend {
		if err := s.pullChunk(); err != nil {
			return 0, err
		}
	}
	if s.bufcount >= s.bufend {
		// Short/EOF read: the window holds fewer stripes than a full one.
		// bufend is agreed across the group, so every rank ends its
		// stream at the same stripe; nothing aborts the group.
		return 0, io.EOF
	}

	off := s.bufcount * s.strsize
	copy(p, s.ubuf[off:off+s.strsize])
	s.bufcount++
	s.filpos += int64(s.strsize)
	s.frstrwcall = false
	return s.strsize, nil
}

// readTarget computes the disk byte range this rank must fetch for the
// window starting at filcurb base.
func (s *State) readTarget(base int64) (filePos int64, length int) {
	t := s.cfg.Topology
	if t.Forwarders == 0 {
		return t.AllRanksWriteTarget(base, s.lanes, s.strsize, s.lanes)
	}
	filePos, length = t.ForwarderWriteTarget(base, s.strsize)
	if !t.IsForwarder {
		length = 0
	}
	return filePos, length
}

// readAdvance is how far filcurb moves per pullChunk window: strcnt per
// stripe of a full lanes*strcnt window in all-ranks mode (mirroring a
// full flushWrite), or a single chunk per call in forwarder mode, where
// lanes is always 1.
func (s *State) readAdvance() int64 {
	if s.cfg.Topology.Forwarders == 0 {
		return int64(s.strcnt) * int64(s.strcnt) * int64(s.lanes)
	}
	return int64(s.strcnt)
}

// pullChunk fetches and scatters the next on-disk chunk. With a worker
// configured, it keeps one read in flight a whole window ahead:
// dbuf[tiktok] holds the window this call must deliver (already
// fetched, by PrimeRead on the very first call or by the previous
// call's Post), while dbuf[1-tiktok] is handed to the worker as the
// destination for the following window's prefetch. flushWrite flips
// tiktok too, but a descriptor is either read or written, never both
// (mixing is a ContractViolation), so the two never interleave.
func (s *State) pullChunk() error {
	t := s.cfg.Topology
	curBase := s.filcurb
	nextBase := curBase + s.readAdvance()

	curPos, curLen := s.readTarget(curBase)
	nextPos, nextLen := s.readTarget(nextBase)

	onBuf := s.dbuf[s.tiktok]
	offBuf := s.dbuf[1-s.tiktok]

	n, err := s.issueRead(onBuf, curLen, curPos, offBuf, nextLen, nextPos)
	if err != nil {
		return err
	}
	s.tiktok ^= 1
	s.sbuf = s.dbuf[s.tiktok]

	if t.Forwarders == 0 {
		if err := t.ScatterAllRanks(onBuf, s.lanes*s.strcnt, s.lanes, s.strsize, s.ubuf); err != nil {
			return err
		}
		// Stripe j of every rank's ubuf comes from window chunk j, and
		// the window's chunks are read in order across the issuing
		// ranks, so the whole chunks read by the group together give the
		// number of valid stripes on every rank.
		total, err := t.World.AllReduce(uint64(n), group.SumUint64)
		if err != nil {
			return fmt.Errorf("bufmgr: read window allreduce: %w", err)
		}
		s.bufend = int(total) / s.chunklen
		if s.bufend > s.lanes*s.strcnt {
			s.bufend = s.lanes * s.strcnt
		}
	} else {
		var chunk []byte
		if t.IsForwarder {
			chunk = onBuf[:curLen]
		}
		stripe, err := t.ScatterForwarder(chunk, s.strsize)
		if err != nil {
			return err
		}
		copy(s.ubuf[:s.strsize], stripe)
		// Only the forwarder reads; the local group learns from it
		// whether the chunk was whole (one stripe each) or short (none).
		total, err := t.LocalGroup.AllReduce(uint64(n), group.SumUint64)
		if err != nil {
			return fmt.Errorf("bufmgr: read window allreduce: %w", err)
		}
		s.bufend = 0
		if int(total) >= s.chunklen {
			s.bufend = 1
		}
	}

	s.filcurb = nextBase
	s.bufcount = 0
	return nil
}

// issueRead delivers onBuf[:curLen] (this call's data) and, when a
// worker is configured, submits offBuf[:nextLen] as the following
// window's prefetch target before returning. Without a worker there is
// nothing to pipeline: it just reads onBuf synchronously.
func (s *State) issueRead(onBuf []byte, curLen int, curPos int64, offBuf []byte, nextLen int, nextPos int64) (int, error) {
	if s.cfg.Worker == nil {
		if curLen == 0 {
			return 0, nil
		}
		return unix.Pread(int(s.cfg.File.Fd()), onBuf[:curLen], curPos)
	}

	if curLen == 0 && nextLen == 0 {
		return 0, nil
	}

	if s.frstrwcall && curLen > 0 {
		if err := s.cfg.Worker.PrimeRead(s.cfg.File, onBuf[:curLen], curLen, curPos); err != nil {
			return 0, err
		}
	}

	if nextLen > 0 {
		return s.cfg.Worker.Post(worker.CmdRead, s.cfg.File, offBuf[:nextLen], nextLen, nextPos)
	}
	return s.cfg.Worker.LastResult()
}

// Flush forces any staged-but-unsent stripes through the exchange,
// regardless of whether the lane target has been reached — used at
// close.
func (s *State) Flush() (int, error) {
	if !s.dirty || s.bufcount == 0 {
		return 0, nil
	}
	return s.flushWrite()
}

// Dirty reports whether any stripe has been staged since the last flush.
func (s *State) Dirty() bool { return s.dirty }
