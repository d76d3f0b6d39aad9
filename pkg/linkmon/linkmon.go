// Package linkmon watches the health of the TCP group transport's
// connections (pkg/group/tcp). It is a deliberately narrowed cousin of
// the conniver package's Conn wrapper: where that package hand-parses the
// kernel's tcp_info struct across linux/darwin/windows/386, this one
// leans entirely on golang.org/x/sys/unix.GetsockoptTCPInfo, which
// already returns a decoded struct on the one platform this system
// targets — a Linux HPC cluster, same assumption the original C
// implementation's LD_PRELOAD/MPI runtime made.
package linkmon

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Snapshot is one point-in-time read of a connection's TCP_INFO.
type Snapshot struct {
	At          time.Time
	RTTMicros   uint32
	Retransmits uint8
	State       uint8
}

// Link tracks one monitored connection: byte counters plus the most
// recent TCP_INFO snapshot, refreshed on demand by Sample.
type Link struct {
	Label string

	mu          sync.Mutex
	conn        *net.TCPConn
	txBytes     int64
	rxBytes     int64
	lastSample  Snapshot
	sampleErr   error
	reconnects  int
}

// Watch wraps a *net.TCPConn for monitoring under label (typically the
// peer's rank, e.g. "rank-3"). Reads/Writes should go through the
// returned *Link's Track helpers, or the caller can sample independently
// of traffic.
func Watch(conn *net.TCPConn, label string) *Link {
	return &Link{Label: label, conn: conn}
}

// TrackWrite records n bytes written; call after every successful Write
// on the underlying connection.
func (l *Link) TrackWrite(n int) {
	l.mu.Lock()
	l.txBytes += int64(n)
	l.mu.Unlock()
}

// TrackRead records n bytes read; call after every successful Read.
func (l *Link) TrackRead(n int) {
	l.mu.Lock()
	l.rxBytes += int64(n)
	l.mu.Unlock()
}

// SetReconnects records how many additional dial attempts this link
// needed before succeeding, mirroring conniver.Conn.SetReconnects.
func (l *Link) SetReconnects(n int) {
	l.mu.Lock()
	l.reconnects = n
	l.mu.Unlock()
}

// Sample reads the kernel's current TCP_INFO for this connection and
// stores it as the link's latest snapshot.
func (l *Link) Sample() (Snapshot, error) {
	rawConn, err := l.conn.SyscallConn()
	if err != nil {
		l.mu.Lock()
		l.sampleErr = err
		l.mu.Unlock()
		return Snapshot{}, err
	}

	var info *unix.TCPInfo
	var ctlErr error
	if err := rawConn.Control(func(fd uintptr) {
		info, ctlErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		l.mu.Lock()
		l.sampleErr = err
		l.mu.Unlock()
		return Snapshot{}, err
	}
	if ctlErr != nil {
		l.mu.Lock()
		l.sampleErr = ctlErr
		l.mu.Unlock()
		return Snapshot{}, ctlErr
	}

	snap := Snapshot{
		At:          time.Now(),
		RTTMicros:   info.Rtt,
		Retransmits: info.Retransmits,
		State:       info.State,
	}
	l.mu.Lock()
	l.lastSample = snap
	l.sampleErr = nil
	l.mu.Unlock()
	return snap, nil
}

// Degraded reports whether the most recent sample saw any retransmits,
// the cheap signal that a rank's forwarder link is under stress. It is
// not exported through pkg/stats.
func (l *Link) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSample.Retransmits > 0
}

// Counters returns the accumulated byte counts and reconnect count.
func (l *Link) Counters() (txBytes, rxBytes int64, reconnects int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txBytes, l.rxBytes, l.reconnects
}

// LastSample returns the most recently captured TCP_INFO snapshot and
// any error encountered while sampling it.
func (l *Link) LastSample() (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSample, l.sampleErr
}
