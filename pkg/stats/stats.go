// Package stats tracks per-descriptor flush statistics and exports them
// as Prometheus metrics. Collect exposes only this process's own
// sessions; RollUp is a separate helper that sums totals across a
// forwarder group, and Collect does not call it.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/yishikawa/iomiddle/pkg/group"
)

type sample struct {
	flushes   uint64
	bytes     uint64
	durSecSum float64
	failed    uint64
	labels    []string
}

// Collector implements bufmgr.Recorder and prometheus.Collector: every
// RecordFlush call updates one session's running totals behind a
// mutex, and Collect turns the whole table into metrics on scrape
// rather than pushing on every sample.
type Collector struct {
	mu       sync.Mutex
	sessions map[xid.ID]*sample

	flushesDesc *prometheus.Desc
	bytesDesc   *prometheus.Desc
	durationDesc *prometheus.Desc
	failedDesc  *prometheus.Desc
}

// NewCollector builds a Collector. constLabels is meant for values
// fixed for the life of the process (hostname, rank); per-session
// labels are supplied by the caller at AddSession time.
func NewCollector(prefix string, sessionLabels []string, constLabels prometheus.Labels) *Collector {
	c := &Collector{sessions: make(map[xid.ID]*sample)}
	c.flushesDesc = prometheus.NewDesc(prefix+"_flushes_total", "Completed exchange flushes.", sessionLabels, constLabels)
	c.bytesDesc = prometheus.NewDesc(prefix+"_bytes_total", "Bytes written or read by completed flushes.", sessionLabels, constLabels)
	c.durationDesc = prometheus.NewDesc(prefix+"_flush_duration_seconds_total", "Cumulative flush wall time.", sessionLabels, constLabels)
	c.failedDesc = prometheus.NewDesc(prefix+"_flush_failures_total", "Flushes that returned bufmgr.FlushFailed.", sessionLabels, constLabels)
	return c
}

// AddSession registers a descriptor's session for reporting; its
// per-flush label values (e.g. path, mode) are fixed at registration.
func (c *Collector) AddSession(id xid.ID, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = &sample{labels: labels}
}

// RemoveSession drops a session's counters once its descriptor closes.
func (c *Collector) RemoveSession(id xid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// RecordFlush satisfies bufmgr.Recorder: bytes is the flushed chunk's
// write length (0 on a read-side pull, though callers may choose to
// record those too), dur is the flush's wall-clock duration in
// seconds. bytes == bufmgr.FlushFailed's int cast is not checked here;
// callers pass the failure flag explicitly via RecordFlushFailure.
func (c *Collector) RecordFlush(sessionID xid.ID, bytes int, dur float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	s.flushes++
	s.bytes += uint64(bytes)
	s.durSecSum += dur
}

// RecordFlushFailure marks one flush as having hit bufmgr.FlushFailed.
func (c *Collector) RecordFlushFailure(sessionID xid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		s.failed++
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.flushesDesc
	descs <- c.bytesDesc
	descs <- c.durationDesc
	descs <- c.failedDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		metrics <- prometheus.MustNewConstMetric(c.flushesDesc, prometheus.CounterValue, float64(s.flushes), s.labels...)
		metrics <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(s.bytes), s.labels...)
		metrics <- prometheus.MustNewConstMetric(c.durationDesc, prometheus.CounterValue, s.durSecSum, s.labels...)
		metrics <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(s.failed), s.labels...)
	}
}

// RollUp sums every forwarder's accumulated byte/flush totals with an
// all-reduce over fwGroup (nil on non-forwarder ranks, a no-op), so
// every member of fwGroup receives the collective-wide totals. Returns
// (0,0) on ranks outside fwGroup.
func RollUp(fwGroup group.Group, localBytes, localFlushes uint64) (totalBytes, totalFlushes uint64, err error) {
	if fwGroup == nil {
		return 0, 0, nil
	}
	totalBytes, err = fwGroup.AllReduce(localBytes, group.SumUint64)
	if err != nil {
		return 0, 0, err
	}
	totalFlushes, err = fwGroup.AllReduce(localFlushes, group.SumUint64)
	if err != nil {
		return 0, 0, err
	}
	return totalBytes, totalFlushes, nil
}
