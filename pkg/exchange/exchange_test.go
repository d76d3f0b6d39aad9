package exchange

import (
	"sync"
	"testing"

	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/group/local"
)

func runAll(n int, fn func(g group.Group, rank int)) {
	groups := local.New(n)
	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		go func(r int) {
			defer wg.Done()
			fn(groups[r], r)
		}(r)
	}
	wg.Wait()
}

func TestFlushAllRanksRoundtrip(t *testing.T) {
	const n = 4
	const lanes = 1
	const strsize = 3
	const bufcount = n * lanes // mandatory flush threshold: lanes*strcnt

	sbufs := make([][]byte, n)
	var mu sync.Mutex
	runAll(n, func(g group.Group, rank int) {
		topo, err := NewTopology(g, 0)
		if err != nil {
			t.Fatalf("rank %d topology: %v", rank, err)
		}
		ubuf := make([]byte, bufcount*strsize)
		for j := 0; j < bufcount; j++ {
			for b := 0; b < strsize; b++ {
				ubuf[j*strsize+b] = byte(rank)
			}
		}
		sbuf := make([]byte, lanes*topo.ChunkLen(strsize))
		received, err := topo.FlushAllRanks(ubuf, bufcount, lanes, strsize, sbuf)
		if err != nil {
			t.Errorf("rank %d flush: %v", rank, err)
			return
		}
		if received != lanes {
			t.Errorf("rank %d received %d chunks, want %d", rank, received, lanes)
		}
		mu.Lock()
		sbufs[rank] = sbuf
		mu.Unlock()
	})

	// Every rank should hold exactly one chunk containing one stripe
	// from every rank, in rank order (it was the sole gather root for
	// its own j).
	for r := 0; r < n; r++ {
		chunk := sbufs[r]
		if len(chunk) != n*strsize {
			t.Fatalf("rank %d chunk length = %d, want %d", r, len(chunk), n*strsize)
		}
		for src := 0; src < n; src++ {
			for b := 0; b < strsize; b++ {
				got := chunk[src*strsize+b]
				if got != byte(src) {
					t.Errorf("rank %d chunk byte (src=%d,b=%d) = %d, want %d", r, src, b, got, src)
				}
			}
		}
	}

	// Now scatter back and confirm every rank recovers its own stripes.
	recovered := make([][]byte, n)
	runAll(n, func(g group.Group, rank int) {
		topo, _ := NewTopology(g, 0)
		ubuf := make([]byte, bufcount*strsize)
		if err := topo.ScatterAllRanks(sbufs[rank], bufcount, lanes, strsize, ubuf); err != nil {
			t.Errorf("rank %d scatter: %v", rank, err)
			return
		}
		recovered[rank] = ubuf
	})
	for r := 0; r < n; r++ {
		for _, b := range recovered[r] {
			if b != byte(r) {
				t.Errorf("rank %d recovered byte %d, want %d", r, b, r)
			}
		}
	}
}

func TestFlushForwarderRoundtrip(t *testing.T) {
	const n = 8
	const forwarders = 2
	const strsize = 4
	localProcs := n / forwarders

	chunks := make([][]byte, n) // only forwarder indices populated
	runAll(n, func(g group.Group, rank int) {
		topo, err := NewTopology(g, forwarders)
		if err != nil {
			t.Fatalf("rank %d topology: %v", rank, err)
		}
		stripe := make([]byte, strsize)
		for b := range stripe {
			stripe[b] = byte(rank)
		}
		chunk, err := topo.FlushForwarder(stripe)
		if err != nil {
			t.Errorf("rank %d forwarder flush: %v", rank, err)
			return
		}
		if topo.IsForwarder {
			if len(chunk) != localProcs*strsize {
				t.Errorf("forwarder rank %d chunk length = %d, want %d", rank, len(chunk), localProcs*strsize)
			}
			chunks[rank] = chunk
		} else if chunk != nil {
			t.Errorf("non-forwarder rank %d got non-nil chunk", rank)
		}
	})

	recovered := make([][]byte, n)
	runAll(n, func(g group.Group, rank int) {
		topo, _ := NewTopology(g, forwarders)
		var chunk []byte
		if topo.IsForwarder {
			chunk = chunks[rank]
		}
		stripe, err := topo.ScatterForwarder(chunk, strsize)
		if err != nil {
			t.Errorf("rank %d forwarder scatter: %v", rank, err)
			return
		}
		recovered[rank] = stripe
	})
	for r := 0; r < n; r++ {
		for _, b := range recovered[r] {
			if b != byte(r) {
				t.Errorf("rank %d recovered byte %d, want %d", r, b, r)
			}
		}
	}
}
