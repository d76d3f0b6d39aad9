package tcp

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/yishikawa/iomiddle/pkg/group"
)

// freeAddr asks the OS for an unused loopback port, then releases it
// immediately; there's a small window for another process to grab it,
// acceptable in a test.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// runCluster starts a hub and size-1 clients, all against addr, and runs
// fn concurrently on every rank's Group handle.
func runCluster(t *testing.T, size int, fn func(g group.Group, rank int)) {
	t.Helper()
	addr := freeAddr(t)

	var wg sync.WaitGroup
	wg.Add(size)

	var hubErr error
	go func() {
		defer wg.Done()
		g, err := Listen(addr, size)
		if err != nil {
			hubErr = err
			return
		}
		fn(g, 0)
	}()

	errs := make([]error, size)
	for r := 1; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			// Give the hub a moment to start listening; Dial retries
			// briefly rather than racing the Listen call above.
			var g group.Group
			var err error
			for i := 0; i < 50; i++ {
				g, err = Dial(addr, r, size)
				if err == nil {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			if err != nil {
				errs[r] = err
				return
			}
			fn(g, r)
		}()
	}
	wg.Wait()
	if hubErr != nil {
		t.Fatalf("hub: %v", hubErr)
	}
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
}

func TestTCPBcast(t *testing.T) {
	const n = 4
	results := make([][]byte, n)
	runCluster(t, n, func(g group.Group, rank int) {
		var buf []byte
		if rank == 3 {
			buf = []byte("hello-cluster")
		}
		got, err := g.Bcast(3, buf)
		if err != nil {
			t.Errorf("rank %d bcast: %v", rank, err)
			return
		}
		results[rank] = got
	})
	for r, got := range results {
		if string(got) != "hello-cluster" {
			t.Errorf("rank %d got %q", r, got)
		}
	}
}

func TestTCPGatherScatter(t *testing.T) {
	const n = 3
	const chunk = 2
	gathered := make([][]byte, n)
	runCluster(t, n, func(g group.Group, rank int) {
		send := []byte{byte(rank), byte(rank)}
		res, err := g.Gather(0, send)
		if err != nil {
			t.Errorf("rank %d gather: %v", rank, err)
			return
		}
		gathered[rank] = res
	})
	if len(gathered[0]) != n*chunk {
		t.Fatalf("root gather wrong length: %d", len(gathered[0]))
	}

	scattered := make([][]byte, n)
	runCluster(t, n, func(g group.Group, rank int) {
		var send []byte
		if rank == 0 {
			send = gathered[0]
		}
		res, err := g.Scatter(0, send, chunk)
		if err != nil {
			t.Errorf("rank %d scatter: %v", rank, err)
			return
		}
		scattered[rank] = res
	})
	for r := 0; r < n; r++ {
		want := fmt.Sprintf("%c%c", byte(r), byte(r))
		if string(scattered[r]) != want {
			t.Errorf("rank %d scattered %v, want bytes of %d", r, scattered[r], r)
		}
	}
}

func TestTCPAllReduce(t *testing.T) {
	const n = 4
	sums := make([]uint64, n)
	runCluster(t, n, func(g group.Group, rank int) {
		v, err := g.AllReduce(uint64(rank+1), group.SumUint64)
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
			return
		}
		sums[rank] = v
	})
	for r, v := range sums {
		if v != 10 { // 1+2+3+4
			t.Errorf("rank %d sum = %d, want 10", r, v)
		}
	}
}

// TestTCPLinkSnapshots confirms the hub can sample TCP_INFO for every
// connected peer once a collective has actually exercised the sockets.
func TestTCPLinkSnapshots(t *testing.T) {
	const n = 3
	addr := freeAddr(t)

	var wg sync.WaitGroup
	wg.Add(n)

	var hub *hubGroup
	var hubErr error
	go func() {
		defer wg.Done()
		g, err := Listen(addr, n)
		if err != nil {
			hubErr = err
			return
		}
		hub = g.(*hubGroup)
		if _, err := g.AllReduce(1, group.SumUint64); err != nil {
			hubErr = err
		}
	}()
	errs := make([]error, n)
	for r := 1; r < n; r++ {
		r := r
		go func() {
			defer wg.Done()
			var g group.Group
			var err error
			for i := 0; i < 50; i++ {
				g, err = Dial(addr, r, n)
				if err == nil {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			if err != nil {
				errs[r] = err
				return
			}
			if _, err := g.AllReduce(1, group.SumUint64); err != nil {
				errs[r] = err
			}
		}()
	}
	wg.Wait()
	if hubErr != nil {
		t.Fatalf("hub: %v", hubErr)
	}
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}

	got := hub.LinkSnapshots()
	if len(got) != n-1 {
		t.Errorf("LinkSnapshots returned %d entries, want %d", len(got), n-1)
	}
	for rank, snap := range got {
		if snap.At.IsZero() {
			t.Errorf("rank %d: snapshot has zero timestamp", rank)
		}
	}
}

func TestTCPSplitForwarderGroups(t *testing.T) {
	const n = 6
	const forwarders = 2
	localProcs := n / forwarders
	lranks := make([]int, n)
	colors := make([]int, n)
	var mu sync.Mutex
	runCluster(t, n, func(g group.Group, rank int) {
		color := rank / localProcs
		sub, err := g.Split(color, rank)
		if err != nil {
			t.Errorf("rank %d split: %v", rank, err)
			return
		}
		if sub == nil {
			t.Errorf("rank %d: expected a subgroup, got nil", rank)
			return
		}
		if sub.Size() != localProcs {
			t.Errorf("rank %d subgroup size = %d, want %d", rank, sub.Size(), localProcs)
		}
		mu.Lock()
		lranks[rank] = sub.Rank()
		colors[rank] = color
		mu.Unlock()

		// Exercise a collective within the subgroup too, including the
		// case where world rank 0 is not a member (hub-mediated path).
		v, err := sub.AllReduce(uint64(sub.Rank()), group.SumUint64)
		if err != nil {
			t.Errorf("rank %d subgroup allreduce: %v", rank, err)
			return
		}
		var want uint64
		for i := 0; i < localProcs; i++ {
			want += uint64(i)
		}
		if v != want {
			t.Errorf("rank %d subgroup allreduce = %d, want %d", rank, v, want)
		}
	})
	for c := 0; c < forwarders; c++ {
		seen := make(map[int]bool)
		for r := 0; r < n; r++ {
			if colors[r] == c {
				seen[lranks[r]] = true
			}
		}
		if len(seen) != localProcs {
			t.Errorf("color %d: expected %d distinct local ranks, got %d", c, localProcs, len(seen))
		}
	}
}
