package local

import (
	"sync"
	"testing"

	"github.com/yishikawa/iomiddle/pkg/group"
)

func runAll(n int, fn func(g group.Group, rank int)) {
	groups := New(n)
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

func TestBcast(t *testing.T) {
	const n = 4
	results := make([][]byte, n)
	runAll(n, func(g group.Group, rank int) {
		var buf []byte
		if rank == 2 {
			buf = []byte("payload")
		}
		got, err := g.Bcast(2, buf)
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
		results[rank] = got
	})
	for r, got := range results {
		if string(got) != "payload" {
			t.Errorf("rank %d got %q, want payload", r, got)
		}
	}
}

func TestGatherScatterRoundtrip(t *testing.T) {
	const n = 4
	const strsize = 3
	gathered := make([][]byte, n)
	runAll(n, func(g group.Group, rank int) {
		send := []byte{byte(rank), byte(rank), byte(rank)}
		res, err := g.Gather(0, send)
		if err != nil {
			t.Errorf("rank %d gather: %v", rank, err)
		}
		gathered[rank] = res
	})
	if gathered[0] == nil || len(gathered[0]) != n*strsize {
		t.Fatalf("root gather result wrong: %v", gathered[0])
	}
	for r := 1; r < n; r++ {
		if gathered[r] != nil {
			t.Errorf("rank %d expected nil gather result, got %v", r, gathered[r])
		}
	}

	scattered := make([][]byte, n)
	runAll(n, func(g group.Group, rank int) {
		var send []byte
		if rank == 0 {
			send = gathered[0]
		}
		res, err := g.Scatter(0, send, strsize)
		if err != nil {
			t.Errorf("rank %d scatter: %v", rank, err)
		}
		scattered[rank] = res
	})
	for r := 0; r < n; r++ {
		want := []byte{byte(r), byte(r), byte(r)}
		if string(scattered[r]) != string(want) {
			t.Errorf("rank %d scattered %v, want %v", r, scattered[r], want)
		}
	}
}

func TestAllReduceSumAndMax(t *testing.T) {
	const n = 4
	sums := make([]uint64, n)
	runAll(n, func(g group.Group, rank int) {
		v, err := g.AllReduce(uint64(rank), group.SumUint64)
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
		sums[rank] = v
	})
	for r, v := range sums {
		if v != 6 { // 0+1+2+3
			t.Errorf("rank %d sum = %d, want 6", r, v)
		}
	}

	maxes := make([]uint64, n)
	runAll(n, func(g group.Group, rank int) {
		v, err := g.AllReduce(uint64(rank*10), group.MaxUint64)
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
		maxes[rank] = v
	})
	for r, v := range maxes {
		if v != 30 {
			t.Errorf("rank %d max = %d, want 30", r, v)
		}
	}
}

func TestSplitIntoForwarderGroups(t *testing.T) {
	const n = 8
	const forwarders = 2
	localProcs := n / forwarders
	lranks := make([]int, n)
	colors := make([]int, n)
	runAll(n, func(g group.Group, rank int) {
		color := rank / localProcs
		colors[rank] = color
		sub, err := g.Split(color, rank)
		if err != nil {
			t.Fatalf("rank %d split: %v", rank, err)
		}
		if sub.Size() != localProcs {
			t.Errorf("rank %d subgroup size = %d, want %d", rank, sub.Size(), localProcs)
		}
		lranks[rank] = sub.Rank()
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
