// Package local implements pkg/group.Group entirely in-process, using a
// mutex and condition variable to rendezvous simulated "ranks" that are
// really just goroutines inside one test or demo binary. It exists so
// the two-phase exchange and the buffer manager can be exercised without
// spawning real OS processes or wiring a real transport.
package local

import (
	"sync"

	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/group/wireops"
)

// universe is the shared rendezvous point for one group (or subgroup) of
// simulated ranks. Every collective call blocks in collective() until all
// n ranks have arrived; the last arrival computes the result once and
// every waiter reads the same answer out.
type universe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	gen     uint64
	arrived int
	inputs  [][]byte
	result  []byte
	err     error

	splitArrived int
	splitColor   []int
	splitKey     []int
	splitGen     uint64
	splitOut     []group.Group
}

func newUniverse(n int) *universe {
	u := &universe{n: n}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// New builds n Group handles sharing one universe, indexed by rank.
func New(n int) []group.Group {
	if n <= 0 {
		panic("local: n must be positive")
	}
	u := newUniverse(n)
	groups := make([]group.Group, n)
	for r := 0; r < n; r++ {
		groups[r] = &localGroup{u: u, rank: r}
	}
	return groups
}

type localGroup struct {
	u    *universe
	rank int
}

func (g *localGroup) Size() int { return g.u.n }
func (g *localGroup) Rank() int { return g.rank }

// collective is the shared rendezvous primitive: every rank supplies its
// input, the last arriving rank runs combine once over all n inputs, and
// every rank (including the combiner) reads back the same result.
func (g *localGroup) collective(input []byte, combine func(inputs [][]byte) ([]byte, error)) ([]byte, error) {
	u := g.u
	u.mu.Lock()
	if u.arrived == 0 {
		u.inputs = make([][]byte, u.n)
	}
	u.inputs[g.rank] = input
	u.arrived++
	myGen := u.gen
	if u.arrived == u.n {
		res, err := combine(u.inputs)
		u.result, u.err = res, err
		u.arrived = 0
		u.gen++
		u.cond.Broadcast()
		u.mu.Unlock()
		return res, err
	}
	for u.gen == myGen {
		u.cond.Wait()
	}
	res, err := u.result, u.err
	u.mu.Unlock()
	return res, err
}

func (g *localGroup) Bcast(root int, buf []byte) ([]byte, error) {
	input := buf
	if g.rank != root {
		input = nil
	}
	return g.collective(input, func(inputs [][]byte) ([]byte, error) {
		return wireops.Bcast(inputs, root)
	})
}

func (g *localGroup) Gather(root int, send []byte) ([]byte, error) {
	res, err := g.collective(send, wireops.Gather)
	if err != nil {
		return nil, err
	}
	if g.rank != root {
		return nil, nil
	}
	return res, nil
}

func (g *localGroup) Scatter(root int, send []byte, chunkLen int) ([]byte, error) {
	input := send
	if g.rank != root {
		input = nil
	}
	res, err := g.collective(input, func(inputs [][]byte) ([]byte, error) {
		return wireops.ScatterFull(inputs, root, chunkLen)
	})
	if err != nil {
		return nil, err
	}
	off := g.rank * chunkLen
	if off+chunkLen > len(res) {
		return nil, group.ErrRankMismatch
	}
	return append([]byte(nil), res[off:off+chunkLen]...), nil
}

func (g *localGroup) AllReduce(local uint64, op group.ReduceOp) (uint64, error) {
	res, err := g.collective(wireops.EncodeU64(local), func(inputs [][]byte) ([]byte, error) {
		return wireops.AllReduce(inputs, op)
	})
	if err != nil {
		return 0, err
	}
	return wireops.DecodeU64(res), nil
}

func (g *localGroup) Split(color, key int) (group.Group, error) {
	u := g.u
	u.mu.Lock()
	if u.splitArrived == 0 {
		u.splitColor = make([]int, u.n)
		u.splitKey = make([]int, u.n)
	}
	u.splitColor[g.rank] = color
	u.splitKey[g.rank] = key
	u.splitArrived++
	myGen := u.splitGen
	if u.splitArrived == u.n {
		u.splitOut = buildSubgroups(u.splitColor, u.splitKey)
		u.splitArrived = 0
		u.splitGen++
		u.cond.Broadcast()
		out := u.splitOut[g.rank]
		u.mu.Unlock()
		return out, nil
	}
	for u.splitGen == myGen {
		u.cond.Wait()
	}
	out := u.splitOut[g.rank]
	u.mu.Unlock()
	return out, nil
}

// buildSubgroups turns wireops.SplitAssign's per-rank assignment into
// concrete localGroup handles, one fresh universe per color.
func buildSubgroups(colors, keys []int) []group.Group {
	assignments := wireops.SplitAssign(colors, keys)
	universes := make(map[int]*universe)
	out := make([]group.Group, len(assignments))
	for r, a := range assignments {
		if a.Color < 0 {
			out[r] = nil
			continue
		}
		u, ok := universes[a.Color]
		if !ok {
			u = newUniverse(a.SubgroupLen)
			universes[a.Color] = u
		}
		out[r] = &localGroup{u: u, rank: a.NewRank}
	}
	return out
}

func (g *localGroup) Barrier() error {
	_, err := g.collective(nil, func(inputs [][]byte) ([]byte, error) {
		return nil, nil
	})
	return err
}

func (g *localGroup) Close() error { return nil }
