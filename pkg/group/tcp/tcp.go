// Package tcp implements pkg/group.Group over real sockets, for the case
// where ranks are separate OS processes (or separate machines) rather
// than goroutines sharing memory (see pkg/group/local). It uses a
// rank-0-hub star topology: every non-zero rank dials the hub once, and
// every collective — world-scope or subgroup — is mediated by the hub
// rather than by a full mesh. That trades a little unnecessary fan-in on
// subgroups the hub doesn't belong to for a topology simple enough to
// reason about; a mesh per subgroup is future work (see DESIGN.md).
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/group/wireops"
	"github.com/yishikawa/iomiddle/pkg/linkmon"
)

const worldScope uint32 = 0

// peer is the hub's view of one non-zero world rank: the accepted
// connection, a writer lock, and a per-scope demultiplexer so a
// world-scope collective and a subgroup collective that both involve
// this peer never race over the same channel.
type peer struct {
	rank int
	conn net.Conn

	// Link is nil unless conn is a *net.TCPConn (always true for a real
	// Listen/Dial pair, but kept optional so tests can hand peer a
	// net.Pipe conn without tripping a nil-TCPConn cast).
	Link *linkmon.Link

	writeMu sync.Mutex

	mu     sync.Mutex
	scopes map[uint32]chan frame
}

func (p *peer) scopeChan(scope uint32) chan frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.scopes[scope]
	if !ok {
		ch = make(chan frame, 1)
		p.scopes[scope] = ch
	}
	return ch
}

func (p *peer) readLoop() {
	for {
		f, err := readFrame(p.conn)
		if err != nil {
			return
		}
		if p.Link != nil {
			p.Link.TrackRead(len(f.payload))
		}
		p.scopeChan(f.scope) <- f
	}
}

func (p *peer) send(f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	err := writeFrame(p.conn, f)
	if err == nil && p.Link != nil {
		p.Link.TrackWrite(len(f.payload))
	}
	return err
}

// core is shared by the hub's world Group and every subgroup Group it
// hands out; it owns the peer table and scope allocation.
type core struct {
	size  int
	peers map[int]*peer // world rank -> peer, for ranks 1..size-1

	mu        sync.Mutex
	nextScope uint32
}

// gather collects one payload per member: selfIdx's slot (if >= 0) is
// filled with self directly, every other member's slot is read off its
// peer's channel for this scope.
func (c *core) gather(members []int, selfIdx int, scope uint32, self []byte) [][]byte {
	ordered := make([][]byte, len(members))
	if selfIdx >= 0 {
		ordered[selfIdx] = self
	}
	for i, worldRank := range members {
		if i == selfIdx {
			continue
		}
		f := <-c.peers[worldRank].scopeChan(scope)
		ordered[i] = f.payload
	}
	return ordered
}

// LinkSnapshots samples every peer's TCP_INFO, keyed by world rank.
// Nothing in pkg/stats consumes it; callers read it directly. Peers
// without a TCPConn-backed Link (e.g. in a test harness) are skipped.
func (c *core) LinkSnapshots() map[int]linkmon.Snapshot {
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	ranks := make([]int, 0, len(c.peers))
	for rank, p := range c.peers {
		peers = append(peers, p)
		ranks = append(ranks, rank)
	}
	c.mu.Unlock()

	out := make(map[int]linkmon.Snapshot, len(peers))
	for i, p := range peers {
		if p.Link == nil {
			continue
		}
		snap, err := p.Link.Sample()
		if err != nil {
			continue
		}
		out[ranks[i]] = snap
	}
	return out
}

// LinkSnapshots exposes the hub's per-peer link health. Every hubGroup,
// world or subgroup, shares one core and so samples every world peer; a
// clientGroup has no such method.
func (h *hubGroup) LinkSnapshots() map[int]linkmon.Snapshot {
	return h.c.LinkSnapshots()
}

// fanOut sends the same response frame to every member except selfIdx.
func (c *core) fanOut(members []int, selfIdx int, f frame) {
	for i, worldRank := range members {
		if i == selfIdx {
			continue
		}
		c.peers[worldRank].send(f)
	}
}

// runCollective is the hub side of every ordinary op (everything but
// Split): gather one payload per member, combine once, fan the shared
// result back out.
func (c *core) runCollective(members []int, selfIdx int, scope uint32, self []byte, combine func([][]byte) ([]byte, error)) ([]byte, error) {
	ordered := c.gather(members, selfIdx, scope, self)
	res, err := combine(ordered)
	c.fanOut(members, selfIdx, frame{scope: scope, ok: err == nil, payload: res})
	return res, err
}

// hubGroup is world rank 0's view of a group (world, or a subgroup it
// belongs to).
type hubGroup struct {
	c       *core
	scope   uint32
	members []int // world ranks in this group, ordered by local rank
	selfIdx int    // index of world rank 0 within members
}

// clientGroup is a non-zero world rank's view of any group (world or
// subgroup): a single connection to the hub, tagged with a scope id.
type clientGroup struct {
	conn  net.Conn
	scope uint32
	rank  int // local rank within this group
	size  int
	resp  chan frame
}

// Listen starts the hub on addr and blocks until all size-1 remote ranks
// have connected, handshaking their world rank over the wire first.
func Listen(addr string, size int) (group.Group, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen: %w", err)
	}
	defer ln.Close()

	c := &core{size: size, peers: make(map[int]*peer, size-1)}
	for len(c.peers) < size-1 {
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("tcp: accept: %w", err)
		}
		var rankBuf [4]byte
		if _, err := io.ReadFull(conn, rankBuf[:]); err != nil {
			return nil, fmt.Errorf("tcp: handshake: %w", err)
		}
		rank := int(binary.BigEndian.Uint32(rankBuf[:]))
		if rank <= 0 || rank >= size {
			return nil, fmt.Errorf("tcp: handshake: bad rank %d", rank)
		}
		if _, exists := c.peers[rank]; exists {
			return nil, fmt.Errorf("tcp: handshake: duplicate rank %d", rank)
		}
		p := &peer{rank: rank, conn: conn, scopes: make(map[uint32]chan frame)}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			p.Link = linkmon.Watch(tcpConn, fmt.Sprintf("rank-%d", rank))
		}
		c.peers[rank] = p
		go p.readLoop()
	}

	members := make([]int, size)
	for r := range members {
		members[r] = r
	}
	return &hubGroup{c: c, scope: worldScope, members: members, selfIdx: 0}, nil
}

// Dial connects a non-zero world rank to the hub at addr.
func Dial(addr string, rank, size int) (group.Group, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial: %w", err)
	}
	var rankBuf [4]byte
	binary.BigEndian.PutUint32(rankBuf[:], uint32(rank))
	if _, err := conn.Write(rankBuf[:]); err != nil {
		return nil, fmt.Errorf("tcp: handshake: %w", err)
	}
	cg := &clientGroup{conn: conn, scope: worldScope, rank: rank, size: size, resp: make(chan frame, 1)}
	go cg.readLoop()
	return cg, nil
}

func (cg *clientGroup) readLoop() {
	for {
		f, err := readFrame(cg.conn)
		if err != nil {
			return
		}
		cg.resp <- f
	}
}

func (cg *clientGroup) roundTrip(op byte, root, chunkLen int32, payload []byte) (frame, error) {
	if err := writeFrame(cg.conn, frame{scope: cg.scope, op: op, root: root, chunkLen: chunkLen, payload: payload}); err != nil {
		return frame{}, err
	}
	f, ok := <-cg.resp
	if !ok {
		return frame{}, fmt.Errorf("tcp: connection closed")
	}
	if !f.ok {
		return frame{}, group.ErrRankMismatch
	}
	return f, nil
}

func (cg *clientGroup) Size() int { return cg.size }
func (cg *clientGroup) Rank() int { return cg.rank }

func (cg *clientGroup) Bcast(root int, buf []byte) ([]byte, error) {
	input := buf
	if cg.rank != root {
		input = nil
	}
	f, err := cg.roundTrip(opBcast, int32(root), 0, input)
	if err != nil {
		return nil, err
	}
	return f.payload, nil
}

func (cg *clientGroup) Gather(root int, send []byte) ([]byte, error) {
	f, err := cg.roundTrip(opGather, int32(root), 0, send)
	if err != nil {
		return nil, err
	}
	if cg.rank != root {
		return nil, nil
	}
	return f.payload, nil
}

func (cg *clientGroup) Scatter(root int, send []byte, chunkLen int) ([]byte, error) {
	input := send
	if cg.rank != root {
		input = nil
	}
	f, err := cg.roundTrip(opScatter, int32(root), int32(chunkLen), input)
	if err != nil {
		return nil, err
	}
	off := cg.rank * chunkLen
	if off+chunkLen > len(f.payload) {
		return nil, group.ErrRankMismatch
	}
	return append([]byte(nil), f.payload[off:off+chunkLen]...), nil
}

func (cg *clientGroup) AllReduce(local uint64, op group.ReduceOp) (uint64, error) {
	f, err := cg.roundTrip(opAllReduce, 0, int32(op), wireops.EncodeU64(local))
	if err != nil {
		return 0, err
	}
	return wireops.DecodeU64(f.payload), nil
}

func (cg *clientGroup) Split(color, key int) (group.Group, error) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], uint32(int32(color)))
	binary.BigEndian.PutUint32(payload[4:8], uint32(int32(key)))
	f, err := cg.roundTrip(opSplit, 0, 0, payload)
	if err != nil {
		return nil, err
	}
	a, err := wireops.DecodeSplitAssignment(f.payload, cg.rank)
	if err != nil {
		return nil, err
	}
	if a.Color < 0 {
		return nil, nil
	}
	return &clientGroup{conn: cg.conn, scope: uint32(f.root), rank: a.NewRank, size: a.SubgroupLen, resp: cg.resp}, nil
}

func (cg *clientGroup) Barrier() error {
	_, err := cg.roundTrip(opBarrier, 0, 0, nil)
	return err
}

func (cg *clientGroup) Close() error { return cg.conn.Close() }

func (h *hubGroup) Size() int { return len(h.members) }
func (h *hubGroup) Rank() int { return h.selfIdx }

func (h *hubGroup) Bcast(root int, buf []byte) ([]byte, error) {
	var self []byte
	if h.selfIdx == root {
		self = buf
	}
	return h.c.runCollective(h.members, h.selfIdx, h.scope, self, func(in [][]byte) ([]byte, error) {
		return wireops.Bcast(in, root)
	})
}

func (h *hubGroup) Gather(root int, send []byte) ([]byte, error) {
	res, err := h.c.runCollective(h.members, h.selfIdx, h.scope, send, wireops.Gather)
	if err != nil {
		return nil, err
	}
	if h.selfIdx != root {
		return nil, nil
	}
	return res, nil
}

func (h *hubGroup) Scatter(root int, send []byte, chunkLen int) ([]byte, error) {
	var self []byte
	if h.selfIdx == root {
		self = send
	}
	res, err := h.c.runCollective(h.members, h.selfIdx, h.scope, self, func(in [][]byte) ([]byte, error) {
		return wireops.ScatterFull(in, root, chunkLen)
	})
	if err != nil {
		return nil, err
	}
	off := h.selfIdx * chunkLen
	if off+chunkLen > len(res) {
		return nil, group.ErrRankMismatch
	}
	return append([]byte(nil), res[off:off+chunkLen]...), nil
}

func (h *hubGroup) AllReduce(local uint64, op group.ReduceOp) (uint64, error) {
	res, err := h.c.runCollective(h.members, h.selfIdx, h.scope, wireops.EncodeU64(local), func(in [][]byte) ([]byte, error) {
		return wireops.AllReduce(in, op)
	})
	if err != nil {
		return 0, err
	}
	return wireops.DecodeU64(res), nil
}

// Split gathers every member's (color, key), computes the MPI_Comm_split-
// style assignment table once, and hands it to every member in one shot
// (folding the newly allocated scope id into the same response frame).
// For any resulting subgroup that world rank 0 is not a member of, the
// hub still has to mediate its traffic — it's the only rank every member
// can reach — so it spawns a standing dispatch loop for that color.
func (h *hubGroup) Split(color, key int) (group.Group, error) {
	if h.scope != worldScope {
		return nil, fmt.Errorf("tcp: nested Split is not supported")
	}
	self := make([]byte, 8)
	binary.BigEndian.PutUint32(self[0:4], uint32(int32(color)))
	binary.BigEndian.PutUint32(self[4:8], uint32(int32(key)))

	ordered := h.c.gather(h.members, h.selfIdx, h.scope, self)
	colors := make([]int, len(ordered))
	keys := make([]int, len(ordered))
	for i, b := range ordered {
		if len(b) != 8 {
			return nil, group.ErrRankMismatch
		}
		colors[i] = int(int32(binary.BigEndian.Uint32(b[0:4])))
		keys[i] = int(int32(binary.BigEndian.Uint32(b[4:8])))
	}
	assignments := wireops.SplitAssign(colors, keys)
	table := wireops.EncodeSplitAssignments(assignments)

	h.c.mu.Lock()
	h.c.nextScope++
	newScope := h.c.nextScope
	h.c.mu.Unlock()

	h.c.fanOut(h.members, h.selfIdx, frame{scope: h.scope, ok: true, root: int32(newScope), payload: table})

	mine := assignments[h.selfIdx]
	if mine.Color < 0 {
		return nil, nil
	}

	for _, color := range distinctColors(assignments) {
		if color == mine.Color {
			continue
		}
		members := membersForColor(h.members, assignments, color)
		go h.c.dispatchSubgroup(members, newScope)
	}

	subMembers := membersForColor(h.members, assignments, mine.Color)
	return &hubGroup{c: h.c, scope: newScope, members: subMembers, selfIdx: mine.NewRank}, nil
}

func distinctColors(assignments []wireops.SplitAssignment) []int {
	seen := make(map[int]bool)
	var out []int
	for _, a := range assignments {
		if a.Color >= 0 && !seen[a.Color] {
			seen[a.Color] = true
			out = append(out, a.Color)
		}
	}
	return out
}

func membersForColor(worldMembers []int, assignments []wireops.SplitAssignment, color int) []int {
	var out []int
	for i, a := range assignments {
		if a.Color == color {
			if len(out) <= a.NewRank {
				out = append(out, make([]int, a.NewRank-len(out)+1)...)
			}
			out[a.NewRank] = worldMembers[i]
		}
	}
	return out
}

// dispatchSubgroup services one subgroup's collectives on the hub's
// behalf for as long as its members keep calling them. It never sees
// Split or Barrier-specific bookkeeping beyond what's already on the
// wire: each round it reads one frame per member, applies the op every
// member must have agreed to call, and fans the shared result back.
func (c *core) dispatchSubgroup(members []int, scope uint32) {
	for {
		ordered := make([][]byte, len(members))
		var op byte
		var root, chunkLen int32
		for i, worldRank := range members {
			f := <-c.peers[worldRank].scopeChan(scope)
			ordered[i] = f.payload
			op, root, chunkLen = f.op, f.root, f.chunkLen
		}

		var res []byte
		var err error
		switch op {
		case opBcast:
			res, err = wireops.Bcast(ordered, int(root))
		case opGather:
			res, err = wireops.Gather(ordered)
		case opScatter:
			res, err = wireops.ScatterFull(ordered, int(root), int(chunkLen))
		case opAllReduce:
			res, err = wireops.AllReduce(ordered, group.ReduceOp(chunkLen))
		case opBarrier:
			res, err = nil, nil
		default:
			err = fmt.Errorf("tcp: unsupported op %d in subgroup dispatch", op)
		}

		out := frame{scope: scope, ok: err == nil, payload: res}
		for _, worldRank := range members {
			c.peers[worldRank].send(out)
		}
	}
}

func (h *hubGroup) Barrier() error {
	_, err := h.c.runCollective(h.members, h.selfIdx, h.scope, nil, func(in [][]byte) ([]byte, error) {
		return nil, nil
	})
	return err
}

func (h *hubGroup) Close() error { return nil }
