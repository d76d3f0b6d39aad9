// Package wireops holds the pure, transport-independent combine logic
// behind each group.Group collective. Both pkg/group/local (in-process
// rendezvous) and pkg/group/tcp (rank-0 hub over real sockets) reduce to
// calling these once they have collected every rank's contribution, so
// the two transports can never silently disagree on semantics.
package wireops

import (
	"encoding/binary"
	"sort"

	"github.com/yishikawa/iomiddle/pkg/group"
)

// Bcast returns root's payload, read out of inputs[root].
func Bcast(inputs [][]byte, root int) ([]byte, error) {
	if root < 0 || root >= len(inputs) {
		return nil, group.ErrRankMismatch
	}
	return append([]byte(nil), inputs[root]...), nil
}

// Gather concatenates every rank's payload in rank order. All payloads
// must be the same length.
func Gather(inputs [][]byte) ([]byte, error) {
	ln := -1
	for _, in := range inputs {
		if ln == -1 {
			ln = len(in)
		} else if len(in) != ln {
			return nil, group.ErrRankMismatch
		}
	}
	out := make([]byte, 0, ln*len(inputs))
	for _, in := range inputs {
		out = append(out, in...)
	}
	return out, nil
}

// ScatterFull returns root's full send buffer (the caller slices out its
// own chunkLen-sized piece); chunkLen must evenly divide it.
func ScatterFull(inputs [][]byte, root, chunkLen int) ([]byte, error) {
	if root < 0 || root >= len(inputs) {
		return nil, group.ErrRankMismatch
	}
	full := inputs[root]
	if chunkLen <= 0 || len(full)%chunkLen != 0 {
		return nil, group.ErrRankMismatch
	}
	return append([]byte(nil), full...), nil
}

// AllReduce decodes every rank's 8-byte big-endian value and combines
// them with op, returning the 8-byte encoded result.
func AllReduce(inputs [][]byte, op group.ReduceOp) ([]byte, error) {
	var acc uint64
	for i, in := range inputs {
		if len(in) != 8 {
			return nil, group.ErrRankMismatch
		}
		v := binary.BigEndian.Uint64(in)
		switch op {
		case group.SumUint64:
			acc += v
		case group.MaxUint64:
			if i == 0 || v > acc {
				acc = v
			}
		}
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, acc)
	return out, nil
}

// EncodeU64 / DecodeU64 are the wire encoding AllReduce's caller uses for
// its local contribution and the final result.
func EncodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// SplitAssignment is one original rank's outcome from a Split call.
type SplitAssignment struct {
	Color       int // the color it submitted; <0 means it does not participate
	NewRank     int // its rank within the subgroup (meaningless if Color<0)
	SubgroupLen int // size of the subgroup it landed in
}

// SplitAssign partitions ranks [0,len(colors)) by color (colors[r]<0
// excludes rank r) and orders each partition by key, breaking ties by
// original rank, exactly as MPI_Comm_split does.
func SplitAssign(colors, keys []int) []SplitAssignment {
	n := len(colors)
	byColor := make(map[int][]int)
	for r, c := range colors {
		if c < 0 {
			continue
		}
		byColor[c] = append(byColor[c], r)
	}
	for _, ranks := range byColor {
		sort.SliceStable(ranks, func(i, j int) bool {
			if keys[ranks[i]] != keys[ranks[j]] {
				return keys[ranks[i]] < keys[ranks[j]]
			}
			return ranks[i] < ranks[j]
		})
	}
	newRank := make(map[int]int, n)
	subLen := make(map[int]int, n)
	for c, ranks := range byColor {
		for nr, orig := range ranks {
			newRank[orig] = nr
			subLen[orig] = len(ranks)
		}
		_ = c
	}
	out := make([]SplitAssignment, n)
	for r, c := range colors {
		if c < 0 {
			out[r] = SplitAssignment{Color: -1}
			continue
		}
		out[r] = SplitAssignment{Color: c, NewRank: newRank[r], SubgroupLen: subLen[r]}
	}
	return out
}

// splitRecordLen is the fixed-size encoding of one SplitAssignment: color,
// newRank, subgroupLen, each a big-endian int32.
const splitRecordLen = 12

// EncodeSplitAssignments flattens one assignment per rank into a single
// blob, so a transport that only knows how to broadcast one shared buffer
// (pkg/group/tcp's hub) can hand every rank the whole table and let it
// pull out its own record.
func EncodeSplitAssignments(assignments []SplitAssignment) []byte {
	out := make([]byte, len(assignments)*splitRecordLen)
	for i, a := range assignments {
		off := i * splitRecordLen
		binary.BigEndian.PutUint32(out[off:], uint32(int32(a.Color)))
		binary.BigEndian.PutUint32(out[off+4:], uint32(int32(a.NewRank)))
		binary.BigEndian.PutUint32(out[off+8:], uint32(int32(a.SubgroupLen)))
	}
	return out
}

// DecodeSplitAssignment pulls rank idx's record out of a blob produced by
// EncodeSplitAssignments.
func DecodeSplitAssignment(blob []byte, idx int) (SplitAssignment, error) {
	off := idx * splitRecordLen
	if off+splitRecordLen > len(blob) {
		return SplitAssignment{}, group.ErrRankMismatch
	}
	return SplitAssignment{
		Color:       int(int32(binary.BigEndian.Uint32(blob[off:]))),
		NewRank:     int(int32(binary.BigEndian.Uint32(blob[off+4:]))),
		SubgroupLen: int(int32(binary.BigEndian.Uint32(blob[off+8:]))),
	}, nil
}
