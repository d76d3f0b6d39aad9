// Package exchange runs the two-phase collective reshape: an inter-rank
// gather (write path) or scatter (read path) that turns many per-rank
// stripes into one contiguous on-disk chunk per I/O issuer, in either of
// two modes — every rank issuing its own I/O, or a forwarder rank
// issuing I/O on behalf of a local subgroup.
package exchange

import (
	"fmt"

	"github.com/yishikawa/iomiddle/pkg/group"
)

// Topology is built once per process (see iomiddle.New), before any
// descriptor is opened, and shared by every managed descriptor. It captures which subgroup this rank belongs to, whether it issues
// disk I/O, and its position in the stripe cadence.
type Topology struct {
	World group.Group

	// LocalGroup is the forwarder-mode subgroup sharing one forwarder
	// (size localProcs); in all-ranks mode it is World itself.
	LocalGroup group.Group
	// ForwarderGroup contains only the forwarders, used by pkg/stats to
	// roll statistics up to rank 0; nil on non-forwarder ranks.
	ForwarderGroup group.Group

	Forwarders  int
	IsForwarder bool
	Rank        int
	NProcs      int
	LocalRank   int
	LocalProcs  int
	// FRank is this rank's position in the stripe cadence: Rank in
	// all-ranks mode, or its forwarder color otherwise.
	FRank int
	// StripeCount is strcnt: stripes per chunk. Equal to NProcs in
	// all-ranks mode; equal to LocalProcs in forwarder mode, since a
	// forwarder's chunk is exactly its local group's gathered stripes.
	StripeCount int
}

// NewTopology builds the subgroup structure for forwarders (0 means
// all-ranks mode, every rank both buffers and issues I/O).
func NewTopology(world group.Group, forwarders int) (*Topology, error) {
	nprocs := world.Size()
	rank := world.Rank()

	if forwarders == 0 {
		return &Topology{
			World:       world,
			LocalGroup:  world,
			Forwarders:  0,
			IsForwarder: true,
			Rank:        rank,
			NProcs:      nprocs,
			LocalRank:   rank,
			LocalProcs:  nprocs,
			FRank:       rank,
			StripeCount: nprocs,
		}, nil
	}

	if nprocs%forwarders != 0 {
		return nil, fmt.Errorf("exchange: %d forwarders does not evenly divide %d ranks", forwarders, nprocs)
	}
	localProcs := nprocs / forwarders
	color := rank / localProcs

	local, err := world.Split(color, rank)
	if err != nil {
		return nil, fmt.Errorf("exchange: local split: %w", err)
	}
	isForwarder := local.Rank() == 0

	fwColor := 0
	if !isForwarder {
		fwColor = -1
	}
	fwGroup, err := world.Split(fwColor, color)
	if err != nil {
		return nil, fmt.Errorf("exchange: forwarder split: %w", err)
	}

	return &Topology{
		World:          world,
		LocalGroup:     local,
		ForwarderGroup: fwGroup,
		Forwarders:     forwarders,
		IsForwarder:    isForwarder,
		Rank:           rank,
		NProcs:         nprocs,
		LocalRank:      local.Rank(),
		LocalProcs:     localProcs,
		FRank:          color,
		StripeCount:    localProcs,
	}, nil
}

// ChunkLen is strsize * StripeCount: the size of one on-disk block.
func (t *Topology) ChunkLen(strsize int) int { return strsize * t.StripeCount }

// FlushAllRanks runs the all-ranks-mode write exchange: bufcount stripes
// are gathered one at a time, rotating the gather root every `lanes`
// stripes, each root landing its chunk into sbuf at offset
// (j mod lanes)*chunkLen. Returns how many full chunks this rank ended
// up holding (0 unless it was a root this flush).
func (t *Topology) FlushAllRanks(ubuf []byte, bufcount, lanes, strsize int, sbuf []byte) (chunksReceived int, err error) {
	chunkLen := t.ChunkLen(strsize)
	for j := 0; j < bufcount; j++ {
		thisRank := j / lanes
		send := ubuf[j*strsize : (j+1)*strsize]
		res, gerr := t.World.Gather(thisRank, send)
		if gerr != nil {
			return chunksReceived, fmt.Errorf("exchange: gather stripe %d: %w", j, gerr)
		}
		if t.Rank == thisRank {
			off := (j % lanes) * chunkLen
			if off+chunkLen > len(sbuf) {
				return chunksReceived, fmt.Errorf("exchange: sbuf too small for chunk at offset %d", off)
			}
			copy(sbuf[off:off+chunkLen], res)
			chunksReceived++
		}
	}
	return chunksReceived, nil
}

// ScatterAllRanks is FlushAllRanks's read-path inverse: bufcount stripes
// are scattered one at a time from the rotating root's sbuf chunk back
// to every rank's ubuf slice.
func (t *Topology) ScatterAllRanks(sbuf []byte, bufcount, lanes, strsize int, ubuf []byte) error {
	chunkLen := t.ChunkLen(strsize)
	for j := 0; j < bufcount; j++ {
		thisRank := j / lanes
		var send []byte
		if t.Rank == thisRank {
			off := (j % lanes) * chunkLen
			if off+chunkLen > len(sbuf) {
				return fmt.Errorf("exchange: sbuf too small for chunk at offset %d", off)
			}
			send = sbuf[off : off+chunkLen]
		}
		res, err := t.World.Scatter(thisRank, send, strsize)
		if err != nil {
			return fmt.Errorf("exchange: scatter stripe %d: %w", j, err)
		}
		copy(ubuf[j*strsize:(j+1)*strsize], res)
	}
	return nil
}

// FlushForwarder runs the forwarder-mode write exchange: one stripe per
// local rank, gathered to the forwarder. The returned chunk is nil on
// non-forwarder ranks.
func (t *Topology) FlushForwarder(localStripe []byte) ([]byte, error) {
	res, err := t.LocalGroup.Gather(0, localStripe)
	if err != nil {
		return nil, fmt.Errorf("exchange: forwarder gather: %w", err)
	}
	if !t.IsForwarder {
		return nil, nil
	}
	return res, nil
}

// ScatterForwarder is FlushForwarder's inverse: the forwarder's chunk
// (nil on non-forwarders) is scattered back into each local rank's
// single stripe.
func (t *Topology) ScatterForwarder(chunk []byte, strsize int) ([]byte, error) {
	return t.LocalGroup.Scatter(0, chunk, strsize)
}

// AllRanksWriteTarget computes the disk byte offset and length for the
// chunks this rank collected during a FlushAllRanks call. filcurbBefore
// is this rank's filcurb before the flush; chunksReceived is
// FlushAllRanks's return value (usually `lanes`, but may be fewer on a
// partial tail flush at close).
func (t *Topology) AllRanksWriteTarget(filcurbBefore int64, lanes, strsize, chunksReceived int) (filePos int64, length int) {
	strcnt := int64(t.StripeCount)
	period := strcnt * strcnt * int64(lanes)
	nth := int64(0)
	if period > 0 {
		nth = filcurbBefore / period
	}
	wblks := nth*period + strcnt*int64(lanes)*int64(t.FRank)
	return wblks * int64(strsize), chunksReceived * t.ChunkLen(strsize)
}

// ForwarderWriteTarget computes the disk byte offset for a forwarder's
// single chunk (lanes is always 1 in forwarder mode). filcurb starts at
// the forwarder's color and advances by StripeCount per flush, so flush
// k of color c lands at chunk index k*Forwarders + c: world rank r's
// stripe of flush k ends up at stripe offset k*NProcs + r.
func (t *Topology) ForwarderWriteTarget(filcurbBefore int64, strsize int) (filePos int64, length int) {
	flush := (filcurbBefore - int64(t.FRank)) / int64(t.StripeCount)
	chunk := flush*int64(t.Forwarders) + int64(t.FRank)
	return chunk * int64(t.ChunkLen(strsize)), t.ChunkLen(strsize)
}
