// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package replay

import (
	"context"
	"fmt"
	"math"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/journal/proto"
)

const (
	unsetVolume  = proto.VolumeID(math.MaxUint32)
	unsetWbIndex = -1
)

// StripeReplayStatus accumulates what the journal tells about one virtual
// stripe. Volume, write buffer stripe, user stripe and write buffer index are
// set once; a later record disagreeing with them is a broken journal.
type StripeReplayStatus struct {
	vsid proto.StripeId

	volId    proto.VolumeID
	wbLsid   proto.StripeId
	userLsid proto.StripeId
	wbIndex  int

	firstBlockOffset proto.BlkOffset
	lastBlockOffset  proto.BlkOffset
	smallestRba      proto.BlkAddr
	largestRba       proto.BlkAddr

	numFoundBlockMaps    uint32
	numUpdatedBlockMaps  uint32
	numInvalidatedBlocks uint32

	segmentAllocated  bool
	stripeAllocated   bool
	stripeMapReplayed bool
	finalStripeAddr   proto.StripeAddr

	minTime uint64
	maxTime uint64
	numLogs int
}

func newStripeReplayStatus(vsid proto.StripeId) *StripeReplayStatus {
	return &StripeReplayStatus{
		vsid:             vsid,
		volId:            unsetVolume,
		wbLsid:           proto.UnmapStripe,
		userLsid:         proto.UnmapStripe,
		wbIndex:          unsetWbIndex,
		firstBlockOffset: proto.UnmapOffset,
		lastBlockOffset:  0,
		smallestRba:      math.MaxUint64,
		largestRba:       0,
		finalStripeAddr:  proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: proto.UnmapStripe},
		minTime:          math.MaxUint64,
	}
}

func (s *StripeReplayStatus) BlockLogFound(l *proto.BlockWriteDoneLog, time uint64) {
	s.logFound(time)
	s.setVolumeId(l.VolId)
	s.setWbLsid(l.WriteBufferStripeAddr.StripeId)
	s.setWbIndex(l.WbIndex)

	if l.NumBlks == 0 {
		return
	}
	s.updateOffset(l.StartVsa.Offset)
	s.updateOffset(l.StartVsa.Offset + uint64(l.NumBlks) - 1)
	s.updateRba(l.StartRba)
	s.updateRba(l.StartRba + uint64(l.NumBlks) - 1)
	s.numFoundBlockMaps += l.NumBlks
}

func (s *StripeReplayStatus) GcBlockLogFound(l *proto.GcBlockWriteDoneLog, time uint64) {
	s.logFound(time)
	s.setVolumeId(l.VolId)
	s.setWbLsid(l.WbLsid)
	s.setWbIndex(proto.GcActiveTailIndex)

	for _, bm := range l.BlockMaps {
		if bm.Vsa.StripeId != s.vsid {
			panic(fmt.Sprintf("gc block map of stripe %d found in stripe %d", bm.Vsa.StripeId, s.vsid))
		}
		s.updateOffset(bm.Vsa.Offset)
		s.updateRba(bm.Rba)
	}
	s.numFoundBlockMaps += uint32(len(l.BlockMaps))
}

// StripeLogFound records a stripe map update, the stripe moved from its write
// buffer location to the user area. It returns false when the stripe was
// already seen flushed.
func (s *StripeReplayStatus) StripeLogFound(l *proto.StripeMapUpdatedLog, time uint64) bool {
	s.logFound(time)
	if l.OldMap.InWriteBuffer() && !l.OldMap.IsUnmapped() {
		s.setWbLsid(l.OldMap.StripeId)
	}
	s.setUserLsid(l.NewMap.StripeId)
	s.finalStripeAddr = l.NewMap
	return s.stripeFlushed()
}

func (s *StripeReplayStatus) GcStripeLogFound(l *proto.GcStripeFlushedLog, time uint64) bool {
	s.logFound(time)
	s.setVolumeId(l.VolId)
	s.setWbLsid(l.WbLsid)
	s.setWbIndex(proto.GcActiveTailIndex)
	s.setUserLsid(l.UserLsid)
	s.finalStripeAddr = proto.StripeAddr{Loc: proto.StripeLoc_UserArea, StripeId: l.UserLsid}
	return s.stripeFlushed()
}

func (s *StripeReplayStatus) SegmentAllocated() { s.segmentAllocated = true }

func (s *StripeReplayStatus) StripeAllocated() { s.stripeAllocated = true }

func (s *StripeReplayStatus) BlockMapsUpdated(n uint32) { s.numUpdatedBlockMaps += n }

func (s *StripeReplayStatus) BlocksInvalidated(n uint32) { s.numInvalidatedBlocks += n }

func (s *StripeReplayStatus) IsFlushed() bool {
	return s.finalStripeAddr.InUserArea()
}

func (s *StripeReplayStatus) GetVsid() proto.StripeId { return s.vsid }

func (s *StripeReplayStatus) GetVolumeId() proto.VolumeID { return s.volId }

func (s *StripeReplayStatus) GetWbLsid() proto.StripeId { return s.wbLsid }

// GetUserLsid returns the user area stripe, a stripe never flushed lands on
// the user stripe of the same id
func (s *StripeReplayStatus) GetUserLsid() proto.StripeId {
	if s.userLsid == proto.UnmapStripe {
		return s.vsid
	}
	return s.userLsid
}

func (s *StripeReplayStatus) GetWbIndex() int { return s.wbIndex }

func (s *StripeReplayStatus) GetFirstOffset() proto.BlkOffset { return s.firstBlockOffset }

func (s *StripeReplayStatus) GetLastOffset() proto.BlkOffset { return s.lastBlockOffset }

func (s *StripeReplayStatus) GetFinalStripeAddr() proto.StripeAddr { return s.finalStripeAddr }

func (s *StripeReplayStatus) GetNumFoundBlockMaps() uint32 { return s.numFoundBlockMaps }

func (s *StripeReplayStatus) GetNumUpdatedBlockMaps() uint32 { return s.numUpdatedBlockMaps }

func (s *StripeReplayStatus) GetNumInvalidatedBlocks() uint32 { return s.numInvalidatedBlocks }

// GetMinTime and GetMaxTime return the arrival time of the oldest and newest
// record of the stripe
func (s *StripeReplayStatus) GetMinTime() uint64 { return s.minTime }

func (s *StripeReplayStatus) GetMaxTime() uint64 { return s.maxTime }

func (s *StripeReplayStatus) HasBlockLogs() bool { return s.numFoundBlockMaps > 0 }

func (s *StripeReplayStatus) Print(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	if !s.HasBlockLogs() {
		span.Debugf("[vsid %d] vol: %d, wbLsid: %d, userLsid: %d, logs: %d, final: %s, no block map",
			s.vsid, s.volId, s.wbLsid, s.userLsid, s.numLogs, s.finalStripeAddr)
		return
	}
	span.Debugf("[vsid %d] vol: %d, wbLsid: %d, userLsid: %d, wbIndex: %d, offset: [%d,%d], rba: [%d,%d], "+
		"found: %d, updated: %d, invalidated: %d, segAlloc: %t, stripeAlloc: %t, final: %s",
		s.vsid, s.volId, s.wbLsid, s.userLsid, s.wbIndex, s.firstBlockOffset, s.lastBlockOffset,
		s.smallestRba, s.largestRba, s.numFoundBlockMaps, s.numUpdatedBlockMaps, s.numInvalidatedBlocks,
		s.segmentAllocated, s.stripeAllocated, s.finalStripeAddr)
}

func (s *StripeReplayStatus) stripeFlushed() bool {
	if s.stripeMapReplayed {
		return false
	}
	s.stripeMapReplayed = true
	return true
}

func (s *StripeReplayStatus) logFound(time uint64) {
	s.numLogs++
	if time < s.minTime {
		s.minTime = time
	}
	if time > s.maxTime {
		s.maxTime = time
	}
}

func (s *StripeReplayStatus) updateOffset(offset proto.BlkOffset) {
	if s.firstBlockOffset == proto.UnmapOffset || offset < s.firstBlockOffset {
		s.firstBlockOffset = offset
	}
	if offset > s.lastBlockOffset {
		s.lastBlockOffset = offset
	}
}

func (s *StripeReplayStatus) updateRba(rba proto.BlkAddr) {
	if rba < s.smallestRba {
		s.smallestRba = rba
	}
	if rba > s.largestRba {
		s.largestRba = rba
	}
}

func (s *StripeReplayStatus) setVolumeId(volId proto.VolumeID) {
	if s.volId != unsetVolume && s.volId != volId {
		panic(fmt.Sprintf("stripe %d volume changed from %d to %d", s.vsid, s.volId, volId))
	}
	s.volId = volId
}

func (s *StripeReplayStatus) setWbLsid(wbLsid proto.StripeId) {
	if s.wbLsid != proto.UnmapStripe && s.wbLsid != wbLsid {
		panic(fmt.Sprintf("stripe %d write buffer stripe changed from %d to %d", s.vsid, s.wbLsid, wbLsid))
	}
	s.wbLsid = wbLsid
}

func (s *StripeReplayStatus) setUserLsid(userLsid proto.StripeId) {
	if s.userLsid != proto.UnmapStripe && s.userLsid != userLsid {
		panic(fmt.Sprintf("stripe %d user stripe changed from %d to %d", s.vsid, s.userLsid, userLsid))
	}
	s.userLsid = userLsid
}

func (s *StripeReplayStatus) setWbIndex(wbIndex int) {
	if s.wbIndex != unsetWbIndex && s.wbIndex != wbIndex {
		panic(fmt.Sprintf("stripe %d write buffer index changed from %d to %d", s.vsid, s.wbIndex, wbIndex))
	}
	s.wbIndex = wbIndex
}
