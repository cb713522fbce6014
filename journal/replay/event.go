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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/proto"
)

type ReplayEventType uint8

const (
	ReplayEventType_BlockMapUpdate ReplayEventType = iota + 1
	ReplayEventType_StripeMapUpdate
	ReplayEventType_StripeAllocation
	ReplayEventType_SegmentAllocation
	ReplayEventType_StripeFlush
)

func (t ReplayEventType) String() string {
	switch t {
	case ReplayEventType_BlockMapUpdate:
		return "BlockMapUpdate"
	case ReplayEventType_StripeMapUpdate:
		return "StripeMapUpdate"
	case ReplayEventType_StripeAllocation:
		return "StripeAllocation"
	case ReplayEventType_SegmentAllocation:
		return "SegmentAllocation"
	case ReplayEventType_StripeFlush:
		return "StripeFlush"
	default:
		return fmt.Sprintf("ReplayEventType(%d)", uint8(t))
	}
}

// ReplayEvent is one metadata update rebuilt from the journal
type ReplayEvent interface {
	GetType() ReplayEventType
	Replay(ctx context.Context) error
}

// blockMapUpdateEvent replays the block writes of one BlockWriteDone record
type blockMapUpdateEvent struct {
	*eventDeps
	status *StripeReplayStatus

	volId               proto.VolumeID
	startRba            proto.BlkAddr
	startVsa            proto.VirtualBlkAddr
	numBlks             uint32
	time                uint64
	applySegmentEffects bool
	updateRevMap        bool
}

func (e *blockMapUpdateEvent) GetType() ReplayEventType { return ReplayEventType_BlockMapUpdate }

func (e *blockMapUpdateEvent) Replay(ctx context.Context) error {
	for i := uint32(0); i < e.numBlks; i++ {
		rba := e.startRba + uint64(i)
		target := e.startVsa.Add(uint64(i))
		if err := e.replayBlock(ctx, rba, target); err != nil {
			return err
		}
		if e.updateRevMap {
			e.wbReplayer.UpdateRevMap(e.status.GetVsid(), target.Offset, rba)
		}
	}
	return nil
}

func (e *blockMapUpdateEvent) replayBlock(ctx context.Context, rba proto.BlkAddr, target proto.VirtualBlkAddr) error {
	if e.tracker.replayedLater(e.volId, rba, e.time) {
		return nil
	}
	current, err := e.vsaMap.GetVSA(ctx, e.volId, rba)
	if err != nil {
		return errors.Info(err, "read block map", e.volId, rba)
	}
	e.tracker.record(e.volId, rba, e.time)
	if current == target {
		return nil
	}

	if e.applySegmentEffects && !current.IsUnmapped() {
		if err = e.segCtx.InvalidateBlks(ctx, current, 1, false); err != nil {
			return errors.Info(err, "invalidate superseded block", e.volId, rba, current)
		}
		e.status.BlocksInvalidated(1)
	}
	if err = e.vsaMap.SetVSA(ctx, e.volId, rba, target); err != nil {
		return errors.Info(err, "update block map", e.volId, rba, target)
	}
	e.status.BlockMapsUpdated(1)
	if e.applySegmentEffects {
		if err = e.segCtx.ValidateBlks(ctx, target, 1); err != nil {
			return errors.Info(err, "validate block", e.volId, rba, target)
		}
	}
	return nil
}

// gcBlockMapUpdateEvent replays the block copies of one GcBlockWriteDone
// record. A copy is applied only while the map still points at the block gc
// copied from.
type gcBlockMapUpdateEvent struct {
	*eventDeps
	status *StripeReplayStatus

	volId               proto.VolumeID
	blockMaps           []proto.GcBlockMap
	time                uint64
	applySegmentEffects bool
}

func (e *gcBlockMapUpdateEvent) GetType() ReplayEventType { return ReplayEventType_BlockMapUpdate }

func (e *gcBlockMapUpdateEvent) Replay(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	for _, bm := range e.blockMaps {
		if e.tracker.replayedLater(e.volId, bm.Rba, e.time) {
			continue
		}
		current, err := e.vsaMap.GetVSA(ctx, e.volId, bm.Rba)
		if err != nil {
			return errors.Info(err, "read block map", e.volId, bm.Rba)
		}
		if current == bm.Vsa {
			e.tracker.record(e.volId, bm.Rba, e.time)
			continue
		}

		if current != bm.OldVsa {
			if !current.IsUnmapped() && current.StripeId == bm.OldVsa.StripeId {
				panic(fmt.Sprintf("gc block of vol %d rba %d copied from %s but map holds %s in the same stripe",
					e.volId, bm.Rba, bm.OldVsa, current))
			}
			span.Debugf("gc block of vol %d rba %d is stale, copied from %s, map holds %s",
				e.volId, bm.Rba, bm.OldVsa, current)
			continue
		}

		e.tracker.record(e.volId, bm.Rba, e.time)
		if e.applySegmentEffects && !bm.OldVsa.IsUnmapped() {
			if err = e.segCtx.InvalidateBlks(ctx, bm.OldVsa, 1, true); err != nil {
				return errors.Info(err, "invalidate gc source block", e.volId, bm.Rba, bm.OldVsa)
			}
			e.status.BlocksInvalidated(1)
		}
		if err = e.vsaMap.SetVSA(ctx, e.volId, bm.Rba, bm.Vsa); err != nil {
			return errors.Info(err, "update block map", e.volId, bm.Rba, bm.Vsa)
		}
		e.status.BlockMapsUpdated(1)
		if e.applySegmentEffects {
			if err = e.segCtx.ValidateBlks(ctx, bm.Vsa, 1); err != nil {
				return errors.Info(err, "validate gc block", e.volId, bm.Rba, bm.Vsa)
			}
		}
	}
	return nil
}

type stripeMapUpdateEvent struct {
	*eventDeps
	status *StripeReplayStatus

	vsid proto.StripeId
	dest proto.StripeAddr
}

func (e *stripeMapUpdateEvent) GetType() ReplayEventType { return ReplayEventType_StripeMapUpdate }

func (e *stripeMapUpdateEvent) Replay(ctx context.Context) error {
	if err := e.stripeMap.SetLSA(ctx, e.vsid, e.dest); err != nil {
		return errors.Info(err, "update stripe map", e.vsid, e.dest)
	}
	return nil
}

// stripeAllocationEvent points the stripe at its write buffer stripe again
type stripeAllocationEvent struct {
	*eventDeps
	status *StripeReplayStatus

	vsid                proto.StripeId
	wbLsid              proto.StripeId
	applySegmentEffects bool
}

func (e *stripeAllocationEvent) GetType() ReplayEventType { return ReplayEventType_StripeAllocation }

func (e *stripeAllocationEvent) Replay(ctx context.Context) error {
	addr := proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: e.wbLsid}
	if err := e.stripeMap.SetLSA(ctx, e.vsid, addr); err != nil {
		return errors.Info(err, "allocate stripe", e.vsid, e.wbLsid)
	}
	if e.applySegmentEffects {
		if err := e.segCtx.ReplayStripeAllocation(ctx, e.vsid, e.wbLsid); err != nil {
			return errors.Info(err, "replay stripe allocation", e.vsid, e.wbLsid)
		}
	}
	e.status.StripeAllocated()
	return nil
}

type segmentAllocationEvent struct {
	*eventDeps
	status *StripeReplayStatus

	userLsid proto.StripeId
}

func (e *segmentAllocationEvent) GetType() ReplayEventType { return ReplayEventType_SegmentAllocation }

func (e *segmentAllocationEvent) Replay(ctx context.Context) error {
	if err := e.segCtx.ReplaySegmentAllocation(ctx, e.userLsid); err != nil {
		return errors.Info(err, "replay segment allocation", e.userLsid)
	}
	e.status.SegmentAllocated()
	return nil
}

// stripeFlushEvent releases the write buffer stripe and accounts the user
// stripe to its segment
type stripeFlushEvent struct {
	*eventDeps
	status *StripeReplayStatus

	vsid     proto.StripeId
	wbLsid   proto.StripeId
	userLsid proto.StripeId
}

func (e *stripeFlushEvent) GetType() ReplayEventType { return ReplayEventType_StripeFlush }

func (e *stripeFlushEvent) Replay(ctx context.Context) error {
	if e.wbLsid != proto.UnmapStripe {
		if err := e.segCtx.ReplayStripeFlushed(ctx, e.wbLsid); err != nil {
			return errors.Info(err, "replay stripe flushed", e.vsid, e.wbLsid)
		}
	}
	if err := e.segCtx.TryUpdateSegmentValidBlocks(ctx, e.userLsid); err != nil {
		return errors.Info(err, "update segment occupancy", e.vsid, e.userLsid)
	}
	return nil
}

// eventDeps are the collaborators every event of one replay run works on
type eventDeps struct {
	vsaMap     VSAMap
	stripeMap  StripeMap
	segCtx     SegmentCtx
	wbReplayer *ActiveWBStripeReplayer
	tracker    *writeTracker
}

// replayEventFactory builds the events of one stripe
type replayEventFactory struct {
	deps   *eventDeps
	status *StripeReplayStatus
}

func newReplayEventFactory(deps *eventDeps, status *StripeReplayStatus) *replayEventFactory {
	return &replayEventFactory{deps: deps, status: status}
}

func (f *replayEventFactory) CreateBlockWriteReplayEvent(l *proto.BlockWriteDoneLog, time uint64,
	applySegmentEffects bool, updateRevMap bool,
) ReplayEvent {
	return &blockMapUpdateEvent{
		eventDeps:           f.deps,
		status:              f.status,
		volId:               l.VolId,
		startRba:            l.StartRba,
		startVsa:            l.StartVsa,
		numBlks:             l.NumBlks,
		time:                time,
		applySegmentEffects: applySegmentEffects,
		updateRevMap:        updateRevMap,
	}
}

func (f *replayEventFactory) CreateGcBlockWriteReplayEvent(l *proto.GcBlockWriteDoneLog, time uint64,
	applySegmentEffects bool,
) ReplayEvent {
	return &gcBlockMapUpdateEvent{
		eventDeps:           f.deps,
		status:              f.status,
		volId:               l.VolId,
		blockMaps:           l.BlockMaps,
		time:                time,
		applySegmentEffects: applySegmentEffects,
	}
}

func (f *replayEventFactory) CreateStripeMapUpdateReplayEvent(vsid proto.StripeId, dest proto.StripeAddr) ReplayEvent {
	return &stripeMapUpdateEvent{eventDeps: f.deps, status: f.status, vsid: vsid, dest: dest}
}

func (f *replayEventFactory) CreateStripeAllocationReplayEvent(vsid, wbLsid proto.StripeId, applySegmentEffects bool) ReplayEvent {
	return &stripeAllocationEvent{
		eventDeps:           f.deps,
		status:              f.status,
		vsid:                vsid,
		wbLsid:              wbLsid,
		applySegmentEffects: applySegmentEffects,
	}
}

func (f *replayEventFactory) CreateSegmentAllocationReplayEvent(userLsid proto.StripeId) ReplayEvent {
	return &segmentAllocationEvent{eventDeps: f.deps, status: f.status, userLsid: userLsid}
}

func (f *replayEventFactory) CreateStripeFlushReplayEvent(vsid, wbLsid, userLsid proto.StripeId) ReplayEvent {
	return &stripeFlushEvent{eventDeps: f.deps, status: f.status, vsid: vsid, wbLsid: wbLsid, userLsid: userLsid}
}

type blockKey struct {
	volId proto.VolumeID
	rba   proto.BlkAddr
}

// writeTracker remembers the arrival time of the newest record replayed per
// block. Stripes are not replayed in record order, so a block already
// replayed from a newer record is not rolled back by an older one.
type writeTracker struct {
	lastWrite map[blockKey]uint64
}

func newWriteTracker() *writeTracker {
	return &writeTracker{lastWrite: make(map[blockKey]uint64)}
}

func (t *writeTracker) replayedLater(volId proto.VolumeID, rba proto.BlkAddr, time uint64) bool {
	last, ok := t.lastWrite[blockKey{volId: volId, rba: rba}]
	return ok && last > time
}

func (t *writeTracker) record(volId proto.VolumeID, rba proto.BlkAddr, time uint64) {
	key := blockKey{volId: volId, rba: rba}
	if last, ok := t.lastWrite[key]; !ok || time > last {
		t.lastWrite[key] = time
	}
}
