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
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/metrics"
	"github.com/cubefs/journal/proto"
)

// ReplayLog is a journal record with its arrival time. SegInfoFlushed is set
// when the segment context was checkpointed after the record was written.
type ReplayLog struct {
	Log            proto.Log
	Time           uint64
	SegInfoFlushed bool
}

// StripeReplayer turns the records of one stripe into replay events and
// executes them
type StripeReplayer interface {
	AddLog(ctx context.Context, replayLog ReplayLog)
	BuildEvents(ctx context.Context) error
	DeleteBlockMapReplayEvents()
	Replay(ctx context.Context) error
	GetStatus() *StripeReplayStatus
	GetEvents() []ReplayEvent
}

type replayStripe struct {
	status  *StripeReplayStatus
	factory *replayEventFactory
	deps    *eventDeps

	userReplayer *ActiveUserStripeReplayer
	logs         []ReplayLog
	events       []ReplayEvent

	replaySegmentInfo bool
	built             bool
}

func newReplayStripe(vsid proto.StripeId, deps *eventDeps, userReplayer *ActiveUserStripeReplayer) replayStripe {
	status := newStripeReplayStatus(vsid)
	return replayStripe{
		status:            status,
		factory:           newReplayEventFactory(deps, status),
		deps:              deps,
		userReplayer:      userReplayer,
		replaySegmentInfo: true,
	}
}

func (r *replayStripe) GetStatus() *StripeReplayStatus { return r.status }

func (r *replayStripe) GetEvents() []ReplayEvent { return r.events }

func (r *replayStripe) addLog(replayLog ReplayLog) {
	if replayLog.SegInfoFlushed {
		r.replaySegmentInfo = false
	}
	r.logs = append(r.logs, replayLog)
}

// DeleteBlockMapReplayEvents drops the block map events, the stripe level
// events still run
func (r *replayStripe) DeleteBlockMapReplayEvents() {
	events := r.events[:0]
	for _, e := range r.events {
		if e.GetType() != ReplayEventType_BlockMapUpdate {
			events = append(events, e)
		}
	}
	for i := len(events); i < len(r.events); i++ {
		r.events[i] = nil
	}
	r.events = events
}

func (r *replayStripe) Replay(ctx context.Context) error {
	if !r.built {
		panic(fmt.Sprintf("stripe %d replayed before its events are built", r.status.GetVsid()))
	}
	for _, e := range r.events {
		if err := e.Replay(ctx); err != nil {
			return err
		}
		metrics.ReplayEventCounter.WithLabelValues(e.GetType().String()).Inc()
	}
	r.status.Print(ctx)
	return nil
}

// stripeLocation decides the stripe level events from the stripe map content.
// It returns the events to run before and after the block events, and whether
// the stripe ends up in the user area.
func (r *replayStripe) stripeLocation(ctx context.Context, finished bool) (front, back []ReplayEvent, flushed bool, err error) {
	span := trace.SpanFromContextSafe(ctx)
	vsid := r.status.GetVsid()
	readMap, err := r.deps.stripeMap.GetLSA(ctx, vsid)
	if err != nil {
		return nil, nil, false, errors.Info(err, "read stripe map", vsid)
	}
	wbLsid := r.status.GetWbLsid()
	userLsid := r.status.GetUserLsid()
	recorded := proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: wbLsid}

	front = append(front, r.factory.CreateSegmentAllocationReplayEvent(userLsid))
	switch {
	case readMap.InUserArea() && !readMap.IsUnmapped():
		span.Debugf("stripe %d already in user area %s", vsid, readMap)
		return front, nil, true, nil
	case !finished:
		if readMap != recorded {
			if wbLsid == proto.UnmapStripe {
				return nil, nil, false, errors.Info(apierrors.ErrInvalidLog, "unfinished stripe without write buffer stripe", vsid)
			}
			front = append(front, r.factory.CreateStripeAllocationReplayEvent(vsid, wbLsid, r.replaySegmentInfo))
		}
		return front, nil, false, nil
	case readMap != recorded && wbLsid != proto.UnmapStripe:
		front = append(front, r.factory.CreateStripeAllocationReplayEvent(vsid, wbLsid, r.replaySegmentInfo))
	}

	dest := r.status.GetFinalStripeAddr()
	back = append(back, r.factory.CreateStripeMapUpdateReplayEvent(vsid, dest))
	if r.replaySegmentInfo {
		back = append(back, r.factory.CreateStripeFlushReplayEvent(vsid, wbLsid, dest.StripeId))
	}
	return front, back, true, nil
}

func (r *replayStripe) notifyActiveStripeReplayers(flushed bool) {
	if r.status.GetWbIndex() != unsetWbIndex {
		r.deps.wbReplayer.Update(StripeInfo{
			VolId:      r.status.GetVolumeId(),
			Vsid:       r.status.GetVsid(),
			WbLsid:     r.status.GetWbLsid(),
			UserLsid:   r.status.GetUserLsid(),
			LastOffset: r.status.GetLastOffset(),
			WbIndex:    r.status.GetWbIndex(),
			OpenTime:   r.status.GetMinTime(),
			Flushed:    flushed,
		})
	}
	if flushed {
		r.userReplayer.Update(r.status.GetUserLsid())
	}
}

// UserReplayStripe replays a stripe written by user io
type UserReplayStripe struct {
	replayStripe
}

func newUserReplayStripe(vsid proto.StripeId, deps *eventDeps, userReplayer *ActiveUserStripeReplayer) *UserReplayStripe {
	return &UserReplayStripe{replayStripe: newReplayStripe(vsid, deps, userReplayer)}
}

func (r *UserReplayStripe) AddLog(ctx context.Context, replayLog ReplayLog) {
	switch l := replayLog.Log.(type) {
	case *proto.BlockWriteDoneLog:
		r.status.BlockLogFound(l, replayLog.Time)
	case *proto.StripeMapUpdatedLog:
		if !r.status.StripeLogFound(l, replayLog.Time) {
			trace.SpanFromContextSafe(ctx).Warnf("stripe %d flushed twice, log: %+v", r.status.GetVsid(), l)
		}
	default:
		panic(fmt.Sprintf("log type %s added to user stripe %d", replayLog.Log.GetType(), r.status.GetVsid()))
	}
	r.addLog(replayLog)
}

func (r *UserReplayStripe) BuildEvents(ctx context.Context) error {
	front, back, flushed, err := r.stripeLocation(ctx, r.status.IsFlushed())
	if err != nil {
		return err
	}

	events := front
	for _, replayLog := range r.logs {
		if l, ok := replayLog.Log.(*proto.BlockWriteDoneLog); ok {
			events = append(events, r.factory.CreateBlockWriteReplayEvent(l, replayLog.Time, r.replaySegmentInfo, !flushed))
		}
	}
	r.events = append(events, back...)
	r.built = true

	r.notifyActiveStripeReplayers(flushed)
	return nil
}

// GcReplayStripe replays a stripe written by garbage collection
type GcReplayStripe struct {
	replayStripe
	totalNumBlockMaps uint32
}

func newGcReplayStripe(vsid proto.StripeId, deps *eventDeps, userReplayer *ActiveUserStripeReplayer) *GcReplayStripe {
	return &GcReplayStripe{replayStripe: newReplayStripe(vsid, deps, userReplayer)}
}

func (r *GcReplayStripe) AddLog(ctx context.Context, replayLog ReplayLog) {
	switch l := replayLog.Log.(type) {
	case *proto.GcBlockWriteDoneLog:
		r.status.GcBlockLogFound(l, replayLog.Time)
	case *proto.GcStripeFlushedLog:
		if !r.status.GcStripeLogFound(l, replayLog.Time) {
			trace.SpanFromContextSafe(ctx).Warnf("gc stripe %d flushed twice, log: %+v", r.status.GetVsid(), l)
		}
		r.totalNumBlockMaps = l.TotalNumBlockMaps
	default:
		panic(fmt.Sprintf("log type %s added to gc stripe %d", replayLog.Log.GetType(), r.status.GetVsid()))
	}
	r.addLog(replayLog)
}

// BuildEvents of a gc stripe that never reached its flush record builds
// nothing: the copies were not committed and the source blocks stay valid
func (r *GcReplayStripe) BuildEvents(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	r.built = true
	if !r.status.IsFlushed() {
		span.Warnf("gc stripe %d not flushed, %d block maps dropped", r.status.GetVsid(), r.status.GetNumFoundBlockMaps())
		return nil
	}
	if r.totalNumBlockMaps != r.status.GetNumFoundBlockMaps() {
		span.Warnf("gc stripe %d expects %d block maps, found %d",
			r.status.GetVsid(), r.totalNumBlockMaps, r.status.GetNumFoundBlockMaps())
	}

	front, back, flushed, err := r.stripeLocation(ctx, true)
	if err != nil {
		return err
	}
	events := front
	for _, replayLog := range r.logs {
		if l, ok := replayLog.Log.(*proto.GcBlockWriteDoneLog); ok {
			events = append(events, r.factory.CreateGcBlockWriteReplayEvent(l, replayLog.Time, r.replaySegmentInfo))
		}
	}
	r.events = append(events, back...)

	r.notifyActiveStripeReplayers(flushed)
	return nil
}
