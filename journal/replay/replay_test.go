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
	"errors"
	"testing"

	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/metrics"
	"github.com/cubefs/journal/proto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func eventTypes(stripe StripeReplayer) []ReplayEventType {
	var ret []ReplayEventType
	for _, e := range stripe.GetEvents() {
		ret = append(ret, e.GetType())
	}
	return ret
}

func simpleStripeLogs(finished bool) *logBuilder {
	b := &logBuilder{}
	b.blockWrite(1, 100, vsa(5, 0), 1, 2).
		blockWrite(1, 101, vsa(5, 1), 1, 2).
		blockWrite(1, 102, vsa(5, 2), 1, 2)
	if finished {
		b.stripeMapUpdated(5, 2, 5)
	}
	return b
}

func TestReplay_SimpleFinish(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	r := env.newReplayer()

	require.NoError(t, r.Replay(ctx, simpleStripeLogs(true).logs, nil))
	require.Equal(t, ReplayState_Done, r.GetState())

	for i := 0; i < 3; i++ {
		require.Equal(t, vsa(5, uint64(i)), env.vsaMap.get(1, 100+uint64(i)))
		require.Equal(t, 1, env.segCtx.validated[vsa(5, uint64(i))])
	}
	require.Equal(t, 0, env.segCtx.numInvalidated())
	require.Equal(t, proto.StripeAddr{Loc: proto.StripeLoc_UserArea, StripeId: 5}, env.stripeMap.m[5])
	require.Equal(t, proto.StripeId(2), env.segCtx.stripeAllocations[5])
	require.Equal(t, []proto.StripeId{2}, env.segCtx.flushedWbStripes)
	require.Equal(t, []proto.StripeId{5}, env.segCtx.occupiedStripes)
	require.Equal(t, []proto.StripeId{5}, env.segCtx.segmentAllocations)
	require.Equal(t, 1, env.segCtx.resetCount)

	stripes := r.GetReplayedStripes()
	require.Equal(t, 1, len(stripes))
	status := stripes[0].GetStatus()
	require.True(t, status.IsFlushed())
	require.Equal(t, proto.StripeAddr{Loc: proto.StripeLoc_UserArea, StripeId: 5}, status.GetFinalStripeAddr())
	require.Equal(t, uint32(3), status.GetNumFoundBlockMaps())
	require.Equal(t, uint32(3), status.GetNumUpdatedBlockMaps())
	require.Equal(t, []ReplayEventType{
		ReplayEventType_SegmentAllocation,
		ReplayEventType_StripeAllocation,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_StripeMapUpdate,
		ReplayEventType_StripeFlush,
	}, eventTypes(stripes[0]))

	// flushed stripe releases its write buffer tail and moves the ssd lsid
	require.Equal(t, []int{1}, env.ctxReplayer.resets)
	require.Equal(t, proto.StripeId(5), env.ctxReplayer.ssdLsid)
	require.Equal(t, 0, len(env.wbAllocator.reconstructed))

	require.Equal(t, []SubTaskID{
		SubTask_ReplayFinishedStripes,
		SubTask_ReplayUnfinishedStripes,
		SubTask_FinalizeWriteBufferTail,
		SubTask_FinalizeUserTail,
		SubTask_ResetSegmentStates,
	}, env.reporter.order)
	require.Equal(t, 1, env.reporter.completed[SubTask_ReplayFinishedStripes])
	require.Equal(t, 0, env.reporter.completed[SubTask_ReplayUnfinishedStripes])
}

func TestReplay_StripeCounter(t *testing.T) {
	ctx := context.TODO()
	finished := metrics.ReplayStripeCounter.WithLabelValues("user", "true")
	unfinished := metrics.ReplayStripeCounter.WithLabelValues("user", "false")
	finishedBefore := testutil.ToFloat64(finished)
	unfinishedBefore := testutil.ToFloat64(unfinished)

	require.NoError(t, newTestEnv().newReplayer().Replay(ctx, simpleStripeLogs(true).logs, nil))
	require.Equal(t, finishedBefore+1, testutil.ToFloat64(finished))
	require.Equal(t, unfinishedBefore, testutil.ToFloat64(unfinished))

	require.NoError(t, newTestEnv().newReplayer().Replay(ctx, simpleStripeLogs(false).logs, nil))
	require.Equal(t, finishedBefore+1, testutil.ToFloat64(finished))
	require.Equal(t, unfinishedBefore+1, testutil.ToFloat64(unfinished))
}

func TestReplay_FinishedStripeAlreadyAllocated(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	env.stripeMap.m[5] = proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: 2}
	r := env.newReplayer()

	require.NoError(t, r.Replay(ctx, simpleStripeLogs(true).logs, nil))
	require.Equal(t, 0, len(env.segCtx.stripeAllocations))
	require.Equal(t, []ReplayEventType{
		ReplayEventType_SegmentAllocation,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_StripeMapUpdate,
		ReplayEventType_StripeFlush,
	}, eventTypes(r.GetReplayedStripes()[0]))
}

func TestReplay_CrashBeforeFlush(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	r := env.newReplayer()

	require.NoError(t, r.Replay(ctx, simpleStripeLogs(false).logs, nil))

	stripes := r.GetReplayedStripes()
	require.Equal(t, 1, len(stripes))
	status := stripes[0].GetStatus()
	require.False(t, status.IsFlushed())
	require.Equal(t, []ReplayEventType{
		ReplayEventType_SegmentAllocation,
		ReplayEventType_StripeAllocation,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_BlockMapUpdate,
		ReplayEventType_BlockMapUpdate,
	}, eventTypes(stripes[0]))

	require.Equal(t, proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: 2}, env.stripeMap.m[5])
	require.Equal(t, proto.StripeId(2), env.segCtx.stripeAllocations[5])
	require.Equal(t, 0, len(env.segCtx.flushedWbStripes))
	require.Equal(t, 3, env.segCtx.numValidated())

	// write buffer tail lands right after the last written block
	require.Equal(t, vsa(5, 3), env.ctxReplayer.tails[1])
	require.Equal(t, proto.StripeId(2), env.ctxReplayer.wbLsids[1])
	call := env.wbAllocator.reconstructed[2]
	require.Equal(t, proto.VolumeID(1), call.volId)
	require.Equal(t, vsa(5, 3), call.tail)
	require.Equal(t, map[proto.BlkOffset]proto.BlkAddr{0: 100, 1: 101, 2: 102}, call.revMap)
	require.Equal(t, proto.UnmapStripe, env.ctxReplayer.ssdLsid)
	require.Equal(t, 1, env.reporter.completed[SubTask_ReplayUnfinishedStripes])
}

func TestReplay_UnfinishedStripeAlreadyAllocated(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	env.stripeMap.m[5] = proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: 2}
	r := env.newReplayer()

	require.NoError(t, r.Replay(ctx, simpleStripeLogs(false).logs, nil))
	require.Equal(t, 0, len(env.segCtx.stripeAllocations))
	require.Equal(t, ReplayEventType_SegmentAllocation, eventTypes(r.GetReplayedStripes()[0])[0])
	require.Equal(t, ReplayEventType_BlockMapUpdate, eventTypes(r.GetReplayedStripes()[0])[1])
}

func TestReplay_CheckpointedSuppression(t *testing.T) {
	ctx := context.TODO()
	for _, finished := range []bool{false, true} {
		env := newTestEnv()
		r := env.newReplayer()
		logs := simpleStripeLogs(finished).logs
		logs[1].SegInfoFlushed = true

		require.NoError(t, r.Replay(ctx, logs, nil))
		for i := 0; i < 3; i++ {
			require.Equal(t, vsa(5, uint64(i)), env.vsaMap.get(1, 100+uint64(i)))
		}
		require.Equal(t, 0, env.segCtx.numValidated())
		require.Equal(t, 0, env.segCtx.numInvalidated())
		require.Equal(t, 0, len(env.segCtx.stripeAllocations))
		require.Equal(t, 0, len(env.segCtx.flushedWbStripes))
		require.Equal(t, 0, len(env.segCtx.occupiedStripes))
		if finished {
			require.Equal(t, proto.StripeAddr{Loc: proto.StripeLoc_UserArea, StripeId: 5}, env.stripeMap.m[5])
		} else {
			require.Equal(t, proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: 2}, env.stripeMap.m[5])
		}
	}
}

func TestReplay_GcStaleWrite(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	env.vsaMap.m[blockKey{volId: 1, rba: 200}] = vsa(9, 1)
	r := env.newReplayer()

	b := &logBuilder{}
	b.gcBlockWrite(1, 20, 3, proto.GcBlockMap{Rba: 200, Vsa: vsa(20, 0), OldVsa: vsa(7, 3)}).
		gcStripeFlushed(1, 20, 3, 1)
	require.NoError(t, r.Replay(ctx, b.logs, nil))

	require.Equal(t, vsa(9, 1), env.vsaMap.get(1, 200))
	require.Equal(t, 0, env.segCtx.numInvalidated())
	require.Equal(t, 0, env.segCtx.numValidated())
	status := r.GetReplayedStripes()[0].GetStatus()
	require.True(t, status.IsFlushed())
	require.Equal(t, uint32(0), status.GetNumUpdatedBlockMaps())
	require.Equal(t, proto.StripeAddr{Loc: proto.StripeLoc_UserArea, StripeId: 20}, env.stripeMap.m[20])
	require.Equal(t, []int{proto.GcActiveTailIndex}, env.ctxReplayer.resets)
}

func TestReplay_GcMove(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	env.vsaMap.m[blockKey{volId: 1, rba: 200}] = vsa(7, 3)
	env.vsaMap.m[blockKey{volId: 1, rba: 201}] = vsa(7, 4)
	r := env.newReplayer()

	b := &logBuilder{}
	b.gcBlockWrite(1, 20, 3,
		proto.GcBlockMap{Rba: 200, Vsa: vsa(20, 0), OldVsa: vsa(7, 3)},
		proto.GcBlockMap{Rba: 201, Vsa: vsa(20, 1), OldVsa: vsa(7, 4)}).
		gcStripeFlushed(1, 20, 3, 3)
	require.NoError(t, r.Replay(ctx, b.logs, nil))

	require.Equal(t, vsa(20, 0), env.vsaMap.get(1, 200))
	require.Equal(t, vsa(20, 1), env.vsaMap.get(1, 201))
	require.Equal(t, 1, env.segCtx.invalidated[vsa(7, 3)])
	require.Equal(t, 1, env.segCtx.invalidated[vsa(7, 4)])
	require.Equal(t, 2, env.segCtx.victimReleases)
	require.Equal(t, 1, env.segCtx.validated[vsa(20, 0)])
	require.Equal(t, 1, env.segCtx.validated[vsa(20, 1)])
	require.Equal(t, []proto.StripeId{3}, env.segCtx.flushedWbStripes)
	require.Equal(t, []proto.StripeId{20}, env.segCtx.occupiedStripes)
}

func TestReplay_GcSameStripeMismatch(t *testing.T) {
	env := newTestEnv()
	env.vsaMap.m[blockKey{volId: 1, rba: 200}] = vsa(7, 5)
	r := env.newReplayer()

	b := &logBuilder{}
	b.gcBlockWrite(1, 20, 3, proto.GcBlockMap{Rba: 200, Vsa: vsa(20, 0), OldVsa: vsa(7, 3)}).
		gcStripeFlushed(1, 20, 3, 1)
	require.Panics(t, func() { r.Replay(context.TODO(), b.logs, nil) })
}

func TestReplay_GcUnfinished(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	env.vsaMap.m[blockKey{volId: 1, rba: 200}] = vsa(7, 3)
	r := env.newReplayer()

	b := &logBuilder{}
	b.gcBlockWrite(1, 20, 3, proto.GcBlockMap{Rba: 200, Vsa: vsa(20, 0), OldVsa: vsa(7, 3)})
	require.NoError(t, r.Replay(ctx, b.logs, nil))

	require.Equal(t, vsa(7, 3), env.vsaMap.get(1, 200))
	require.Equal(t, 0, len(r.GetReplayedStripes()[0].GetEvents()))
	require.Equal(t, 0, len(env.stripeMap.m))
	require.Equal(t, 0, len(env.segCtx.segmentAllocations))
	require.Equal(t, 0, len(env.ctxReplayer.resets))
}

func TestReplay_Idempotence(t *testing.T) {
	ctx := context.TODO()
	for _, finished := range []bool{false, true} {
		env := newTestEnv()
		logs := simpleStripeLogs(finished).logs
		require.NoError(t, env.newReplayer().Replay(ctx, logs, nil))

		stripeMap := make(map[proto.StripeId]proto.StripeAddr)
		for k, v := range env.stripeMap.m {
			stripeMap[k] = v
		}
		env.resetCalls()
		require.NoError(t, env.newReplayer().Replay(ctx, logs, nil))

		for i := 0; i < 3; i++ {
			require.Equal(t, vsa(5, uint64(i)), env.vsaMap.get(1, 100+uint64(i)))
		}
		require.Equal(t, stripeMap, env.stripeMap.m)
		require.Equal(t, 0, env.segCtx.numValidated())
		require.Equal(t, 0, env.segCtx.numInvalidated())
		require.Equal(t, 0, len(env.segCtx.stripeAllocations))
		require.Equal(t, 0, len(env.segCtx.flushedWbStripes))
	}
}

func TestReplay_OverwriteCountedOnce(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	r := env.newReplayer()

	b := &logBuilder{}
	b.blockWrite(1, 100, vsa(5, 0), 1, 2).
		stripeMapUpdated(5, 2, 5).
		blockWrite(1, 100, vsa(6, 0), 1, 3).
		blockWrite(1, 100, vsa(6, 1), 1, 3).
		stripeMapUpdated(6, 3, 6)
	require.NoError(t, r.Replay(ctx, b.logs, nil))

	require.Equal(t, vsa(6, 1), env.vsaMap.get(1, 100))
	require.Equal(t, 1, env.segCtx.validated[vsa(5, 0)])
	require.Equal(t, 1, env.segCtx.validated[vsa(6, 0)])
	require.Equal(t, 1, env.segCtx.validated[vsa(6, 1)])
	require.Equal(t, 1, env.segCtx.invalidated[vsa(5, 0)])
	require.Equal(t, 1, env.segCtx.invalidated[vsa(6, 0)])
	require.Equal(t, uint32(2), r.GetReplayedStripes()[1].GetStatus().GetNumInvalidatedBlocks())
}

func TestReplay_OlderStripeReplayedLater(t *testing.T) {
	ctx := context.TODO()
	for _, finished := range []bool{false, true} {
		env := newTestEnv()
		r := env.newReplayer()

		b := &logBuilder{}
		b.blockWrite(1, 100, vsa(5, 0), 1, 2).
			blockWrite(1, 100, vsa(6, 0), 1, 3).
			stripeMapUpdated(6, 3, 6)
		if finished {
			b.stripeMapUpdated(5, 2, 5)
		}
		require.NoError(t, r.Replay(ctx, b.logs, nil))

		require.Equal(t, vsa(6, 0), env.vsaMap.get(1, 100))
		require.Equal(t, 1, env.segCtx.numValidated())
		require.Equal(t, 1, env.segCtx.validated[vsa(6, 0)])
		require.Equal(t, 0, env.segCtx.numInvalidated())
	}
}

func TestReplay_DeletedVolume(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	r := env.newReplayer()

	b := simpleStripeLogs(true)
	b.volumeDeleted(1)
	logs, deletingLogs := split(b.logs)
	require.NoError(t, r.Replay(ctx, logs, deletingLogs))

	require.True(t, env.vsaMap.get(1, 100).IsUnmapped())
	require.Equal(t, 0, env.segCtx.numValidated())
	require.Equal(t, proto.StripeAddr{Loc: proto.StripeLoc_UserArea, StripeId: 5}, env.stripeMap.m[5])
	for _, typ := range eventTypes(r.GetReplayedStripes()[0]) {
		require.NotEqual(t, ReplayEventType_BlockMapUpdate, typ)
	}

	// a volume deleted before the writes keeps them
	env = newTestEnv()
	r = env.newReplayer()
	b = &logBuilder{}
	b.volumeDeleted(1)
	b.blockWrite(1, 100, vsa(5, 0), 1, 2).stripeMapUpdated(5, 2, 5)
	logs, deletingLogs = split(b.logs)
	require.NoError(t, r.Replay(ctx, logs, deletingLogs))
	require.Equal(t, vsa(5, 0), env.vsaMap.get(1, 100))
}

func TestReplay_StripeReusedAfterFlush(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	r := env.newReplayer()

	b := &logBuilder{}
	b.blockWrite(1, 100, vsa(5, 0), 1, 2).
		stripeMapUpdated(5, 2, 5).
		blockWrite(1, 300, vsa(5, 0), 1, 4)
	require.NoError(t, r.Replay(ctx, b.logs, nil))

	stripes := r.GetReplayedStripes()
	require.Equal(t, 2, len(stripes))
	require.True(t, stripes[0].GetStatus().IsFlushed())
	require.False(t, stripes[1].GetStatus().IsFlushed())
	require.Equal(t, proto.StripeId(4), stripes[1].GetStatus().GetWbLsid())
}

func TestReplay_Failure(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv()
	ioErr := errors.New("io error")
	env.vsaMap.setErr = ioErr
	r := env.newReplayer()

	err := r.Replay(ctx, simpleStripeLogs(true).logs, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, apierrors.ErrReplayFailed))
	var replayErr *ReplayError
	require.True(t, errors.As(err, &replayErr))
	require.Equal(t, proto.StripeId(5), replayErr.Vsid)
	require.Equal(t, ReplayState_ReplayFinishedStripes, replayErr.State)
	require.Equal(t, ReplayState_Failed, r.GetState())
	require.Equal(t, 0, env.segCtx.resetCount)

	env = newTestEnv()
	env.wbAllocator.err = ioErr
	r = env.newReplayer()
	err = r.Replay(ctx, simpleStripeLogs(false).logs, nil)
	require.True(t, errors.As(err, &replayErr))
	require.Equal(t, proto.UnmapStripe, replayErr.Vsid)
	require.Equal(t, ReplayState_FinalizeWriteBufferTail, replayErr.State)
}

func TestReplay_NotReusable(t *testing.T) {
	env := newTestEnv()
	r := env.newReplayer()
	require.NoError(t, r.Replay(context.TODO(), nil, nil))
	require.Equal(t, ReplayState_Done, r.GetState())
	require.Panics(t, func() { r.Replay(context.TODO(), nil, nil) })
}
