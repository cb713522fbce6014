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

	"github.com/cubefs/journal/allocator"
	"github.com/cubefs/journal/proto"
)

type mockVSAMap struct {
	m      map[blockKey]proto.VirtualBlkAddr
	setErr error
}

func newMockVSAMap() *mockVSAMap {
	return &mockVSAMap{m: make(map[blockKey]proto.VirtualBlkAddr)}
}

func (v *mockVSAMap) GetVSA(ctx context.Context, volId proto.VolumeID, rba proto.BlkAddr) (proto.VirtualBlkAddr, error) {
	if vsa, ok := v.m[blockKey{volId: volId, rba: rba}]; ok {
		return vsa, nil
	}
	return proto.UnmapVsa, nil
}

func (v *mockVSAMap) SetVSA(ctx context.Context, volId proto.VolumeID, rba proto.BlkAddr, vsa proto.VirtualBlkAddr) error {
	if v.setErr != nil {
		return v.setErr
	}
	v.m[blockKey{volId: volId, rba: rba}] = vsa
	return nil
}

func (v *mockVSAMap) get(volId proto.VolumeID, rba proto.BlkAddr) proto.VirtualBlkAddr {
	vsa, _ := v.GetVSA(context.TODO(), volId, rba)
	return vsa
}

type mockStripeMap struct {
	m map[proto.StripeId]proto.StripeAddr
}

func newMockStripeMap() *mockStripeMap {
	return &mockStripeMap{m: make(map[proto.StripeId]proto.StripeAddr)}
}

func (s *mockStripeMap) GetLSA(ctx context.Context, vsid proto.StripeId) (proto.StripeAddr, error) {
	if addr, ok := s.m[vsid]; ok {
		return addr, nil
	}
	return proto.UnmapStripeAddr, nil
}

func (s *mockStripeMap) SetLSA(ctx context.Context, vsid proto.StripeId, addr proto.StripeAddr) error {
	s.m[vsid] = addr
	return nil
}

type mockSegmentCtx struct {
	validated          map[proto.VirtualBlkAddr]int
	invalidated        map[proto.VirtualBlkAddr]int
	victimReleases     int
	segmentAllocations []proto.StripeId
	stripeAllocations  map[proto.StripeId]proto.StripeId
	flushedWbStripes   []proto.StripeId
	occupiedStripes    []proto.StripeId
	resetCount         int
}

func newMockSegmentCtx() *mockSegmentCtx {
	return &mockSegmentCtx{
		validated:         make(map[proto.VirtualBlkAddr]int),
		invalidated:       make(map[proto.VirtualBlkAddr]int),
		stripeAllocations: make(map[proto.StripeId]proto.StripeId),
	}
}

func (s *mockSegmentCtx) InvalidateBlks(ctx context.Context, vsa proto.VirtualBlkAddr, numBlks uint32, allowVictimRelease bool) error {
	s.invalidated[vsa] += int(numBlks)
	if allowVictimRelease {
		s.victimReleases++
	}
	return nil
}

func (s *mockSegmentCtx) ValidateBlks(ctx context.Context, vsa proto.VirtualBlkAddr, numBlks uint32) error {
	s.validated[vsa] += int(numBlks)
	return nil
}

func (s *mockSegmentCtx) ReplayStripeAllocation(ctx context.Context, vsid proto.StripeId, wbLsid proto.StripeId) error {
	s.stripeAllocations[vsid] = wbLsid
	return nil
}

func (s *mockSegmentCtx) ReplaySegmentAllocation(ctx context.Context, userLsid proto.StripeId) error {
	s.segmentAllocations = append(s.segmentAllocations, userLsid)
	return nil
}

func (s *mockSegmentCtx) ReplayStripeFlushed(ctx context.Context, wbLsid proto.StripeId) error {
	s.flushedWbStripes = append(s.flushedWbStripes, wbLsid)
	return nil
}

func (s *mockSegmentCtx) TryUpdateSegmentValidBlocks(ctx context.Context, userLsid proto.StripeId) error {
	s.occupiedStripes = append(s.occupiedStripes, userLsid)
	return nil
}

func (s *mockSegmentCtx) ResetSegmentStates(ctx context.Context) error {
	s.resetCount++
	return nil
}

func (s *mockSegmentCtx) numValidated() (n int) {
	for _, c := range s.validated {
		n += c
	}
	return
}

func (s *mockSegmentCtx) numInvalidated() (n int) {
	for _, c := range s.invalidated {
		n += c
	}
	return
}

type mockContextReplayer struct {
	tails   []proto.VirtualBlkAddr
	wbLsids map[int]proto.StripeId
	resets  []int
	ssdLsid proto.StripeId
}

func newMockContextReplayer() *mockContextReplayer {
	tails := make([]proto.VirtualBlkAddr, proto.ActiveStripeTailArrLen)
	for i := range tails {
		tails[i] = proto.UnmapVsa
	}
	return &mockContextReplayer{tails: tails, wbLsids: make(map[int]proto.StripeId), ssdLsid: proto.UnmapStripe}
}

func (c *mockContextReplayer) GetAllActiveStripeTail() []proto.VirtualBlkAddr {
	ret := make([]proto.VirtualBlkAddr, len(c.tails))
	copy(ret, c.tails)
	return ret
}

func (c *mockContextReplayer) SetActiveStripeTail(index int, tail proto.VirtualBlkAddr, wbLsid proto.StripeId) {
	c.tails[index] = tail
	c.wbLsids[index] = wbLsid
}

func (c *mockContextReplayer) ResetActiveStripeTail(index int) {
	c.tails[index] = proto.UnmapVsa
	c.resets = append(c.resets, index)
}

func (c *mockContextReplayer) ReplaySsdLsid(lsid proto.StripeId) {
	c.ssdLsid = lsid
}

type reconstructCall struct {
	volId  proto.VolumeID
	tail   proto.VirtualBlkAddr
	revMap map[proto.BlkOffset]proto.BlkAddr
}

type mockWBStripeAllocator struct {
	reconstructed map[proto.StripeId]reconstructCall
	pending       []allocator.PendingStripe
	err           error
}

func newMockWBStripeAllocator() *mockWBStripeAllocator {
	return &mockWBStripeAllocator{reconstructed: make(map[proto.StripeId]reconstructCall)}
}

func (w *mockWBStripeAllocator) ReconstructActiveStripe(ctx context.Context, volId proto.VolumeID, wbLsid proto.StripeId,
	tailVsa proto.VirtualBlkAddr, revMap map[proto.BlkOffset]proto.BlkAddr,
) error {
	if w.err != nil {
		return w.err
	}
	w.reconstructed[wbLsid] = reconstructCall{volId: volId, tail: tailVsa, revMap: revMap}
	return nil
}

func (w *mockWBStripeAllocator) AddPendingStripe(stripe allocator.PendingStripe) {
	w.pending = append(w.pending, stripe)
}

type mockReporter struct {
	completed map[SubTaskID]int
	order     []SubTaskID
}

func (r *mockReporter) SubTaskCompleted(taskId SubTaskID, numCompleted int) {
	if r.completed == nil {
		r.completed = make(map[SubTaskID]int)
	}
	r.completed[taskId] += numCompleted
	r.order = append(r.order, taskId)
}

const testBlksPerStripe = 8

type testEnv struct {
	vsaMap      *mockVSAMap
	stripeMap   *mockStripeMap
	segCtx      *mockSegmentCtx
	ctxReplayer *mockContextReplayer
	wbAllocator *mockWBStripeAllocator
	reporter    *mockReporter
}

func newTestEnv() *testEnv {
	return &testEnv{
		vsaMap:      newMockVSAMap(),
		stripeMap:   newMockStripeMap(),
		segCtx:      newMockSegmentCtx(),
		ctxReplayer: newMockContextReplayer(),
		wbAllocator: newMockWBStripeAllocator(),
		reporter:    &mockReporter{},
	}
}

func (e *testEnv) newReplayer() *LogReplayer {
	return NewLogReplayer(&Config{
		VSAMap:            e.vsaMap,
		StripeMap:         e.stripeMap,
		SegmentCtx:        e.segCtx,
		ContextReplayer:   e.ctxReplayer,
		WBStripeAllocator: e.wbAllocator,
		Reporter:          e.reporter,
		BlksPerStripe:     testBlksPerStripe,
	})
}

// resetCalls forgets the collaborator calls but keeps the map contents
func (e *testEnv) resetCalls() {
	e.segCtx = newMockSegmentCtx()
	e.ctxReplayer = newMockContextReplayer()
	e.wbAllocator = newMockWBStripeAllocator()
	e.reporter = &mockReporter{}
}

// logBuilder hands out arrival times in call order
type logBuilder struct {
	time uint64
	logs []ReplayLog
}

func (b *logBuilder) add(l proto.Log) *logBuilder {
	b.time++
	b.logs = append(b.logs, ReplayLog{Log: l, Time: b.time})
	return b
}

func (b *logBuilder) blockWrite(volId proto.VolumeID, rba proto.BlkAddr, vsa proto.VirtualBlkAddr, numBlks uint32, wbLsid proto.StripeId) *logBuilder {
	return b.add(&proto.BlockWriteDoneLog{
		VolId:                 volId,
		StartRba:              rba,
		NumBlks:               numBlks,
		StartVsa:              vsa,
		WbIndex:               int(volId),
		WriteBufferStripeAddr: proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: wbLsid},
	})
}

func (b *logBuilder) stripeMapUpdated(vsid, wbLsid, userLsid proto.StripeId) *logBuilder {
	return b.add(&proto.StripeMapUpdatedLog{
		Vsid:   vsid,
		OldMap: proto.StripeAddr{Loc: proto.StripeLoc_WriteBuffer, StripeId: wbLsid},
		NewMap: proto.StripeAddr{Loc: proto.StripeLoc_UserArea, StripeId: userLsid},
	})
}

func (b *logBuilder) gcBlockWrite(volId proto.VolumeID, vsid, wbLsid proto.StripeId, blockMaps ...proto.GcBlockMap) *logBuilder {
	return b.add(&proto.GcBlockWriteDoneLog{VolId: volId, Vsid: vsid, WbLsid: wbLsid, BlockMaps: blockMaps})
}

func (b *logBuilder) gcStripeFlushed(volId proto.VolumeID, vsid, wbLsid proto.StripeId, total uint32) *logBuilder {
	return b.add(&proto.GcStripeFlushedLog{VolId: volId, Vsid: vsid, WbLsid: wbLsid, UserLsid: vsid, TotalNumBlockMaps: total})
}

func (b *logBuilder) volumeDeleted(volId proto.VolumeID) *logBuilder {
	return b.add(&proto.VolumeDeletedLog{VolId: volId})
}

func vsa(vsid proto.StripeId, offset proto.BlkOffset) proto.VirtualBlkAddr {
	return proto.VirtualBlkAddr{StripeId: vsid, Offset: offset}
}

// split separates the volume deletion records the way the log list does
func split(logs []ReplayLog) (replayLogs, deletingLogs []ReplayLog) {
	for _, l := range logs {
		if l.Log.GetType() == proto.LogType_VolumeDeleted {
			deletingLogs = append(deletingLogs, l)
			continue
		}
		replayLogs = append(replayLogs, l)
	}
	return
}
