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

package allocator

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/common/kvstore"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/proto"
)

type SegmentState uint8

const (
	SegmentState_Free SegmentState = iota
	SegmentState_Nvram
	SegmentState_Ssd
	SegmentState_Victim
)

func (s SegmentState) String() string {
	switch s {
	case SegmentState_Free:
		return "Free"
	case SegmentState_Nvram:
		return "Nvram"
	case SegmentState_Ssd:
		return "Ssd"
	case SegmentState_Victim:
		return "Victim"
	default:
		return fmt.Sprintf("SegmentState(%d)", uint8(s))
	}
}

type SegmentInfo struct {
	ValidBlockCount     uint32       `json:"valid_block_count"`
	OccupiedStripeCount uint32       `json:"occupied_stripe_count"`
	State               SegmentState `json:"state"`
}

// SegmentCtx tracks per segment block validity and occupancy, and which
// write buffer stripes are in use
type SegmentCtx struct {
	cfg     *Config
	kvStore kvstore.Store

	segments  []SegmentInfo
	wbStripes []bool
	version   uint32
	lock      sync.RWMutex
}

func newSegmentCtx(ctx context.Context, kvStore kvstore.Store, cfg *Config) (*SegmentCtx, error) {
	s := &SegmentCtx{
		cfg:       cfg,
		kvStore:   kvStore,
		segments:  make([]SegmentInfo, cfg.NumUserSegments),
		wbStripes: make([]bool, cfg.NumWbStripes),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SegmentCtx) ValidateBlks(ctx context.Context, vsa proto.VirtualBlkAddr, numBlks uint32) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	segId, err := s.getSegmentId(vsa.StripeId)
	if err != nil {
		return err
	}
	seg := &s.segments[segId]
	if uint64(seg.ValidBlockCount)+uint64(numBlks) > s.cfg.BlksPerSegment() {
		return errors.Info(apierrors.ErrValidCountOverflow, "validate", vsa, numBlks)
	}
	seg.ValidBlockCount += numBlks
	return nil
}

// InvalidateBlks decreases the valid count of the segment holding vsa.
// A fully occupied segment left without valid block is freed, a victim
// segment only when allowVictimRelease is set.
func (s *SegmentCtx) InvalidateBlks(ctx context.Context, vsa proto.VirtualBlkAddr, numBlks uint32, allowVictimRelease bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	segId, err := s.getSegmentId(vsa.StripeId)
	if err != nil {
		return err
	}
	seg := &s.segments[segId]
	if seg.ValidBlockCount < numBlks {
		return errors.Info(apierrors.ErrValidCountUnderflow, "invalidate", vsa, numBlks, seg.ValidBlockCount)
	}
	seg.ValidBlockCount -= numBlks
	if seg.ValidBlockCount > 0 {
		return nil
	}
	if seg.State == SegmentState_Ssd || (seg.State == SegmentState_Victim && allowVictimRelease) {
		trace.SpanFromContextSafe(ctx).Debugf("segment[%d] freed, state: %s", segId, seg.State)
		s.freeSegment(seg)
	}
	return nil
}

func (s *SegmentCtx) ReplaySegmentAllocation(ctx context.Context, userLsid proto.StripeId) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	segId, err := s.getSegmentId(userLsid)
	if err != nil {
		return err
	}
	if s.segments[segId].State == SegmentState_Free {
		s.segments[segId].State = SegmentState_Nvram
	}
	return nil
}

func (s *SegmentCtx) ReplayStripeAllocation(ctx context.Context, vsid proto.StripeId, wbLsid proto.StripeId) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.getSegmentId(vsid); err != nil {
		return err
	}
	if wbLsid >= s.cfg.NumWbStripes {
		return errors.Info(apierrors.ErrLsidOutOfRange, "stripe allocation", vsid, wbLsid)
	}
	s.wbStripes[wbLsid] = true
	return nil
}

// ReplayStripeFlushed releases the write buffer stripe
func (s *SegmentCtx) ReplayStripeFlushed(ctx context.Context, wbLsid proto.StripeId) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if wbLsid >= s.cfg.NumWbStripes {
		return errors.Info(apierrors.ErrLsidOutOfRange, "stripe flushed", wbLsid)
	}
	s.wbStripes[wbLsid] = false
	return nil
}

// TryUpdateSegmentValidBlocks accounts one more flushed stripe to the
// segment holding userLsid. A segment whose stripes are all flushed moves to
// Ssd, or back to Free when none of its blocks is valid anymore.
func (s *SegmentCtx) TryUpdateSegmentValidBlocks(ctx context.Context, userLsid proto.StripeId) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	segId, err := s.getSegmentId(userLsid)
	if err != nil {
		return err
	}
	seg := &s.segments[segId]
	if seg.OccupiedStripeCount >= s.cfg.StripesPerSegment {
		trace.SpanFromContextSafe(ctx).Warnf("segment[%d] already fully occupied, stripe[%d]", segId, userLsid)
		return nil
	}
	seg.OccupiedStripeCount++
	if seg.OccupiedStripeCount < s.cfg.StripesPerSegment {
		return nil
	}
	if seg.ValidBlockCount == 0 {
		s.freeSegment(seg)
		return nil
	}
	if seg.State != SegmentState_Victim {
		seg.State = SegmentState_Ssd
	}
	return nil
}

// ResetSegmentStates settles states left over by replay: victims go back to
// Ssd, full segments become Ssd or Free, and a Free segment still holding
// valid blocks is reopened as Nvram
func (s *SegmentCtx) ResetSegmentStates(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	s.lock.Lock()
	defer s.lock.Unlock()

	for segId := range s.segments {
		seg := &s.segments[segId]
		old := seg.State
		switch {
		case seg.OccupiedStripeCount == s.cfg.StripesPerSegment && seg.ValidBlockCount == 0:
			s.freeSegment(seg)
		case seg.OccupiedStripeCount == s.cfg.StripesPerSegment:
			seg.State = SegmentState_Ssd
		case seg.State == SegmentState_Victim:
			seg.State = SegmentState_Ssd
		case seg.State == SegmentState_Free && seg.ValidBlockCount > 0:
			seg.State = SegmentState_Nvram
		}
		if old != seg.State {
			span.Debugf("segment[%d] state reset from %s to %s", segId, old, seg.State)
		}
	}
	return nil
}

// SetVictim marks a segment picked by gc
func (s *SegmentCtx) SetVictim(segId uint32) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if segId >= uint32(len(s.segments)) {
		return apierrors.ErrSegmentOutOfRange
	}
	if s.segments[segId].State != SegmentState_Ssd {
		return errors.Info(apierrors.ErrSegmentOutOfRange, "segment is not ssd", segId, s.segments[segId].State)
	}
	s.segments[segId].State = SegmentState_Victim
	return nil
}

func (s *SegmentCtx) GetSegmentInfo(segId uint32) SegmentInfo {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.segments[segId]
}

func (s *SegmentCtx) IsWbStripeAllocated(wbLsid proto.StripeId) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.wbStripes[wbLsid]
}

func (s *SegmentCtx) GetVersion() uint32 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.version
}

// Stats returns the number of segments per state and the number of write
// buffer stripes in use
func (s *SegmentCtx) Stats() (states map[string]int, wbStripesInUse int) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	states = make(map[string]int)
	for i := range s.segments {
		states[s.segments[i].State.String()]++
	}
	for _, used := range s.wbStripes {
		if used {
			wbStripesInUse++
		}
	}
	return
}

// Flush persists every segment and bumps the context version
func (s *SegmentCtx) Flush(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	version := s.version + 1
	for segId := range s.segments {
		batch.Put(segmentCF, encodeSegmentKey(uint32(segId)), encodeSegmentInfo(s.segments[segId]))
	}
	batch.Put(segmentCF, wbStripesKey, encodeBitmap(s.wbStripes))
	batch.Put(segmentCF, versionKey, encodeUint32(version))
	if err := s.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "flush segment context failed")
	}
	s.version = version
	trace.SpanFromContextSafe(ctx).Infof("segment context flushed, version: %d", version)
	return nil
}

func (s *SegmentCtx) load(ctx context.Context) error {
	raw, err := s.kvStore.GetRaw(ctx, segmentCF, versionKey)
	if err == kvstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Info(err, "load segment context version failed")
	}
	s.version = decodeUint32(raw)

	raw, err = s.kvStore.GetRaw(ctx, segmentCF, wbStripesKey)
	if err != nil && err != kvstore.ErrNotFound {
		return errors.Info(err, "load write buffer stripes failed")
	}
	decodeBitmap(raw, s.wbStripes)

	lr := s.kvStore.List(ctx, segmentCF, segmentKeyPrefix, nil)
	defer lr.Close()
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return errors.Info(err, "load segments failed")
		}
		if kg == nil || vg == nil {
			break
		}
		segId := decodeSegmentKey(kg.Key())
		if segId < uint32(len(s.segments)) {
			s.segments[segId] = decodeSegmentInfo(vg.Value())
		}
		kg.Close()
		vg.Close()
	}
	return nil
}

func (s *SegmentCtx) getSegmentId(lsid proto.StripeId) (uint32, error) {
	segId := lsid / s.cfg.StripesPerSegment
	if segId >= uint32(len(s.segments)) {
		return 0, errors.Info(apierrors.ErrSegmentOutOfRange, "stripe", lsid)
	}
	return segId, nil
}

func (s *SegmentCtx) freeSegment(seg *SegmentInfo) {
	seg.State = SegmentState_Free
	seg.OccupiedStripeCount = 0
	seg.ValidBlockCount = 0
}
