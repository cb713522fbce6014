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
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/allocator"
	"github.com/cubefs/journal/proto"
)

// StripeInfo is what the active write buffer replayer needs from a replayed
// stripe
type StripeInfo struct {
	VolId      proto.VolumeID
	Vsid       proto.StripeId
	WbLsid     proto.StripeId
	UserLsid   proto.StripeId
	LastOffset proto.BlkOffset
	WbIndex    int
	OpenTime   uint64
	Flushed    bool
}

func (s StripeInfo) tail() proto.VirtualBlkAddr {
	return proto.VirtualBlkAddr{StripeId: s.Vsid, Offset: s.LastOffset + 1}
}

// ActiveWBStripeReplayer restores the active stripe tail of every write
// buffer index and rebuilds the reverse map of write buffer stripes left
// unflushed. Tails stored by the context replayer are restored too while
// their stripe is still in the write buffer.
type ActiveWBStripeReplayer struct {
	ctxReplayer   ContextReplayer
	wbAllocator   WBStripeAllocator
	stripeMap     StripeMap
	blksPerStripe uint64

	tails   []proto.VirtualBlkAddr
	found   map[int][]StripeInfo
	revMaps map[proto.StripeId]map[proto.BlkOffset]proto.BlkAddr
}

func NewActiveWBStripeReplayer(ctxReplayer ContextReplayer, wbAllocator WBStripeAllocator, stripeMap StripeMap,
	blksPerStripe uint64,
) *ActiveWBStripeReplayer {
	return &ActiveWBStripeReplayer{
		ctxReplayer:   ctxReplayer,
		wbAllocator:   wbAllocator,
		stripeMap:     stripeMap,
		blksPerStripe: blksPerStripe,
		tails:         ctxReplayer.GetAllActiveStripeTail(),
		found:         make(map[int][]StripeInfo),
		revMaps:       make(map[proto.StripeId]map[proto.BlkOffset]proto.BlkAddr),
	}
}

func (r *ActiveWBStripeReplayer) Update(info StripeInfo) {
	r.found[info.WbIndex] = append(r.found[info.WbIndex], info)
	if info.Flushed {
		delete(r.revMaps, info.Vsid)
	}
}

// UpdateRevMap records the volume block stored at offset of an unflushed
// stripe
func (r *ActiveWBStripeReplayer) UpdateRevMap(vsid proto.StripeId, offset proto.BlkOffset, rba proto.BlkAddr) {
	revMap, ok := r.revMaps[vsid]
	if !ok {
		revMap = make(map[proto.BlkOffset]proto.BlkAddr)
		r.revMaps[vsid] = revMap
	}
	revMap[offset] = rba
}

// Replay walks the write buffer indexes in order. The newest stripe of an
// index becomes its active tail unless it is flushed or full; every other
// unflushed stripe is left pending flush.
func (r *ActiveWBStripeReplayer) Replay(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := r.restoreStoredTails(ctx); err != nil {
		return err
	}

	indexes := make([]int, 0, len(r.found))
	for index := range r.found {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	for _, index := range indexes {
		stripes := r.found[index]
		sort.SliceStable(stripes, func(i, j int) bool { return stripes[i].OpenTime < stripes[j].OpenTime })

		last := len(stripes) - 1
		for _, stripe := range stripes[:last] {
			if stripe.Flushed {
				continue
			}
			if err := r.addPendingStripe(ctx, stripe); err != nil {
				return err
			}
		}

		active := stripes[last]
		switch {
		case active.Flushed:
			r.ctxReplayer.ResetActiveStripeTail(index)
		case active.tail().Offset >= r.blksPerStripe:
			if err := r.addPendingStripe(ctx, active); err != nil {
				return err
			}
			r.ctxReplayer.ResetActiveStripeTail(index)
		default:
			if err := r.reconstruct(ctx, active); err != nil {
				return err
			}
			r.ctxReplayer.SetActiveStripeTail(index, active.tail(), active.WbLsid)
		}

		var prev proto.VirtualBlkAddr
		if index < len(r.tails) {
			prev = r.tails[index]
		}
		span.Debugf("write buffer index %d active stripe %d, flushed: %t, tail %s -> %s",
			index, active.Vsid, active.Flushed, prev, active.tail())
	}
	return nil
}

// restoreStoredTails turns every stored tail whose stripe still lives in the
// write buffer into a stripe of its index. A stripe also found in the logs
// keeps the larger offset. A restored stripe is older than any logged one.
func (r *ActiveWBStripeReplayer) restoreStoredTails(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	for index, tail := range r.tails {
		if tail.StripeId == proto.UnmapStripe {
			continue
		}
		// nothing written yet or already full
		if tail.Offset == 0 || tail.Offset >= r.blksPerStripe {
			continue
		}
		addr, err := r.stripeMap.GetLSA(ctx, tail.StripeId)
		if err != nil {
			return errors.Info(err, "read stripe map of stored tail", index, tail)
		}
		if addr.IsUnmapped() || !addr.InWriteBuffer() {
			span.Debugf("stored tail %s of index %d skipped, stripe at %s", tail, index, addr)
			continue
		}

		merged := false
		stripes := r.found[index]
		for i := range stripes {
			if stripes[i].Vsid != tail.StripeId {
				continue
			}
			if !stripes[i].Flushed && stripes[i].LastOffset < tail.Offset-1 {
				stripes[i].LastOffset = tail.Offset - 1
			}
			merged = true
		}
		if merged {
			continue
		}
		r.found[index] = append(stripes, StripeInfo{
			VolId:      proto.VolumeID(index),
			Vsid:       tail.StripeId,
			WbLsid:     addr.StripeId,
			UserLsid:   tail.StripeId,
			LastOffset: tail.Offset - 1,
			WbIndex:    index,
		})
		span.Infof("stored tail %s of index %d restored, write buffer stripe %d", tail, index, addr.StripeId)
	}
	return nil
}

func (r *ActiveWBStripeReplayer) addPendingStripe(ctx context.Context, stripe StripeInfo) error {
	if err := r.reconstruct(ctx, stripe); err != nil {
		return err
	}
	r.wbAllocator.AddPendingStripe(allocator.PendingStripe{
		VolId:   stripe.VolId,
		WbLsid:  stripe.WbLsid,
		TailVsa: stripe.tail(),
	})
	trace.SpanFromContextSafe(ctx).Infof("stripe %d in write buffer stripe %d pending flush", stripe.Vsid, stripe.WbLsid)
	return nil
}

func (r *ActiveWBStripeReplayer) reconstruct(ctx context.Context, stripe StripeInfo) error {
	err := r.wbAllocator.ReconstructActiveStripe(ctx, stripe.VolId, stripe.WbLsid, stripe.tail(), r.revMaps[stripe.Vsid])
	if err != nil {
		return errors.Info(err, "reconstruct active stripe", stripe.Vsid, stripe.WbLsid)
	}
	return nil
}

// ActiveUserStripeReplayer restores the last allocated user area stripe
type ActiveUserStripeReplayer struct {
	ctxReplayer ContextReplayer

	found   bool
	maxLsid proto.StripeId
}

func NewActiveUserStripeReplayer(ctxReplayer ContextReplayer) *ActiveUserStripeReplayer {
	return &ActiveUserStripeReplayer{ctxReplayer: ctxReplayer}
}

func (r *ActiveUserStripeReplayer) Update(userLsid proto.StripeId) {
	if !r.found || userLsid > r.maxLsid {
		r.maxLsid = userLsid
	}
	r.found = true
}

func (r *ActiveUserStripeReplayer) Replay(ctx context.Context) error {
	if !r.found {
		return nil
	}
	r.ctxReplayer.ReplaySsdLsid(r.maxLsid)
	trace.SpanFromContextSafe(ctx).Debugf("ssd lsid replayed to %d", r.maxLsid)
	return nil
}
