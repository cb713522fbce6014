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
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/common/kvstore"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/proto"
)

type RevMapEntry struct {
	VolId proto.VolumeID `json:"vol_id"`
	Rba   proto.BlkAddr  `json:"rba"`
}

// PendingStripe is a write buffer stripe found unflushed behind a newer
// active stripe of the same index; it still has to be flushed after mount
type PendingStripe struct {
	VolId   proto.VolumeID       `json:"vol_id"`
	WbLsid  proto.StripeId       `json:"wb_lsid"`
	TailVsa proto.VirtualBlkAddr `json:"tail_vsa"`
}

// WBStripeAllocator rebuilds write buffer stripes that were still open at
// crash time: their reverse map and the list of stripes pending flush
type WBStripeAllocator struct {
	cfg     *Config
	kvStore kvstore.Store

	pendingStripes []PendingStripe
	lock           sync.Mutex
}

func newWBStripeAllocator(kvStore kvstore.Store, cfg *Config) *WBStripeAllocator {
	return &WBStripeAllocator{cfg: cfg, kvStore: kvStore}
}

// ReconstructActiveStripe persists the reverse map of a write buffer stripe,
// offset to (volume, rba), for every offset before tailVsa. Entries stored
// before tailVsa and absent from revMap are kept.
func (w *WBStripeAllocator) ReconstructActiveStripe(ctx context.Context, volId proto.VolumeID, wbLsid proto.StripeId,
	tailVsa proto.VirtualBlkAddr, revMap map[proto.BlkOffset]proto.BlkAddr,
) error {
	span := trace.SpanFromContextSafe(ctx)
	if wbLsid >= w.cfg.NumWbStripes {
		return errors.Info(apierrors.ErrLsidOutOfRange, "reconstruct stripe", wbLsid)
	}
	if tailVsa.Offset > w.cfg.BlksPerStripe {
		return errors.Info(apierrors.ErrRbaOutOfRange, "reconstruct stripe tail", tailVsa)
	}

	batch := w.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(revMapCF, encodeRevMapKey(wbLsid, tailVsa.Offset), encodeRevMapPrefix(wbLsid+1))
	for offset, rba := range revMap {
		if offset >= tailVsa.Offset {
			continue
		}
		batch.Put(revMapCF, encodeRevMapKey(wbLsid, offset), encodeRevMapEntry(RevMapEntry{VolId: volId, Rba: rba}))
	}
	if err := w.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "write reverse map failed", wbLsid)
	}
	span.Debugf("stripe reconstructed, vol: %d, wbLsid: %d, tail: %s, blocks: %d", volId, wbLsid, tailVsa, len(revMap))
	return nil
}

func (w *WBStripeAllocator) AddPendingStripe(stripe PendingStripe) {
	w.lock.Lock()
	w.pendingStripes = append(w.pendingStripes, stripe)
	w.lock.Unlock()
}

func (w *WBStripeAllocator) GetPendingStripes() []PendingStripe {
	w.lock.Lock()
	defer w.lock.Unlock()
	ret := make([]PendingStripe, len(w.pendingStripes))
	copy(ret, w.pendingStripes)
	return ret
}

// GetReverseMap returns the reverse map of a write buffer stripe sorted by
// offset
func (w *WBStripeAllocator) GetReverseMap(ctx context.Context, wbLsid proto.StripeId) ([]proto.BlkOffset, []RevMapEntry, error) {
	lr := w.kvStore.List(ctx, revMapCF, encodeRevMapPrefix(wbLsid), nil)
	defer lr.Close()

	type item struct {
		offset proto.BlkOffset
		entry  RevMapEntry
	}
	var items []item
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return nil, nil, err
		}
		if kg == nil || vg == nil {
			break
		}
		_, offset := decodeRevMapKey(kg.Key())
		items = append(items, item{offset: offset, entry: decodeRevMapEntry(vg.Value())})
		kg.Close()
		vg.Close()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].offset < items[j].offset })

	offsets := make([]proto.BlkOffset, len(items))
	entries := make([]RevMapEntry, len(items))
	for i := range items {
		offsets[i] = items[i].offset
		entries[i] = items[i].entry
	}
	return offsets, entries, nil
}
