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
	"github.com/cubefs/journal/proto"
)

// ActiveStripeTail is where the next block of an active write buffer stripe
// goes
type ActiveStripeTail struct {
	Vsa    proto.VirtualBlkAddr `json:"vsa"`
	WbLsid proto.StripeId       `json:"wb_lsid"`
}

var unmapTail = ActiveStripeTail{Vsa: proto.UnmapVsa, WbLsid: proto.UnmapStripe}

// ContextReplayer holds the allocation pointers rebuilt by replay: one active
// stripe tail per write buffer index and the last allocated user area stripe
type ContextReplayer struct {
	kvStore kvstore.Store

	tails   [proto.ActiveStripeTailArrLen]ActiveStripeTail
	ssdLsid proto.StripeId
	lock    sync.RWMutex
}

func newContextReplayer(ctx context.Context, kvStore kvstore.Store) (*ContextReplayer, error) {
	c := &ContextReplayer{kvStore: kvStore, ssdLsid: proto.UnmapStripe}
	for i := range c.tails {
		c.tails[i] = unmapTail
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ContextReplayer) GetAllActiveStripeTail() []proto.VirtualBlkAddr {
	c.lock.RLock()
	defer c.lock.RUnlock()

	ret := make([]proto.VirtualBlkAddr, len(c.tails))
	for i := range c.tails {
		ret[i] = c.tails[i].Vsa
	}
	return ret
}

func (c *ContextReplayer) GetActiveStripeTail(index int) ActiveStripeTail {
	checkTailIndex(index)
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.tails[index]
}

func (c *ContextReplayer) SetActiveStripeTail(index int, tail proto.VirtualBlkAddr, wbLsid proto.StripeId) {
	checkTailIndex(index)
	c.lock.Lock()
	c.tails[index] = ActiveStripeTail{Vsa: tail, WbLsid: wbLsid}
	c.lock.Unlock()
}

func (c *ContextReplayer) ResetActiveStripeTail(index int) {
	checkTailIndex(index)
	c.lock.Lock()
	c.tails[index] = unmapTail
	c.lock.Unlock()
}

func (c *ContextReplayer) ReplaySsdLsid(lsid proto.StripeId) {
	c.lock.Lock()
	c.ssdLsid = lsid
	c.lock.Unlock()
}

func (c *ContextReplayer) GetSsdLsid() proto.StripeId {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.ssdLsid
}

func (c *ContextReplayer) Flush(ctx context.Context) error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	batch := c.kvStore.NewWriteBatch()
	defer batch.Close()
	for i := range c.tails {
		if c.tails[i] == unmapTail {
			batch.Delete(contextCF, encodeTailKey(i))
			continue
		}
		batch.Put(contextCF, encodeTailKey(i), encodeActiveTail(c.tails[i]))
	}
	batch.Put(contextCF, ssdLsidKey, encodeUint32(c.ssdLsid))
	if err := c.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "flush allocator context failed")
	}
	trace.SpanFromContextSafe(ctx).Debugf("allocator context flushed, ssd lsid: %d", c.ssdLsid)
	return nil
}

func (c *ContextReplayer) load(ctx context.Context) error {
	raw, err := c.kvStore.GetRaw(ctx, contextCF, ssdLsidKey)
	if err == kvstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Info(err, "load ssd lsid failed")
	}
	c.ssdLsid = decodeUint32(raw)

	lr := c.kvStore.List(ctx, contextCF, tailKeyPrefix, nil)
	defer lr.Close()
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return errors.Info(err, "load active stripe tails failed")
		}
		if kg == nil || vg == nil {
			return nil
		}
		index := decodeTailKey(kg.Key())
		if index < len(c.tails) {
			c.tails[index] = decodeActiveTail(vg.Value())
		}
		kg.Close()
		vg.Close()
	}
}

func checkTailIndex(index int) {
	if index < 0 || index >= proto.ActiveStripeTailArrLen {
		panic(fmt.Sprintf("active stripe tail index %d out of range", index))
	}
}
