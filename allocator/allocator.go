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

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/common/kvstore"
)

const (
	segmentCF = kvstore.CF("segment")
	contextCF = kvstore.CF("context")
	revMapCF  = kvstore.CF("revmap")
)

var Columns = []kvstore.CF{segmentCF, contextCF, revMapCF}

// Config describes the array geometry the allocator works on
type Config struct {
	NumUserSegments   uint32 `json:"num_user_segments"`
	StripesPerSegment uint32 `json:"stripes_per_segment"`
	BlksPerStripe     uint64 `json:"blks_per_stripe"`
	NumWbStripes      uint32 `json:"num_wb_stripes"`
}

func (c *Config) NumUserStripes() uint32 {
	return c.NumUserSegments * c.StripesPerSegment
}

func (c *Config) BlksPerSegment() uint64 {
	return c.BlksPerStripe * uint64(c.StripesPerSegment)
}

// Allocator groups the allocation contexts rebuilt by journal replay
type Allocator struct {
	SegmentCtx        *SegmentCtx
	ContextReplayer   *ContextReplayer
	WBStripeAllocator *WBStripeAllocator
}

func NewAllocator(ctx context.Context, kvStore kvstore.Store, cfg *Config) (*Allocator, error) {
	for _, col := range Columns {
		if err := kvStore.CreateColumn(col); err != nil {
			return nil, errors.Info(err, "create allocator column failed")
		}
	}
	segCtx, err := newSegmentCtx(ctx, kvStore, cfg)
	if err != nil {
		return nil, err
	}
	ctxReplayer, err := newContextReplayer(ctx, kvStore)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		SegmentCtx:        segCtx,
		ContextReplayer:   ctxReplayer,
		WBStripeAllocator: newWBStripeAllocator(kvStore, cfg),
	}, nil
}

// Flush persists the segment context and the active stripe tails
func (a *Allocator) Flush(ctx context.Context) error {
	if err := a.SegmentCtx.Flush(ctx); err != nil {
		return err
	}
	return a.ContextReplayer.Flush(ctx)
}
