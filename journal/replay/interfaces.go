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

// VSAMap maps a volume block to the virtual block address holding its data
type VSAMap interface {
	GetVSA(ctx context.Context, volId proto.VolumeID, rba proto.BlkAddr) (proto.VirtualBlkAddr, error)
	SetVSA(ctx context.Context, volId proto.VolumeID, rba proto.BlkAddr, vsa proto.VirtualBlkAddr) error
}

// StripeMap maps a virtual stripe to its current location
type StripeMap interface {
	GetLSA(ctx context.Context, vsid proto.StripeId) (proto.StripeAddr, error)
	SetLSA(ctx context.Context, vsid proto.StripeId, addr proto.StripeAddr) error
}

type SegmentCtx interface {
	InvalidateBlks(ctx context.Context, vsa proto.VirtualBlkAddr, numBlks uint32, allowVictimRelease bool) error
	ValidateBlks(ctx context.Context, vsa proto.VirtualBlkAddr, numBlks uint32) error
	ReplayStripeAllocation(ctx context.Context, vsid proto.StripeId, wbLsid proto.StripeId) error
	ReplaySegmentAllocation(ctx context.Context, userLsid proto.StripeId) error
	ReplayStripeFlushed(ctx context.Context, wbLsid proto.StripeId) error
	TryUpdateSegmentValidBlocks(ctx context.Context, userLsid proto.StripeId) error
	ResetSegmentStates(ctx context.Context) error
}

type ContextReplayer interface {
	GetAllActiveStripeTail() []proto.VirtualBlkAddr
	SetActiveStripeTail(index int, tail proto.VirtualBlkAddr, wbLsid proto.StripeId)
	ResetActiveStripeTail(index int)
	ReplaySsdLsid(lsid proto.StripeId)
}

type WBStripeAllocator interface {
	ReconstructActiveStripe(ctx context.Context, volId proto.VolumeID, wbLsid proto.StripeId,
		tailVsa proto.VirtualBlkAddr, revMap map[proto.BlkOffset]proto.BlkAddr) error
	AddPendingStripe(stripe allocator.PendingStripe)
}

// ProgressReporter receives the progress of the replay sub tasks
type ProgressReporter interface {
	SubTaskCompleted(taskId SubTaskID, numCompleted int)
}
