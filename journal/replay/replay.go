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
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/metrics"
	"github.com/cubefs/journal/proto"
)

type ReplayState uint8

const (
	ReplayState_Init ReplayState = iota
	ReplayState_ReplayFinishedStripes
	ReplayState_ReplayUnfinishedStripes
	ReplayState_FinalizeWriteBufferTail
	ReplayState_FinalizeUserTail
	ReplayState_ResetSegmentStates
	ReplayState_Done
	ReplayState_Failed
)

func (s ReplayState) String() string {
	switch s {
	case ReplayState_Init:
		return "Init"
	case ReplayState_ReplayFinishedStripes:
		return "ReplayFinishedStripes"
	case ReplayState_ReplayUnfinishedStripes:
		return "ReplayUnfinishedStripes"
	case ReplayState_FinalizeWriteBufferTail:
		return "FinalizeWriteBufferTail"
	case ReplayState_FinalizeUserTail:
		return "FinalizeUserTail"
	case ReplayState_ResetSegmentStates:
		return "ResetSegmentStates"
	case ReplayState_Done:
		return "Done"
	case ReplayState_Failed:
		return "Failed"
	default:
		return fmt.Sprintf("ReplayState(%d)", uint8(s))
	}
}

type SubTaskID int

const (
	SubTask_ReplayFinishedStripes SubTaskID = iota
	SubTask_ReplayUnfinishedStripes
	SubTask_FinalizeWriteBufferTail
	SubTask_FinalizeUserTail
	SubTask_ResetSegmentStates

	NumSubTasks = int(SubTask_ResetSegmentStates) + 1
)

// ReplayError is the failure of a replay run. Vsid is UnmapStripe when the
// failing step does not belong to a stripe.
type ReplayError struct {
	Vsid  proto.StripeId
	State ReplayState
	Err   error
}

func (e *ReplayError) Error() string {
	if e.Vsid == proto.UnmapStripe {
		return fmt.Sprintf("replay failed at %s: %s", e.State, errors.Detail(e.Err))
	}
	return fmt.Sprintf("replay failed at %s, vsid %d: %s", e.State, e.Vsid, errors.Detail(e.Err))
}

func (e *ReplayError) Unwrap() error { return e.Err }

func (e *ReplayError) Is(target error) bool { return target == apierrors.ErrReplayFailed }

type Config struct {
	VSAMap            VSAMap
	StripeMap         StripeMap
	SegmentCtx        SegmentCtx
	ContextReplayer   ContextReplayer
	WBStripeAllocator WBStripeAllocator
	Reporter          ProgressReporter

	BlksPerStripe uint64
}

// LogReplayer rebuilds the array metadata from the journal records of one
// mount. It is used once.
type LogReplayer struct {
	cfg   *Config
	state ReplayState

	deps         *eventDeps
	userReplayer *ActiveUserStripeReplayer
	checker      *deleteChecker

	openStripes    map[proto.StripeId]StripeReplayer
	openOrder      []proto.StripeId
	replayedStripe []StripeReplayer
}

func NewLogReplayer(cfg *Config) *LogReplayer {
	return &LogReplayer{
		cfg:   cfg,
		state: ReplayState_Init,
		deps: &eventDeps{
			vsaMap:     cfg.VSAMap,
			stripeMap:  cfg.StripeMap,
			segCtx:     cfg.SegmentCtx,
			wbReplayer: NewActiveWBStripeReplayer(cfg.ContextReplayer, cfg.WBStripeAllocator, cfg.StripeMap, cfg.BlksPerStripe),
			tracker:    newWriteTracker(),
		},
		userReplayer: NewActiveUserStripeReplayer(cfg.ContextReplayer),
		openStripes:  make(map[proto.StripeId]StripeReplayer),
	}
}

func (r *LogReplayer) GetState() ReplayState { return r.state }

// GetReplayedStripes returns every stripe replayed so far, in replay order
func (r *LogReplayer) GetReplayedStripes() []StripeReplayer { return r.replayedStripe }

// Replay runs the whole replay over logs, which must be in arrival order.
// Block map events of volumes deleted after a stripe was written are dropped.
func (r *LogReplayer) Replay(ctx context.Context, logs []ReplayLog, deletingLogs []ReplayLog) (err error) {
	span := trace.SpanFromContextSafe(ctx)
	if r.state != ReplayState_Init {
		panic(fmt.Sprintf("log replayer reused in state %s", r.state))
	}
	r.checker = newDeleteChecker(deletingLogs)

	var vsid proto.StripeId
	defer func() {
		if err != nil {
			failedAt := r.state
			r.state = ReplayState_Failed
			metrics.ReplayFailureCounter.WithLabelValues(failedAt.String()).Inc()
			err = &ReplayError{Vsid: vsid, State: failedAt, Err: err}
			span.Errorf("%s", err)
		}
	}()

	r.state = ReplayState_ReplayFinishedStripes
	if vsid, err = r.replayFinishedStripes(ctx, logs); err != nil {
		return
	}
	r.reportSubTask(SubTask_ReplayFinishedStripes, len(r.replayedStripe))

	r.state = ReplayState_ReplayUnfinishedStripes
	numFinished := len(r.replayedStripe)
	if vsid, err = r.replayUnfinishedStripes(ctx); err != nil {
		return
	}
	r.reportSubTask(SubTask_ReplayUnfinishedStripes, len(r.replayedStripe)-numFinished)

	vsid = proto.UnmapStripe
	r.state = ReplayState_FinalizeWriteBufferTail
	if err = r.deps.wbReplayer.Replay(ctx); err != nil {
		return
	}
	r.reportSubTask(SubTask_FinalizeWriteBufferTail, 1)

	r.state = ReplayState_FinalizeUserTail
	if err = r.userReplayer.Replay(ctx); err != nil {
		return
	}
	r.reportSubTask(SubTask_FinalizeUserTail, 1)

	r.state = ReplayState_ResetSegmentStates
	if err = r.cfg.SegmentCtx.ResetSegmentStates(ctx); err != nil {
		err = errors.Info(err, "reset segment states")
		return
	}
	r.reportSubTask(SubTask_ResetSegmentStates, 1)

	r.state = ReplayState_Done
	span.Infof("replay done, %d logs, %d finished stripes, %d unfinished stripes",
		len(logs), numFinished, len(r.replayedStripe)-numFinished)
	return nil
}

func (r *LogReplayer) replayFinishedStripes(ctx context.Context, logs []ReplayLog) (proto.StripeId, error) {
	span := trace.SpanFromContextSafe(ctx)
	for _, replayLog := range logs {
		metrics.ReplayLogCounter.WithLabelValues(replayLog.Log.GetType().String()).Inc()

		var (
			stripe   StripeReplayer
			finished bool
		)
		switch replayLog.Log.GetType() {
		case proto.LogType_BlockWriteDone:
			stripe = r.getOrCreateStripe(replayLog.Log.GetVsid(), false)
		case proto.LogType_StripeMapUpdated:
			stripe, finished = r.getOrCreateStripe(replayLog.Log.GetVsid(), false), true
		case proto.LogType_GcBlockWriteDone:
			stripe = r.getOrCreateStripe(replayLog.Log.GetVsid(), true)
		case proto.LogType_GcStripeFlushed:
			stripe, finished = r.getOrCreateStripe(replayLog.Log.GetVsid(), true), true
		case proto.LogType_VolumeDeleted:
			continue
		default:
			span.Warnf("unknown log type %s skipped", replayLog.Log.GetType())
			continue
		}

		stripe.AddLog(ctx, replayLog)
		if !finished {
			continue
		}
		vsid := stripe.GetStatus().GetVsid()
		r.closeStripe(vsid)
		if err := r.replayStripe(ctx, stripe); err != nil {
			return vsid, err
		}
	}
	return proto.UnmapStripe, nil
}

func (r *LogReplayer) replayUnfinishedStripes(ctx context.Context) (proto.StripeId, error) {
	order := r.openOrder
	r.openOrder = nil
	for _, vsid := range order {
		stripe, ok := r.openStripes[vsid]
		if !ok {
			continue
		}
		delete(r.openStripes, vsid)
		if err := r.replayStripe(ctx, stripe); err != nil {
			return vsid, err
		}
	}
	return proto.UnmapStripe, nil
}

func (r *LogReplayer) replayStripe(ctx context.Context, stripe StripeReplayer) error {
	if err := stripe.BuildEvents(ctx); err != nil {
		return err
	}
	status := stripe.GetStatus()
	if status.HasBlockLogs() && r.checker.IsDeleted(status.GetVolumeId(), status.GetMaxTime()) {
		trace.SpanFromContextSafe(ctx).Infof("volume %d deleted, block map events of stripe %d dropped",
			status.GetVolumeId(), status.GetVsid())
		stripe.DeleteBlockMapReplayEvents()
	}
	if err := stripe.Replay(ctx); err != nil {
		return err
	}
	r.replayedStripe = append(r.replayedStripe, stripe)

	kind := "user"
	if _, ok := stripe.(*GcReplayStripe); ok {
		kind = "gc"
	}
	metrics.ReplayStripeCounter.WithLabelValues(kind, strconv.FormatBool(status.IsFlushed())).Inc()
	return nil
}

func (r *LogReplayer) getOrCreateStripe(vsid proto.StripeId, gc bool) StripeReplayer {
	if stripe, ok := r.openStripes[vsid]; ok {
		return stripe
	}
	var stripe StripeReplayer
	if gc {
		stripe = newGcReplayStripe(vsid, r.deps, r.userReplayer)
	} else {
		stripe = newUserReplayStripe(vsid, r.deps, r.userReplayer)
	}
	r.openStripes[vsid] = stripe
	r.openOrder = append(r.openOrder, vsid)
	return stripe
}

func (r *LogReplayer) closeStripe(vsid proto.StripeId) {
	delete(r.openStripes, vsid)
	for i, id := range r.openOrder {
		if id == vsid {
			r.openOrder = append(r.openOrder[:i], r.openOrder[i+1:]...)
			return
		}
	}
}

func (r *LogReplayer) reportSubTask(taskId SubTaskID, numCompleted int) {
	if r.cfg.Reporter != nil {
		r.cfg.Reporter.SubTaskCompleted(taskId, numCompleted)
	}
}
