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

package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/allocator"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/journal/replay"
	"github.com/cubefs/journal/mapper"
	"github.com/cubefs/journal/metrics"
	"github.com/cubefs/journal/proto"
)

type TaskID int

const (
	TaskID_ReadLogBuffer TaskID = iota
	TaskID_ReplayVolumeDeletion
	TaskID_ReplayLogs
	TaskID_FlushMetadata
	TaskID_ResetLogBuffer
)

func (id TaskID) String() string {
	switch id {
	case TaskID_ReadLogBuffer:
		return "ReadLogBuffer"
	case TaskID_ReplayVolumeDeletion:
		return "ReplayVolumeDeletion"
	case TaskID_ReplayLogs:
		return "ReplayLogs"
	case TaskID_FlushMetadata:
		return "FlushMetadata"
	case TaskID_ResetLogBuffer:
		return "ResetLogBuffer"
	default:
		return fmt.Sprintf("TaskID(%d)", int(id))
	}
}

type replayTask interface {
	GetId() TaskID
	GetWeight() int
	GetNumSubTasks() int
	Start(ctx context.Context) error
}

// ReplayHandler runs the mount time journal replay of one array
type ReplayHandler struct {
	tasks    []replayTask
	reporter *ProgressReporter
	list     *replay.ReplayLogList
}

func NewReplayHandler(journal *Journal, m *mapper.Mapper, a *allocator.Allocator, blksPerStripe uint64) *ReplayHandler {
	h := &ReplayHandler{
		reporter: NewProgressReporter(),
		list:     replay.NewReplayLogList(),
	}
	h.tasks = []replayTask{
		&readLogBufferTask{journal: journal, list: h.list},
		&replayVolumeDeletionTask{list: h.list, vsaMap: m.VSAMap, segCtx: a.SegmentCtx},
		&replayLogsTask{
			list:     h.list,
			segCtx:   a.SegmentCtx,
			reporter: h.reporter,
			cfg: replay.Config{
				VSAMap:            m.VSAMap,
				StripeMap:         m.StripeMap,
				SegmentCtx:        a.SegmentCtx,
				ContextReplayer:   a.ContextReplayer,
				WBStripeAllocator: a.WBStripeAllocator,
				BlksPerStripe:     blksPerStripe,
			},
		},
		&flushMetadataTask{mapper: m, allocator: a},
		&resetLogBufferTask{journal: journal},
	}
	for _, task := range h.tasks {
		h.reporter.RegisterTask(task.GetId(), task.GetWeight())
	}
	return h
}

// Start runs every task in order. An empty journal ends the replay early
// without error.
func (h *ReplayHandler) Start(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	for _, task := range h.tasks {
		h.reporter.TaskStarted(task.GetId(), task.GetNumSubTasks())
		start := time.Now()
		err := task.Start(ctx)
		metrics.ReplayTaskDuration.WithLabelValues(task.GetId().String()).Observe(time.Since(start).Seconds())
		if err == apierrors.ErrReplayStopped {
			span.Infof("journal replay stopped at task %s", task.GetId())
			h.reporter.Completed()
			return nil
		}
		if err != nil {
			span.Errorf("journal replay task %s failed: %s", task.GetId(), errors.Detail(err))
			return err
		}
		h.reporter.TaskCompleted(task.GetId())
	}
	return nil
}

func (h *ReplayHandler) GetProgress() int {
	return h.reporter.GetProgress()
}

type readLogBufferTask struct {
	journal *Journal
	list    *replay.ReplayLogList
}

func (t *readLogBufferTask) GetId() TaskID { return TaskID_ReadLogBuffer }

func (t *readLogBufferTask) GetWeight() int { return 20 }

func (t *readLogBufferTask) GetNumSubTasks() int { return 1 }

func (t *readLogBufferTask) Start(ctx context.Context) error {
	n, err := t.journal.Load(ctx, t.list)
	if err != nil {
		return errors.Info(err, "read log buffer failed")
	}
	trace.SpanFromContextSafe(ctx).Infof("%d logs read from %d log groups", n, t.journal.GetNumLogGroups())
	t.list.PrintLogStatistics(ctx)
	return nil
}

type replayLogsTask struct {
	list     *replay.ReplayLogList
	segCtx   *allocator.SegmentCtx
	reporter *ProgressReporter
	cfg      replay.Config
}

func (t *replayLogsTask) GetId() TaskID { return TaskID_ReplayLogs }

func (t *replayLogsTask) GetWeight() int { return 50 }

// GetNumSubTasks counts the replay steps
func (t *replayLogsTask) GetNumSubTasks() int { return replay.NumSubTasks }

func (t *replayLogsTask) Start(ctx context.Context) error {
	if err := replay.FilterLogs(ctx, t.list, t.segCtx.GetVersion()); err != nil {
		return err
	}
	cfg := t.cfg
	cfg.Reporter = &stepReporter{subTaskReporter: subTaskReporter{taskId: t.GetId(), reporter: t.reporter}}
	return replay.NewLogReplayer(&cfg).Replay(ctx, t.list.PopReplayLogGroup(), t.list.GetDeletingLogs())
}

// stepReporter counts one sub task per finished replay step whatever the
// number of stripes it went through
type stepReporter struct {
	subTaskReporter
}

func (r *stepReporter) SubTaskCompleted(taskId replay.SubTaskID, _ int) {
	r.subTaskReporter.SubTaskCompleted(taskId, 1)
}

type replayVolumeDeletionTask struct {
	list   *replay.ReplayLogList
	vsaMap *mapper.VSAMap
	segCtx *allocator.SegmentCtx
}

func (t *replayVolumeDeletionTask) GetId() TaskID { return TaskID_ReplayVolumeDeletion }

func (t *replayVolumeDeletionTask) GetWeight() int { return 10 }

func (t *replayVolumeDeletionTask) GetNumSubTasks() int { return len(t.list.GetDeletingLogs()) }

// Start clears the block map of every deleted volume before the logs are
// replayed, so blocks written to a reused volume id survive. Blocks are
// invalidated unless the segment context was flushed after the deletion.
func (t *replayVolumeDeletionTask) Start(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	storedVersion := t.segCtx.GetVersion()
	for _, replayLog := range t.list.GetDeletingLogs() {
		l, ok := replayLog.Log.(*proto.VolumeDeletedLog)
		if !ok {
			continue
		}
		invalidate := storedVersion <= l.SegInfoVersion
		numBlks := 0
		if invalidate {
			err := t.vsaMap.RangeVolume(ctx, l.VolId, func(rba proto.BlkAddr, vsa proto.VirtualBlkAddr) error {
				numBlks++
				return t.segCtx.InvalidateBlks(ctx, vsa, 1, false)
			})
			if err != nil {
				return errors.Info(err, "invalidate blocks of deleted volume failed", l.VolId)
			}
		}
		if err := t.vsaMap.DeleteVolume(ctx, l.VolId); err != nil {
			return errors.Info(err, "delete volume block map failed", l.VolId)
		}
		span.Infof("volume %d deletion replayed, %d blocks invalidated, log version %d, stored version %d",
			l.VolId, numBlks, l.SegInfoVersion, storedVersion)
	}
	return nil
}

type flushMetadataTask struct {
	mapper    *mapper.Mapper
	allocator *allocator.Allocator
}

func (t *flushMetadataTask) GetId() TaskID { return TaskID_FlushMetadata }

func (t *flushMetadataTask) GetWeight() int { return 15 }

func (t *flushMetadataTask) GetNumSubTasks() int { return 2 }

func (t *flushMetadataTask) Start(ctx context.Context) error {
	if err := t.mapper.Flush(ctx); err != nil {
		return errors.Info(err, "flush mapper failed")
	}
	if err := t.allocator.Flush(ctx); err != nil {
		return errors.Info(err, "flush allocator failed")
	}
	return nil
}

type resetLogBufferTask struct {
	journal *Journal
}

func (t *resetLogBufferTask) GetId() TaskID { return TaskID_ResetLogBuffer }

func (t *resetLogBufferTask) GetWeight() int { return 5 }

func (t *resetLogBufferTask) GetNumSubTasks() int { return 1 }

func (t *resetLogBufferTask) Start(ctx context.Context) error {
	return t.journal.Reset(ctx)
}
