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
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/proto"
)

type logGroup struct {
	footer proto.LogGroupFooter
	seqs   map[uint32][]ReplayLog
}

// ReplayLogList keeps the records read from the journal grouped by log group
// and sequence number, in arrival order
type ReplayLogList struct {
	groups       map[uint32]*logGroup
	deletingLogs []ReplayLog
	time         uint64
}

func NewReplayLogList() *ReplayLogList {
	return &ReplayLogList{groups: make(map[uint32]*logGroup)}
}

func (l *ReplayLogList) AddLog(log proto.Log) {
	l.time++
	replayLog := ReplayLog{Log: log, Time: l.time}
	if log.GetType() == proto.LogType_VolumeDeleted {
		l.deletingLogs = append(l.deletingLogs, replayLog)
		return
	}
	header := log.GetHeader()
	group := l.getGroup(header.GroupId)
	group.seqs[header.SeqNum] = append(group.seqs[header.SeqNum], replayLog)
}

func (l *ReplayLogList) SetLogGroupFooter(groupId uint32, footer proto.LogGroupFooter) {
	l.getGroup(groupId).footer = footer
}

func (l *ReplayLogList) GetLogGroupIds() []uint32 {
	ids := make([]uint32, 0, len(l.groups))
	for id := range l.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *ReplayLogList) GetLogGroupFooter(groupId uint32) proto.LogGroupFooter {
	if group, ok := l.groups[groupId]; ok {
		return group.footer
	}
	return proto.InvalidLogGroupFooter()
}

func (l *ReplayLogList) IsEmpty() bool {
	for _, group := range l.groups {
		for _, logs := range group.seqs {
			if len(logs) > 0 {
				return false
			}
		}
	}
	return len(l.deletingLogs) == 0
}

func (l *ReplayLogList) GetDeletingLogs() []ReplayLog {
	return l.deletingLogs
}

// EraseReplayLogGroup drops the records of a log group written with a
// sequence number up to seqNum. A group holds at most one live sequence
// number once erased.
func (l *ReplayLogList) EraseReplayLogGroup(ctx context.Context, groupId uint32, seqNum uint32) error {
	group, ok := l.groups[groupId]
	if !ok {
		return nil
	}
	for seq, logs := range group.seqs {
		if seq <= seqNum {
			trace.SpanFromContextSafe(ctx).Debugf("log group %d seq %d erased, %d logs", groupId, seq, len(logs))
			delete(group.seqs, seq)
		}
	}
	if len(group.seqs) > 1 {
		return errors.Info(apierrors.ErrLogGroupNotErased, "erase log group", groupId, seqNum, len(group.seqs))
	}
	return nil
}

// SetSegInfoFlushed marks every record of a log group as covered by the
// segment context checkpoint
func (l *ReplayLogList) SetSegInfoFlushed(groupId uint32) {
	group, ok := l.groups[groupId]
	if !ok {
		return
	}
	for _, logs := range group.seqs {
		for i := range logs {
			logs[i].SegInfoFlushed = true
		}
	}
}

// PopReplayLogGroup returns every record ordered by sequence number then
// arrival time, and empties the list
func (l *ReplayLogList) PopReplayLogGroup() []ReplayLog {
	type seqLog struct {
		seq uint32
		ReplayLog
	}
	var merged []seqLog
	for _, group := range l.groups {
		for seq, logs := range group.seqs {
			for _, log := range logs {
				merged = append(merged, seqLog{seq: seq, ReplayLog: log})
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].seq != merged[j].seq {
			return merged[i].seq < merged[j].seq
		}
		return merged[i].Time < merged[j].Time
	})

	ret := make([]ReplayLog, len(merged))
	for i := range merged {
		ret[i] = merged[i].ReplayLog
	}
	l.groups = make(map[uint32]*logGroup)
	return ret
}

func (l *ReplayLogList) PrintLogStatistics(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	counts := make(map[proto.LogType]int)
	for _, group := range l.groups {
		for _, logs := range group.seqs {
			for _, log := range logs {
				counts[log.Log.GetType()]++
			}
		}
	}
	counts[proto.LogType_VolumeDeleted] += len(l.deletingLogs)
	for typ := proto.LogType_BlockWriteDone; int(typ) < proto.LogTypeCount; typ++ {
		span.Infof("found %d %s logs", counts[typ], typ)
	}
}

func (l *ReplayLogList) getGroup(groupId uint32) *logGroup {
	group, ok := l.groups[groupId]
	if !ok {
		group = &logGroup{footer: proto.InvalidLogGroupFooter(), seqs: make(map[uint32][]ReplayLog)}
		l.groups[groupId] = group
	}
	return group
}

// FilterLogs drops what the checkpoints already cover. A reseted group loses
// the records written before its reset; a group checkpointed before the
// stored segment context version keeps its records but not their segment
// effects. An empty list stops the replay with ErrReplayStopped.
func FilterLogs(ctx context.Context, list *ReplayLogList, storedSegInfoVersion uint32) error {
	span := trace.SpanFromContextSafe(ctx)
	if list.IsEmpty() {
		span.Info("no journal log to replay")
		return apierrors.ErrReplayStopped
	}

	for _, groupId := range list.GetLogGroupIds() {
		footer := list.GetLogGroupFooter(groupId)
		// a group can be reset again before its reset flag is written
		if footer.ResetedSequenceNumber != proto.InvalidVersion {
			if err := list.EraseReplayLogGroup(ctx, groupId, footer.ResetedSequenceNumber); err != nil {
				return err
			}
		}
		if footer.LastCheckpointedSeginfoVersion != proto.InvalidVersion &&
			footer.LastCheckpointedSeginfoVersion < storedSegInfoVersion {
			span.Infof("log group %d checkpointed at version %d, stored version %d, segment info flushed",
				groupId, footer.LastCheckpointedSeginfoVersion, storedSegInfoVersion)
			list.SetSegInfoFlushed(groupId)
		}
	}
	return nil
}

// deleteChecker tells whether a volume was deleted after a stripe's newest
// record
type deleteChecker struct {
	deletedAt map[proto.VolumeID]uint64
}

func newDeleteChecker(deletingLogs []ReplayLog) *deleteChecker {
	c := &deleteChecker{deletedAt: make(map[proto.VolumeID]uint64)}
	for _, replayLog := range deletingLogs {
		l, ok := replayLog.Log.(*proto.VolumeDeletedLog)
		if !ok {
			continue
		}
		if replayLog.Time > c.deletedAt[l.VolId] {
			c.deletedAt[l.VolId] = replayLog.Time
		}
	}
	return c
}

func (c *deleteChecker) IsDeleted(volId proto.VolumeID, stripeMaxTime uint64) bool {
	deletedAt, ok := c.deletedAt[volId]
	return ok && deletedAt > stripeMaxTime
}
