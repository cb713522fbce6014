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
	"testing"

	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/proto"
	"github.com/stretchr/testify/require"
)

func blockLog(groupId, seqNum uint32, rba proto.BlkAddr) proto.Log {
	return &proto.BlockWriteDoneLog{
		LogHeader: proto.LogHeader{GroupId: groupId, SeqNum: seqNum},
		VolId:     1,
		StartRba:  rba,
		NumBlks:   1,
		StartVsa:  vsa(5, rba),
	}
}

func TestReplayLogList_AddAndPop(t *testing.T) {
	list := NewReplayLogList()
	require.True(t, list.IsEmpty())

	list.AddLog(blockLog(1, 2, 0))
	list.AddLog(blockLog(0, 1, 1))
	list.AddLog(&proto.VolumeDeletedLog{LogHeader: proto.LogHeader{GroupId: 0, SeqNum: 1}, VolId: 3})
	list.AddLog(blockLog(0, 1, 2))
	list.AddLog(blockLog(1, 2, 3))
	require.False(t, list.IsEmpty())
	list.PrintLogStatistics(context.TODO())

	deleting := list.GetDeletingLogs()
	require.Equal(t, 1, len(deleting))
	require.Equal(t, uint64(3), deleting[0].Time)

	logs := list.PopReplayLogGroup()
	require.Equal(t, 4, len(logs))
	var rbas []proto.BlkAddr
	for i, l := range logs {
		rbas = append(rbas, l.Log.(*proto.BlockWriteDoneLog).StartRba)
		if i > 0 {
			require.LessOrEqual(t, logs[i-1].Log.GetHeader().SeqNum, l.Log.GetHeader().SeqNum)
		}
	}
	require.Equal(t, []proto.BlkAddr{1, 2, 0, 3}, rbas)
	require.Equal(t, 0, len(list.PopReplayLogGroup()))
}

func TestReplayLogList_Erase(t *testing.T) {
	ctx := context.TODO()
	list := NewReplayLogList()
	list.AddLog(blockLog(0, 1, 0))
	list.AddLog(blockLog(0, 3, 1))
	list.AddLog(blockLog(0, 5, 2))

	require.Error(t, list.EraseReplayLogGroup(ctx, 0, 1))
	require.NoError(t, list.EraseReplayLogGroup(ctx, 0, 3))
	logs := list.PopReplayLogGroup()
	require.Equal(t, 1, len(logs))
	require.Equal(t, uint32(5), logs[0].Log.GetHeader().SeqNum)

	// unknown group
	require.NoError(t, list.EraseReplayLogGroup(ctx, 7, 3))
}

func TestFilterLogs(t *testing.T) {
	ctx := context.TODO()

	require.Equal(t, apierrors.ErrReplayStopped, FilterLogs(ctx, NewReplayLogList(), 0))

	list := NewReplayLogList()
	list.AddLog(blockLog(0, 1, 0))
	list.AddLog(blockLog(0, 3, 1))
	list.AddLog(blockLog(1, 2, 2))
	list.AddLog(blockLog(2, 4, 3))
	list.SetLogGroupFooter(0, proto.LogGroupFooter{LastCheckpointedSeginfoVersion: 0, IsReseted: true, ResetedSequenceNumber: 1})
	list.SetLogGroupFooter(1, proto.LogGroupFooter{LastCheckpointedSeginfoVersion: 4, ResetedSequenceNumber: proto.InvalidVersion})
	require.Equal(t, proto.InvalidLogGroupFooter(), list.GetLogGroupFooter(2))

	require.NoError(t, FilterLogs(ctx, list, 5))
	logs := list.PopReplayLogGroup()
	require.Equal(t, 3, len(logs))
	flushed := make(map[proto.BlkAddr]bool)
	for _, l := range logs {
		flushed[l.Log.(*proto.BlockWriteDoneLog).StartRba] = l.SegInfoFlushed
	}
	require.Equal(t, map[proto.BlkAddr]bool{1: true, 2: true, 3: false}, flushed)

	// erased by sequence number without the reset flag, then checkpointed
	list = NewReplayLogList()
	list.AddLog(blockLog(0, 3, 0))
	list.AddLog(blockLog(0, 4, 1))
	list.SetLogGroupFooter(0, proto.LogGroupFooter{LastCheckpointedSeginfoVersion: 3, ResetedSequenceNumber: 3})
	require.NoError(t, FilterLogs(ctx, list, 4))
	logs = list.PopReplayLogGroup()
	require.Equal(t, 1, len(logs))
	require.Equal(t, proto.BlkAddr(1), logs[0].Log.(*proto.BlockWriteDoneLog).StartRba)
	require.True(t, logs[0].SegInfoFlushed)

	// erased but never checkpointed
	list = NewReplayLogList()
	list.AddLog(blockLog(0, 3, 0))
	list.AddLog(blockLog(0, 4, 1))
	list.SetLogGroupFooter(0, proto.LogGroupFooter{
		LastCheckpointedSeginfoVersion: proto.InvalidVersion, IsReseted: true, ResetedSequenceNumber: 3,
	})
	require.NoError(t, FilterLogs(ctx, list, 4))
	logs = list.PopReplayLogGroup()
	require.Equal(t, 1, len(logs))
	require.False(t, logs[0].SegInfoFlushed)

	// more than one live sequence number left
	list = NewReplayLogList()
	list.AddLog(blockLog(0, 3, 0))
	list.AddLog(blockLog(0, 4, 1))
	list.AddLog(blockLog(0, 5, 2))
	list.SetLogGroupFooter(0, proto.LogGroupFooter{LastCheckpointedSeginfoVersion: proto.InvalidVersion, ResetedSequenceNumber: 3})
	require.ErrorIs(t, FilterLogs(ctx, list, 4), apierrors.ErrLogGroupNotErased)
}

func TestDeleteChecker(t *testing.T) {
	b := &logBuilder{}
	b.volumeDeleted(1).volumeDeleted(2).volumeDeleted(1)
	checker := newDeleteChecker(b.logs)

	require.True(t, checker.IsDeleted(1, 2))
	require.False(t, checker.IsDeleted(1, 3))
	require.True(t, checker.IsDeleted(2, 1))
	require.False(t, checker.IsDeleted(2, 2))
	require.False(t, checker.IsDeleted(3, 0))
}
