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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/common/kvstore"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/journal/replay"
	"github.com/cubefs/journal/proto"
)

const (
	journalCF = kvstore.CF("journal")
	footerCF  = kvstore.CF("footer")

	defaultNumLogGroups = 2
)

var Columns = []kvstore.CF{journalCF, footerCF}

type Config struct {
	NumLogGroups uint32 `json:"num_log_groups"`
}

// Journal is the persistent log buffer: records of every log group keyed by
// group and append index, and one footer per group
type Journal struct {
	cfg     *Config
	kvStore kvstore.Store

	nextIndex []uint64
	lock      sync.Mutex
}

func NewJournal(ctx context.Context, kvStore kvstore.Store, cfg *Config) (*Journal, error) {
	if cfg.NumLogGroups == 0 {
		cfg.NumLogGroups = defaultNumLogGroups
	}
	for _, col := range Columns {
		if err := kvStore.CreateColumn(col); err != nil {
			return nil, errors.Info(err, "create journal column failed")
		}
	}
	j := &Journal{cfg: cfg, kvStore: kvStore, nextIndex: make([]uint64, cfg.NumLogGroups)}
	if err := j.loadIndex(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// Append persists a record at the end of the log group named by its header
func (j *Journal) Append(ctx context.Context, log proto.Log) error {
	groupId := log.GetHeader().GroupId
	if groupId >= j.cfg.NumLogGroups {
		return errors.Info(apierrors.ErrInvalidLogGroupID, "append", groupId)
	}
	raw, err := encodeRecord(log)
	if err != nil {
		return err
	}

	j.lock.Lock()
	defer j.lock.Unlock()
	if err = j.kvStore.SetRaw(ctx, journalCF, encodeRecordKey(groupId, j.nextIndex[groupId]), raw); err != nil {
		return errors.Info(err, "append log failed", groupId)
	}
	j.nextIndex[groupId]++
	return nil
}

func (j *Journal) WriteFooter(ctx context.Context, groupId uint32, footer proto.LogGroupFooter) error {
	if groupId >= j.cfg.NumLogGroups {
		return errors.Info(apierrors.ErrInvalidLogGroupID, "write footer", groupId)
	}
	raw, err := encodeFooter(footer)
	if err != nil {
		return err
	}
	if err = j.kvStore.SetRaw(ctx, footerCF, encodeGroupKey(groupId), raw); err != nil {
		return errors.Info(err, "write footer failed", groupId)
	}
	return nil
}

// Load reads every log group into list and returns the number of records
func (j *Journal) Load(ctx context.Context, list *replay.ReplayLogList) (int, error) {
	span := trace.SpanFromContextSafe(ctx)
	total := 0
	for groupId := uint32(0); groupId < j.cfg.NumLogGroups; groupId++ {
		footer := proto.InvalidLogGroupFooter()
		raw, err := j.kvStore.GetRaw(ctx, footerCF, encodeGroupKey(groupId))
		switch err {
		case nil:
			if footer, err = decodeFooter(raw); err != nil {
				return total, err
			}
		case kvstore.ErrNotFound:
		default:
			return total, errors.Info(err, "read footer failed", groupId)
		}
		list.SetLogGroupFooter(groupId, footer)

		n, err := j.loadGroup(ctx, groupId, list)
		if err != nil {
			return total, err
		}
		span.Infof("log group %d loaded, %d logs, footer: %+v", groupId, n, footer)
		total += n
	}
	return total, nil
}

// Reset empties every log group and writes fresh footers
func (j *Journal) Reset(ctx context.Context) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	batch := j.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(journalCF, encodeRecordKey(0, 0), encodeRecordKey(j.cfg.NumLogGroups, 0))
	for groupId := uint32(0); groupId < j.cfg.NumLogGroups; groupId++ {
		raw, err := encodeFooter(proto.InvalidLogGroupFooter())
		if err != nil {
			return err
		}
		batch.Put(footerCF, encodeGroupKey(groupId), raw)
	}
	if err := j.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "reset journal failed")
	}
	for i := range j.nextIndex {
		j.nextIndex[i] = 0
	}
	trace.SpanFromContextSafe(ctx).Infof("journal reset, %d log groups", j.cfg.NumLogGroups)
	return nil
}

func (j *Journal) GetNumLogGroups() uint32 {
	return j.cfg.NumLogGroups
}

func (j *Journal) loadGroup(ctx context.Context, groupId uint32, list *replay.ReplayLogList) (int, error) {
	lr := j.kvStore.List(ctx, journalCF, encodeGroupKey(groupId), nil)
	defer lr.Close()

	n := 0
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return n, errors.Info(err, "read log group failed", groupId)
		}
		if key == nil {
			return n, nil
		}
		log, err := decodeRecord(value)
		if err != nil {
			_, index := decodeRecordKey(key)
			return n, errors.Info(err, "decode log failed", groupId, index)
		}
		if log.GetHeader().GroupId != groupId {
			return n, errors.Info(apierrors.ErrInvalidLogGroupID, "log stored in another group", groupId, log.GetHeader().GroupId)
		}
		list.AddLog(log)
		n++
	}
}

func (j *Journal) loadIndex(ctx context.Context) error {
	for groupId := uint32(0); groupId < j.cfg.NumLogGroups; groupId++ {
		lr := j.kvStore.List(ctx, journalCF, encodeGroupKey(groupId), nil)
		for {
			key, _, err := lr.ReadNextCopy()
			if err != nil {
				lr.Close()
				return errors.Info(err, "load journal index failed", groupId)
			}
			if key == nil {
				break
			}
			_, index := decodeRecordKey(key)
			j.nextIndex[groupId] = index + 1
		}
		lr.Close()
	}
	return nil
}
