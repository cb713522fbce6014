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

package server

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/allocator"
	"github.com/cubefs/journal/common/kvstore"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/journal"
	"github.com/cubefs/journal/mapper"
	"github.com/cubefs/journal/proto"
	"github.com/cubefs/journal/util"
	"github.com/google/uuid"
)

type StoreConfig struct {
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
}

type Config struct {
	StoreConfig   StoreConfig      `json:"store_config"`
	ArrayConfig   allocator.Config `json:"array_config"`
	MaxVolumes    uint32           `json:"max_volumes"`
	BlksPerVolume uint64           `json:"blks_per_volume"`
	JournalConfig journal.Config   `json:"journal_config"`
}

// Server owns one array: its metadata store and the contexts rebuilt by
// journal replay at mount
type Server struct {
	id  string
	cfg *Config

	kvStore   kvstore.Store
	journal   *journal.Journal
	mapper    *mapper.Mapper
	allocator *allocator.Allocator
	handler   *journal.ReplayHandler

	mounted   int32
	mountedAt time.Time
	health    *healthServer
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.StoreConfig.KVType == "" {
		cfg.StoreConfig.KVType = kvstore.RocksdbLsmKVType
	}
	if cfg.MaxVolumes == 0 || cfg.MaxVolumes > proto.MaxVolumeCount {
		cfg.MaxVolumes = proto.MaxVolumeCount
	}
	if err := os.MkdirAll(cfg.StoreConfig.Path, 0o755); err != nil {
		return nil, errors.Info(err, "create store path failed", cfg.StoreConfig.Path)
	}

	kvStore, err := kvstore.NewKVStore(ctx, cfg.StoreConfig.Path, cfg.StoreConfig.KVType, &cfg.StoreConfig.KVOption)
	if err != nil {
		return nil, errors.Info(err, "open kv store failed", cfg.StoreConfig.KVType)
	}
	s := &Server{
		id:      uuid.NewString(),
		cfg:     cfg,
		kvStore: kvStore,
		health:  newHealthServer(),
	}
	if err = s.open(ctx); err != nil {
		kvStore.Close()
		return nil, err
	}
	span.Infof("server %s opened, store: %s, geometry: %+v", s.id, cfg.StoreConfig.Path, cfg.ArrayConfig)
	return s, nil
}

func (s *Server) open(ctx context.Context) (err error) {
	if s.journal, err = journal.NewJournal(ctx, s.kvStore, &s.cfg.JournalConfig); err != nil {
		return
	}
	if s.mapper, err = mapper.NewMapper(ctx, s.kvStore, &mapper.Config{
		MaxVolumeCount: s.cfg.MaxVolumes,
		BlksPerVolume:  s.cfg.BlksPerVolume,
		NumUserStripes: s.cfg.ArrayConfig.NumUserStripes(),
		NumWbStripes:   s.cfg.ArrayConfig.NumWbStripes,
	}); err != nil {
		return
	}
	s.allocator, err = allocator.NewAllocator(ctx, s.kvStore, &s.cfg.ArrayConfig)
	return
}

// Mount replays the journal and marks the array serving
func (s *Server) Mount(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if atomic.LoadInt32(&s.mounted) == 1 {
		return nil
	}

	s.handler = journal.NewReplayHandler(s.journal, s.mapper, s.allocator, s.cfg.ArrayConfig.BlksPerStripe)
	if err := s.handler.Start(ctx); err != nil {
		span.Errorf("mount failed: %s", errors.Detail(err))
		return err
	}
	s.mountedAt = time.Now()
	atomic.StoreInt32(&s.mounted, 1)
	s.health.setServing(true)
	span.Infof("array mounted")
	return nil
}

func (s *Server) IsMounted() bool {
	return atomic.LoadInt32(&s.mounted) == 1
}

type Stats struct {
	ID             string         `json:"id"`
	Host           string         `json:"host"`
	Mounted        bool           `json:"mounted"`
	MountedAt      time.Time      `json:"mounted_at,omitempty"`
	ReplayProgress int            `json:"replay_progress"`
	SegmentStates  map[string]int `json:"segment_states"`
	WbStripesInUse int            `json:"wb_stripes_in_use"`
	SsdLsid        proto.StripeId `json:"ssd_lsid"`
	SegInfoVersion uint32         `json:"seg_info_version"`
}

func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	if !s.IsMounted() {
		return nil, apierrors.ErrNotMounted
	}
	host, err := util.GetLocalIp()
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("get local ip failed: %s", err)
	}
	states, wbInUse := s.allocator.SegmentCtx.Stats()
	return &Stats{
		ID:             s.id,
		Host:           host,
		Mounted:        true,
		MountedAt:      s.mountedAt,
		ReplayProgress: s.handler.GetProgress(),
		SegmentStates:  states,
		WbStripesInUse: wbInUse,
		SsdLsid:        s.allocator.ContextReplayer.GetSsdLsid(),
		SegInfoVersion: s.allocator.SegmentCtx.GetVersion(),
	}, nil
}

func (s *Server) Close() {
	s.health.setServing(false)
	s.kvStore.Close()
}
