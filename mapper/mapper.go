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

package mapper

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/common/kvstore"
)

const (
	vsaMapCF    = kvstore.CF("vsamap")
	stripeMapCF = kvstore.CF("stripemap")
)

var Columns = []kvstore.CF{vsaMapCF, stripeMapCF}

type Config struct {
	MaxVolumeCount uint32 `json:"max_volume_count"`
	BlksPerVolume  uint64 `json:"blks_per_volume"`
	NumUserStripes uint32 `json:"num_user_stripes"`
	NumWbStripes   uint32 `json:"num_wb_stripes"`
}

// Mapper owns the persistent block map and stripe map of one array
type Mapper struct {
	VSAMap    *VSAMap
	StripeMap *StripeMap

	kvStore kvstore.Store
}

func NewMapper(ctx context.Context, kvStore kvstore.Store, cfg *Config) (*Mapper, error) {
	for _, col := range Columns {
		if err := kvStore.CreateColumn(col); err != nil {
			return nil, errors.Info(err, "create mapper column failed")
		}
	}
	return &Mapper{
		VSAMap:    &VSAMap{cfg: cfg, kvStore: kvStore},
		StripeMap: &StripeMap{cfg: cfg, kvStore: kvStore},
		kvStore:   kvStore,
	}, nil
}

// Flush makes every map update durable
func (m *Mapper) Flush(ctx context.Context) error {
	for _, col := range Columns {
		if err := m.kvStore.FlushCF(ctx, col); err != nil {
			return errors.Info(err, "flush column", col)
		}
	}
	return nil
}
