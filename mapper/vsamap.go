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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/journal/common/kvstore"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/proto"
)

// VSAMap maps (volume, rba) to the virtual block address holding the data.
// A missing key reads as unmapped.
type VSAMap struct {
	cfg     *Config
	kvStore kvstore.Store
}

func (m *VSAMap) GetVSA(ctx context.Context, volId proto.VolumeID, rba proto.BlkAddr) (proto.VirtualBlkAddr, error) {
	if err := m.checkRange(volId, rba); err != nil {
		return proto.UnmapVsa, err
	}
	raw, err := m.kvStore.GetRaw(ctx, vsaMapCF, encodeVsaKey(volId, rba))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return proto.UnmapVsa, nil
		}
		return proto.UnmapVsa, errors.Info(err, "get vsa failed", volId, rba)
	}
	return decodeVsa(raw), nil
}

func (m *VSAMap) SetVSA(ctx context.Context, volId proto.VolumeID, rba proto.BlkAddr, vsa proto.VirtualBlkAddr) error {
	if err := m.checkRange(volId, rba); err != nil {
		return err
	}
	key := encodeVsaKey(volId, rba)
	if vsa.IsUnmapped() {
		return m.kvStore.Delete(ctx, vsaMapCF, key)
	}
	if vsa.StripeId >= m.cfg.NumUserStripes {
		return errors.Info(apierrors.ErrVsidOutOfRange, "set vsa", vsa)
	}
	return m.kvStore.SetRaw(ctx, vsaMapCF, key, encodeVsa(vsa))
}

// RangeVolume calls fn for every mapped block of the volume in rba order,
// stopping at the first error fn returns
func (m *VSAMap) RangeVolume(ctx context.Context, volId proto.VolumeID, fn func(rba proto.BlkAddr, vsa proto.VirtualBlkAddr) error) error {
	if volId >= m.cfg.MaxVolumeCount {
		return apierrors.ErrVolumeOutOfRange
	}
	lr := m.kvStore.List(ctx, vsaMapCF, encodeVolumePrefix(volId), nil)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if kg == nil || vg == nil {
			return nil
		}
		_, rba := decodeVsaKey(kg.Key())
		vsa := decodeVsa(vg.Value())
		kg.Close()
		vg.Close()
		if err = fn(rba, vsa); err != nil {
			return err
		}
	}
}

// DeleteVolume drops every mapping of the volume
func (m *VSAMap) DeleteVolume(ctx context.Context, volId proto.VolumeID) error {
	span := trace.SpanFromContextSafe(ctx)
	if volId >= m.cfg.MaxVolumeCount {
		return apierrors.ErrVolumeOutOfRange
	}
	batch := m.kvStore.NewWriteBatch()
	defer batch.Close()

	batch.DeleteRange(vsaMapCF, encodeVolumePrefix(volId), encodeVolumePrefix(volId+1))
	if err := m.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "delete volume map failed", volId)
	}
	span.Infof("block map of volume[%d] deleted", volId)
	return nil
}

func (m *VSAMap) checkRange(volId proto.VolumeID, rba proto.BlkAddr) error {
	if volId >= m.cfg.MaxVolumeCount {
		return errors.Info(apierrors.ErrVolumeOutOfRange, "volume", volId)
	}
	if rba >= m.cfg.BlksPerVolume {
		return errors.Info(apierrors.ErrRbaOutOfRange, "rba", rba)
	}
	return nil
}
