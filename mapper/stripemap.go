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
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/proto"
)

// StripeMap maps a virtual stripe id to its current location, either a
// write buffer stripe or a user area stripe
type StripeMap struct {
	cfg     *Config
	kvStore kvstore.Store
}

func (m *StripeMap) GetLSA(ctx context.Context, vsid proto.StripeId) (proto.StripeAddr, error) {
	if vsid >= m.cfg.NumUserStripes {
		return proto.UnmapStripeAddr, errors.Info(apierrors.ErrVsidOutOfRange, "get lsa", vsid)
	}
	raw, err := m.kvStore.GetRaw(ctx, stripeMapCF, encodeVsid(vsid))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return proto.UnmapStripeAddr, nil
		}
		return proto.UnmapStripeAddr, errors.Info(err, "get lsa failed", vsid)
	}
	return decodeStripeAddr(raw), nil
}

func (m *StripeMap) SetLSA(ctx context.Context, vsid proto.StripeId, addr proto.StripeAddr) error {
	if vsid >= m.cfg.NumUserStripes {
		return errors.Info(apierrors.ErrVsidOutOfRange, "set lsa", vsid)
	}
	if addr.IsUnmapped() {
		return m.kvStore.Delete(ctx, stripeMapCF, encodeVsid(vsid))
	}
	limit := m.cfg.NumUserStripes
	if addr.InWriteBuffer() {
		limit = m.cfg.NumWbStripes
	}
	if addr.StripeId >= limit {
		return errors.Info(apierrors.ErrLsidOutOfRange, "set lsa", vsid, addr)
	}
	return m.kvStore.SetRaw(ctx, stripeMapCF, encodeVsid(vsid), encodeStripeAddr(addr))
}
