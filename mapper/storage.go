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
	"encoding/binary"

	"github.com/cubefs/journal/proto"
)

func encodeVolumePrefix(volId proto.VolumeID) []byte {
	ret := make([]byte, 4)
	binary.BigEndian.PutUint32(ret, volId)
	return ret
}

func encodeVsaKey(volId proto.VolumeID, rba proto.BlkAddr) []byte {
	ret := make([]byte, 12)
	binary.BigEndian.PutUint32(ret, volId)
	binary.BigEndian.PutUint64(ret[4:], rba)
	return ret
}

func decodeVsaKey(raw []byte) (proto.VolumeID, proto.BlkAddr) {
	return binary.BigEndian.Uint32(raw), binary.BigEndian.Uint64(raw[4:])
}

func encodeVsa(vsa proto.VirtualBlkAddr) []byte {
	ret := make([]byte, 12)
	binary.BigEndian.PutUint32(ret, vsa.StripeId)
	binary.BigEndian.PutUint64(ret[4:], vsa.Offset)
	return ret
}

func decodeVsa(raw []byte) proto.VirtualBlkAddr {
	return proto.VirtualBlkAddr{
		StripeId: binary.BigEndian.Uint32(raw),
		Offset:   binary.BigEndian.Uint64(raw[4:]),
	}
}

func encodeVsid(vsid proto.StripeId) []byte {
	ret := make([]byte, 4)
	binary.BigEndian.PutUint32(ret, vsid)
	return ret
}

func encodeStripeAddr(addr proto.StripeAddr) []byte {
	ret := make([]byte, 5)
	ret[0] = byte(addr.Loc)
	binary.BigEndian.PutUint32(ret[1:], addr.StripeId)
	return ret
}

func decodeStripeAddr(raw []byte) proto.StripeAddr {
	return proto.StripeAddr{
		Loc:      proto.StripeLoc(raw[0]),
		StripeId: binary.BigEndian.Uint32(raw[1:]),
	}
}
