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

package allocator

import (
	"encoding/binary"

	"github.com/cubefs/journal/proto"
)

var (
	segmentKeyPrefix = []byte{'s'}
	versionKey       = []byte{'v'}
	wbStripesKey     = []byte{'w'}

	tailKeyPrefix = []byte{'t'}
	ssdLsidKey    = []byte{'l'}
)

func encodeSegmentKey(segId uint32) []byte {
	ret := make([]byte, len(segmentKeyPrefix)+4)
	copy(ret, segmentKeyPrefix)
	binary.BigEndian.PutUint32(ret[len(segmentKeyPrefix):], segId)
	return ret
}

func decodeSegmentKey(raw []byte) uint32 {
	return binary.BigEndian.Uint32(raw[len(segmentKeyPrefix):])
}

func encodeSegmentInfo(info SegmentInfo) []byte {
	ret := make([]byte, 9)
	binary.BigEndian.PutUint32(ret, info.ValidBlockCount)
	binary.BigEndian.PutUint32(ret[4:], info.OccupiedStripeCount)
	ret[8] = byte(info.State)
	return ret
}

func decodeSegmentInfo(raw []byte) SegmentInfo {
	return SegmentInfo{
		ValidBlockCount:     binary.BigEndian.Uint32(raw),
		OccupiedStripeCount: binary.BigEndian.Uint32(raw[4:]),
		State:               SegmentState(raw[8]),
	}
}

func encodeBitmap(bits []bool) []byte {
	ret := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			ret[i/8] |= 1 << (i % 8)
		}
	}
	return ret
}

func decodeBitmap(raw []byte, bits []bool) {
	for i := range bits {
		if i/8 >= len(raw) {
			return
		}
		bits[i] = raw[i/8]&(1<<(i%8)) != 0
	}
}

func encodeUint32(v uint32) []byte {
	ret := make([]byte, 4)
	binary.BigEndian.PutUint32(ret, v)
	return ret
}

func decodeUint32(raw []byte) uint32 {
	return binary.BigEndian.Uint32(raw)
}

func encodeTailKey(index int) []byte {
	ret := make([]byte, len(tailKeyPrefix)+4)
	copy(ret, tailKeyPrefix)
	binary.BigEndian.PutUint32(ret[len(tailKeyPrefix):], uint32(index))
	return ret
}

func decodeTailKey(raw []byte) int {
	return int(binary.BigEndian.Uint32(raw[len(tailKeyPrefix):]))
}

func encodeActiveTail(tail ActiveStripeTail) []byte {
	ret := make([]byte, 16)
	binary.BigEndian.PutUint32(ret, tail.Vsa.StripeId)
	binary.BigEndian.PutUint64(ret[4:], tail.Vsa.Offset)
	binary.BigEndian.PutUint32(ret[12:], tail.WbLsid)
	return ret
}

func decodeActiveTail(raw []byte) ActiveStripeTail {
	return ActiveStripeTail{
		Vsa: proto.VirtualBlkAddr{
			StripeId: binary.BigEndian.Uint32(raw),
			Offset:   binary.BigEndian.Uint64(raw[4:]),
		},
		WbLsid: binary.BigEndian.Uint32(raw[12:]),
	}
}

func encodeRevMapKey(wbLsid proto.StripeId, offset proto.BlkOffset) []byte {
	ret := make([]byte, 12)
	binary.BigEndian.PutUint32(ret, wbLsid)
	binary.BigEndian.PutUint64(ret[4:], offset)
	return ret
}

func encodeRevMapPrefix(wbLsid proto.StripeId) []byte {
	ret := make([]byte, 4)
	binary.BigEndian.PutUint32(ret, wbLsid)
	return ret
}

func decodeRevMapKey(raw []byte) (proto.StripeId, proto.BlkOffset) {
	return binary.BigEndian.Uint32(raw), binary.BigEndian.Uint64(raw[4:])
}

func encodeRevMapEntry(entry RevMapEntry) []byte {
	ret := make([]byte, 12)
	binary.BigEndian.PutUint32(ret, entry.VolId)
	binary.BigEndian.PutUint64(ret[4:], entry.Rba)
	return ret
}

func decodeRevMapEntry(raw []byte) RevMapEntry {
	return RevMapEntry{
		VolId: binary.BigEndian.Uint32(raw),
		Rba:   binary.BigEndian.Uint64(raw[4:]),
	}
}
