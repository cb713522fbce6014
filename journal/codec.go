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
	"encoding/binary"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/journal/errors"
	"github.com/cubefs/journal/proto"
	"github.com/cubefs/journal/util"
)

// record layout: | type(1) | xxhash64 of payload(8) | json payload |
const recordHeaderSize = 9

func encodeRecord(log proto.Log) ([]byte, error) {
	payload, err := log.Marshal()
	if err != nil {
		return nil, errors.Info(err, "marshal log failed", log.GetType())
	}

	w := util.GetBufferWriter(recordHeaderSize + len(payload))
	defer util.PutBufferWriter(w)

	var header [recordHeaderSize]byte
	header[0] = byte(log.GetType())
	binary.BigEndian.PutUint64(header[1:], xxhash.Sum64(payload))
	w.Write(header[:])
	w.Write(payload)

	ret := make([]byte, w.Len())
	copy(ret, w.Bytes())
	return ret, nil
}

// decodeRecord returns the bare sentinel of a damaged record
func decodeRecord(raw []byte) (proto.Log, error) {
	if len(raw) < recordHeaderSize {
		return nil, apierrors.ErrInvalidLog
	}
	typ := proto.LogType(raw[0])
	if typ < proto.LogType_BlockWriteDone || int(typ) >= proto.LogTypeCount {
		return nil, apierrors.ErrUnknownLogType
	}
	payload := raw[recordHeaderSize:]
	if binary.BigEndian.Uint64(raw[1:]) != xxhash.Sum64(payload) {
		return nil, apierrors.ErrChecksumMismatch
	}
	log, err := proto.UnmarshalLog(typ, payload)
	if err != nil {
		return nil, errors.Info(apierrors.ErrInvalidLog, "unmarshal record", typ, err)
	}
	return log, nil
}

func encodeFooter(footer proto.LogGroupFooter) ([]byte, error) {
	return json.Marshal(footer)
}

func decodeFooter(raw []byte) (proto.LogGroupFooter, error) {
	footer := proto.InvalidLogGroupFooter()
	if err := json.Unmarshal(raw, &footer); err != nil {
		return footer, errors.Info(apierrors.ErrInvalidLog, "unmarshal log group footer", err)
	}
	return footer, nil
}

func encodeRecordKey(groupId uint32, index uint64) []byte {
	ret := make([]byte, 12)
	binary.BigEndian.PutUint32(ret, groupId)
	binary.BigEndian.PutUint64(ret[4:], index)
	return ret
}

func decodeRecordKey(raw []byte) (groupId uint32, index uint64) {
	return binary.BigEndian.Uint32(raw), binary.BigEndian.Uint64(raw[4:])
}

func encodeGroupKey(groupId uint32) []byte {
	ret := make([]byte, 4)
	binary.BigEndian.PutUint32(ret, groupId)
	return ret
}
