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

package errors

import "errors"

var (
	ErrReplayStopped = errors.New("journal replay stopped, no log to replay")
	ErrReplayFailed  = errors.New("journal replay failed")

	ErrInvalidLog        = errors.New("invalid log")
	ErrUnknownLogType    = errors.New("unknown log type")
	ErrChecksumMismatch  = errors.New("log checksum mismatch")
	ErrLogGroupNotErased = errors.New("log group has more than one sequence number after erase")
	ErrInvalidLogGroupID = errors.New("invalid log group id")

	ErrVolumeOutOfRange  = errors.New("volume id out of range")
	ErrRbaOutOfRange     = errors.New("rba out of range")
	ErrVsidOutOfRange    = errors.New("vsid out of range")
	ErrLsidOutOfRange    = errors.New("lsid out of range")
	ErrSegmentOutOfRange = errors.New("segment id out of range")

	ErrValidCountUnderflow = errors.New("segment valid block count underflow")
	ErrValidCountOverflow  = errors.New("segment valid block count overflow")

	ErrNotMounted = errors.New("array is not mounted")
)
