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

package proto

import "fmt"

type StripeLoc uint8

const (
	StripeLoc_WriteBuffer StripeLoc = iota
	StripeLoc_UserArea
)

func (l StripeLoc) String() string {
	switch l {
	case StripeLoc_WriteBuffer:
		return "WriteBuffer"
	case StripeLoc_UserArea:
		return "UserArea"
	default:
		return fmt.Sprintf("StripeLoc(%d)", uint8(l))
	}
}

// VirtualBlkAddr identifies a block by its stripe and offset within the stripe
type VirtualBlkAddr struct {
	StripeId StripeId  `json:"stripe_id"`
	Offset   BlkOffset `json:"offset"`
}

func (v VirtualBlkAddr) IsUnmapped() bool {
	return v == UnmapVsa
}

// Add returns the address n blocks after v in the same stripe
func (v VirtualBlkAddr) Add(n uint64) VirtualBlkAddr {
	return VirtualBlkAddr{StripeId: v.StripeId, Offset: v.Offset + n}
}

func (v VirtualBlkAddr) String() string {
	if v.IsUnmapped() {
		return "{unmap}"
	}
	return fmt.Sprintf("{%d,%d}", v.StripeId, v.Offset)
}

type StripeAddr struct {
	Loc      StripeLoc `json:"loc"`
	StripeId StripeId  `json:"stripe_id"`
}

func (s StripeAddr) IsUnmapped() bool {
	return s.StripeId == UnmapStripe
}

func (s StripeAddr) InWriteBuffer() bool {
	return s.Loc == StripeLoc_WriteBuffer
}

func (s StripeAddr) InUserArea() bool {
	return s.Loc == StripeLoc_UserArea
}

func (s StripeAddr) String() string {
	return fmt.Sprintf("{%s,%d}", s.Loc, s.StripeId)
}

// UnmapStripeAddr is what the stripe map returns for a stripe never written
var UnmapStripeAddr = StripeAddr{Loc: StripeLoc_WriteBuffer, StripeId: UnmapStripe}

// LogGroupFooter is persisted once per journal log group. An invalid footer
// carries max versions and is not reseted.
type LogGroupFooter struct {
	LastCheckpointedSeginfoVersion uint32 `json:"last_checkpointed_seginfo_version"`
	IsReseted                      bool   `json:"is_reseted"`
	ResetedSequenceNumber          uint32 `json:"reseted_sequence_number"`
}

const InvalidVersion = ^uint32(0)

func InvalidLogGroupFooter() LogGroupFooter {
	return LogGroupFooter{
		LastCheckpointedSeginfoVersion: InvalidVersion,
		IsReseted:                      false,
		ResetedSequenceNumber:          InvalidVersion,
	}
}
