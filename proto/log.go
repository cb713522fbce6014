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

import (
	"encoding/json"
	"fmt"
)

type LogType uint8

const (
	LogType_BlockWriteDone LogType = iota + 1
	LogType_StripeMapUpdated
	LogType_GcBlockWriteDone
	LogType_GcStripeFlushed
	LogType_VolumeDeleted

	LogTypeCount = int(LogType_VolumeDeleted) + 1
)

func (t LogType) String() string {
	switch t {
	case LogType_BlockWriteDone:
		return "BlockWriteDone"
	case LogType_StripeMapUpdated:
		return "StripeMapUpdated"
	case LogType_GcBlockWriteDone:
		return "GcBlockWriteDone"
	case LogType_GcStripeFlushed:
		return "GcStripeFlushed"
	case LogType_VolumeDeleted:
		return "VolumeDeleted"
	default:
		return fmt.Sprintf("LogType(%d)", uint8(t))
	}
}

// Log is one journal record. The set of implementations is closed.
type Log interface {
	GetType() LogType
	GetVsid() StripeId
	GetHeader() LogHeader
	Marshal() ([]byte, error)

	isLog()
}

// LogHeader records the log group the record was written into and the
// sequence number that group had at that time.
type LogHeader struct {
	GroupId uint32 `json:"group_id"`
	SeqNum  uint32 `json:"seq_num"`
}

func (h LogHeader) GetHeader() LogHeader { return h }

func (LogHeader) isLog() {}

type BlockWriteDoneLog struct {
	LogHeader
	VolId                 VolumeID       `json:"vol_id"`
	StartRba              BlkAddr        `json:"start_rba"`
	NumBlks               uint32         `json:"num_blks"`
	StartVsa              VirtualBlkAddr `json:"start_vsa"`
	WbIndex               int            `json:"wb_index"`
	WriteBufferStripeAddr StripeAddr     `json:"write_buffer_stripe_addr"`
}

func (l *BlockWriteDoneLog) GetType() LogType         { return LogType_BlockWriteDone }
func (l *BlockWriteDoneLog) GetVsid() StripeId        { return l.StartVsa.StripeId }
func (l *BlockWriteDoneLog) Marshal() ([]byte, error) { return json.Marshal(l) }

type StripeMapUpdatedLog struct {
	LogHeader
	Vsid   StripeId   `json:"vsid"`
	OldMap StripeAddr `json:"old_map"`
	NewMap StripeAddr `json:"new_map"`
}

func (l *StripeMapUpdatedLog) GetType() LogType         { return LogType_StripeMapUpdated }
func (l *StripeMapUpdatedLog) GetVsid() StripeId        { return l.Vsid }
func (l *StripeMapUpdatedLog) Marshal() ([]byte, error) { return json.Marshal(l) }

// GcBlockMap is one block moved by gc: Vsa is the new location and OldVsa
// the location the block was copied from.
type GcBlockMap struct {
	Rba    BlkAddr        `json:"rba"`
	Vsa    VirtualBlkAddr `json:"vsa"`
	OldVsa VirtualBlkAddr `json:"old_vsa"`
}

type GcBlockWriteDoneLog struct {
	LogHeader
	VolId     VolumeID     `json:"vol_id"`
	Vsid      StripeId     `json:"vsid"`
	WbLsid    StripeId     `json:"wb_lsid"`
	BlockMaps []GcBlockMap `json:"block_maps"`
}

func (l *GcBlockWriteDoneLog) GetType() LogType         { return LogType_GcBlockWriteDone }
func (l *GcBlockWriteDoneLog) GetVsid() StripeId        { return l.Vsid }
func (l *GcBlockWriteDoneLog) Marshal() ([]byte, error) { return json.Marshal(l) }

type GcStripeFlushedLog struct {
	LogHeader
	VolId             VolumeID `json:"vol_id"`
	Vsid              StripeId `json:"vsid"`
	WbLsid            StripeId `json:"wb_lsid"`
	UserLsid          StripeId `json:"user_lsid"`
	TotalNumBlockMaps uint32   `json:"total_num_block_maps"`
}

func (l *GcStripeFlushedLog) GetType() LogType         { return LogType_GcStripeFlushed }
func (l *GcStripeFlushedLog) GetVsid() StripeId        { return l.Vsid }
func (l *GcStripeFlushedLog) Marshal() ([]byte, error) { return json.Marshal(l) }

type VolumeDeletedLog struct {
	LogHeader
	VolId          VolumeID `json:"vol_id"`
	SegInfoVersion uint32   `json:"seg_info_version"`
}

func (l *VolumeDeletedLog) GetType() LogType         { return LogType_VolumeDeleted }
func (l *VolumeDeletedLog) GetVsid() StripeId        { return UnmapStripe }
func (l *VolumeDeletedLog) Marshal() ([]byte, error) { return json.Marshal(l) }

// UnmarshalLog decodes a record of the given type
func UnmarshalLog(typ LogType, data []byte) (Log, error) {
	var l Log
	switch typ {
	case LogType_BlockWriteDone:
		l = &BlockWriteDoneLog{}
	case LogType_StripeMapUpdated:
		l = &StripeMapUpdatedLog{}
	case LogType_GcBlockWriteDone:
		l = &GcBlockWriteDoneLog{}
	case LogType_GcStripeFlushed:
		l = &GcStripeFlushedLog{}
	case LogType_VolumeDeleted:
		l = &VolumeDeletedLog{}
	default:
		return nil, fmt.Errorf("unknown log type %d", typ)
	}
	if err := json.Unmarshal(data, l); err != nil {
		return nil, err
	}
	return l, nil
}
