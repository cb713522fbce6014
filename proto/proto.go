package proto

import "math"

const (
	MaxVolumeCount = 256

	// GcActiveTailIndex is the active stripe tail slot used by gc stripes,
	// user stripes use their volume id as slot.
	GcActiveTailIndex      = MaxVolumeCount
	ActiveStripeTailArrLen = MaxVolumeCount + 1

	UnmapStripe = StripeId(math.MaxUint32)
	UnmapOffset = BlkOffset(math.MaxUint64)

	ReqIdKey = "req-id"
)

type (
	StripeId  = uint32
	BlkOffset = uint64
	BlkAddr   = uint64
	VolumeID  = uint32
)

var UnmapVsa = VirtualBlkAddr{StripeId: UnmapStripe, Offset: UnmapOffset}
