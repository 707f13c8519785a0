package record

import (
	"github.com/cznic/mathutil"
	"github.com/gostonefire/hashdb/internal/conf"
)

// BucketsForZone - Returns the index of the last ("too big") free list bucket of a zone
func BucketsForZone(zoneBits uint) uint64 {
	return uint64(zoneBits) + 2 - conf.ComfortFactorBits
}

// ZoneHeaderLength - Returns the length of a zone header: zone bits followed by all bucket heads
func ZoneHeaderLength(zoneBits uint) uint64 {
	return 8 + 8*(BucketsForZone(zoneBits)+1)
}

// BucketOffset - Returns the file offset of a bucket head in the zone at zoneOff
func BucketOffset(zoneOff uint64, bucket uint64) uint64 {
	return zoneOff + 8 + bucket*8
}

// SizeToBucket - Maps a record data length onto a free list bucket, monotonically.
// Bucket 0 holds the smallest records, then one bucket per 8 bytes up to 64 bytes above the
// minimum, after that one bucket per power of two, capped at the last bucket of the zone.
func SizeToBucket(zoneBits uint, dataLen uint64) (bucket uint64) {
	if dataLen < conf.MinDataLength {
		dataLen = conf.MinDataLength
	}

	if dataLen-conf.MinDataLength <= 64 {
		bucket = (dataLen - conf.MinDataLength) / 8
	} else {
		bucket = uint64(Fls64(dataLen-conf.MinDataLength)) + 2
	}

	bucket = uint64(mathutil.MinInt64(int64(bucket), int64(BucketsForZone(zoneBits))))

	return
}

// ZoneOf - Returns the start of the zone of zoneBits holding off. Zones of a given size are
// always aligned on that size relative to the end of the file header.
func ZoneOf(off uint64, zoneBits uint) uint64 {
	return conf.HeaderLength + (off-conf.HeaderLength)&^(uint64(1)<<zoneBits-1)
}

// NextZoneBits - Returns the size in bits of the zone that doubles a zone area of areaLen bytes
func NextZoneBits(areaLen uint64) uint {
	if areaLen < 1<<conf.InitialZoneBits {
		return conf.InitialZoneBits
	}
	return uint(mathutil.Log2Uint64(areaLen))
}
