package record

import (
	"bytes"
	"encoding/binary"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
)

// Header - Represents the fixed part of the database file header, the top level hash table excluded
type Header struct {
	Version  uint64
	HashTest uint64
	HashSeed uint64
	Recovery uint64
}

// NativeOrder - Byte order used for files created without asking for the opposite order
var NativeOrder binary.ByteOrder = binary.LittleEndian

// OppositeOrder - Returns the byte order other than order
func OppositeOrder(order binary.ByteOrder) binary.ByteOrder {
	if order == binary.ByteOrder(binary.BigEndian) {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// HeaderToBytes - Converts a Header struct to a slice of bytes of conf.HeaderLength with an empty hash table
func HeaderToBytes(order binary.ByteOrder, header Header) (buf []byte) {
	buf = make([]byte, conf.HeaderLength)
	copy(buf, conf.MagicFood)

	order.PutUint64(buf[conf.VersionOffset:], header.Version)
	order.PutUint64(buf[conf.HashTestOffset:], header.HashTest)
	order.PutUint64(buf[conf.HashSeedOffset:], header.HashSeed)
	order.PutUint64(buf[conf.RecoveryOffset:], header.Recovery)

	return
}

// BytesToHeader - Converts the start of a file to a Header struct, detecting the byte order from the version
//   - buf is at least conf.RecoveryOffset + 8 bytes
//
// It returns:
//   - header is the decoded header
//   - order is the byte order the file was written in
//   - err is an ecode.Corrupt error if the magic string or the version does not match
func BytesToHeader(buf []byte) (header Header, order binary.ByteOrder, err error) {
	if uint64(len(buf)) < conf.RecoveryOffset+8 {
		err = ecode.Corruptf("header too short: %d bytes", len(buf))
		return
	}

	if !bytes.Equal(buf[:len(conf.MagicFood)], []byte(conf.MagicFood)) {
		err = ecode.Corruptf("bad magic string %q", buf[:len(conf.MagicFood)])
		return
	}

	order = NativeOrder
	if order.Uint64(buf[conf.VersionOffset:]) != conf.Version {
		order = OppositeOrder(order)
		if order.Uint64(buf[conf.VersionOffset:]) != conf.Version {
			err = ecode.Corruptf("unknown version 0x%x", NativeOrder.Uint64(buf[conf.VersionOffset:]))
			order = nil
			return
		}
	}

	header = Header{
		Version:  order.Uint64(buf[conf.VersionOffset:]),
		HashTest: order.Uint64(buf[conf.HashTestOffset:]),
		HashSeed: order.Uint64(buf[conf.HashSeedOffset:]),
		Recovery: order.Uint64(buf[conf.RecoveryOffset:]),
	}

	return
}

// HashMagicBytes - Returns the bytes hashed to produce the hash test value
func HashMagicBytes() (buf []byte) {
	buf = make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, conf.HashMagic)
	return
}
