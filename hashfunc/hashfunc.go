package hashfunc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	hash "github.com/dchest/siphash"
)

// HashFunc - Signature of a key hash function. It permits an implementation using the HashDB to supply
// a custom hash suited for its particular distribution of keys.
//   - key is the key to hash
//   - seed is the per file seed stored in the file header
//
// The full 64 bits are used: the top bits select the hash group and lock range, the following bits
// select sub hash table slots and the lowest bits are kept in the record header.
type HashFunc func(key []byte, seed uint64) uint64

// siphashK1 - Constant mixed into the second siphash key half
const siphashK1 uint64 = 0x6c62272e07bb0142

// SipHash - Default hash function, siphash-2-4 keyed by the file seed
func SipHash(key []byte, seed uint64) uint64 {
	return hash.Hash(seed, seed^siphashK1, key)
}

// GenerateSeed - Returns a random seed for a new file
func GenerateSeed() (seed uint64, err error) {
	buf := make([]byte, 8)
	if _, err = rand.Read(buf); err != nil {
		err = fmt.Errorf("error while generating hash seed: %w", err)
		return
	}

	seed = binary.LittleEndian.Uint64(buf)

	return
}
