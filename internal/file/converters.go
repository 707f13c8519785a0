package file

import (
	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/record"
)

// Read - Reads through the methods in effect
func (S *Store) Read(off uint64, buf []byte) error {
	return S.methods.Read(off, buf)
}

// Write - Writes through the methods in effect
func (S *Store) Write(off uint64, buf []byte) error {
	return S.methods.Write(off, buf)
}

// OOB - Bounds check through the methods in effect
func (S *Store) OOB(end uint64, probe bool) error {
	return S.methods.OOB(end, probe)
}

// Expand - Grows through the methods in effect
func (S *Store) Expand(addition uint64) error {
	return S.methods.Expand(addition)
}

// Size - Returns the size seen through the methods in effect
func (S *Store) Size() uint64 {
	return S.methods.Size()
}

// Refresh - Picks up growth of the file done by other processes
func (S *Store) Refresh() {
	m := S.methods
	_ = m.OOB(m.Size()+1, true)
}

// ReadOff - Reads one 64-bit word at off, converting from the file byte order
func (S *Store) ReadOff(off uint64) (val uint64, err error) {
	buf := make([]byte, 8)
	if err = S.methods.Read(off, buf); err != nil {
		return
	}
	val = S.order.Uint64(buf)
	return
}

// WriteOff - Writes one 64-bit word at off, converting to the file byte order
func (S *Store) WriteOff(off uint64, val uint64) error {
	buf := make([]byte, 8)
	S.order.PutUint64(buf, val)
	return S.methods.Write(off, buf)
}

// ReadWords - Reads n 64-bit words starting at off
func (S *Store) ReadWords(off uint64, n int) (words []uint64, err error) {
	buf := make([]byte, 8*n)
	if err = S.methods.Read(off, buf); err != nil {
		return
	}
	words = make([]uint64, n)
	for i := range words {
		words[i] = S.order.Uint64(buf[8*i:])
	}
	return
}

// WriteWords - Writes words starting at off
func (S *Store) WriteWords(off uint64, words []uint64) error {
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		S.order.PutUint64(buf[8*i:], w)
	}
	return S.methods.Write(off, buf)
}

// ReadSlots - Reads n hash slots starting at off
func (S *Store) ReadSlots(off uint64, n int) (slots []record.Slot, err error) {
	words, err := S.ReadWords(off, n)
	if err != nil {
		return
	}
	slots = make([]record.Slot, n)
	for i, w := range words {
		slots[i] = record.Slot(w)
	}
	return
}

// WriteSlots - Writes hash slots starting at off
func (S *Store) WriteSlots(off uint64, slots []record.Slot) error {
	words := make([]uint64, len(slots))
	for i, s := range slots {
		words[i] = uint64(s)
	}
	return S.WriteWords(off, words)
}

// ReadUsed - Reads and validates a used record header at off
func (S *Store) ReadUsed(off uint64) (rec record.Used, err error) {
	buf := make([]byte, 16)
	if err = S.methods.Read(off, buf); err != nil {
		return
	}
	rec = record.DecodeUsed(S.order, buf)
	err = rec.Validate(off)
	return
}

// WriteUsed - Writes a used record header at off
func (S *Store) WriteUsed(off uint64, rec record.Used) error {
	buf := make([]byte, 16)
	rec.Encode(S.order, buf)
	return S.methods.Write(off, buf)
}

// ReadFree - Reads a free record header at off without validating it
func (S *Store) ReadFree(off uint64) (rec record.Free, err error) {
	buf := make([]byte, 32)
	if err = S.methods.Read(off, buf); err != nil {
		return
	}
	rec = record.DecodeFree(S.order, buf)
	return
}

// WriteFree - Writes a free record header at off
func (S *Store) WriteFree(off uint64, rec record.Free) error {
	buf := make([]byte, 32)
	rec.Encode(S.order, buf)
	return S.methods.Write(off, buf)
}

// Access - Returns len bytes at off. When the plain methods are in effect, the file is in native byte order
// and the range is mapped, the slice points straight into the mapping and must not be kept past the next
// call on the store. Otherwise it is a copy.
func (S *Store) Access(off uint64, n uint64) (buf []byte, err error) {
	if S.methods == Methods(S.base) && !S.Converted() && (S.mapped || S.internal) {
		if err = S.base.OOB(off+n, false); err != nil {
			return
		}
		if S.mapped || S.internal {
			buf = S.mem[off : off+n : off+n]
			return
		}
	}

	return S.AllocRead(off, n)
}

// AllocRead - Returns a copy of n bytes at off
func (S *Store) AllocRead(off uint64, n uint64) (buf []byte, err error) {
	buf = make([]byte, n)
	if err = S.methods.Read(off, buf); err != nil {
		buf = nil
	}
	return
}

// ZeroOut - Writes n zero bytes at off
func (S *Store) ZeroOut(off uint64, n uint64) error {
	return S.methods.Write(off, make([]byte, n))
}

// FindNonZeroOff - Returns the index of the first non-zero word in [start, end) of the word array at
// base, end if there is none
func (S *Store) FindNonZeroOff(base uint64, start, end int) (idx int, err error) {
	if start >= end {
		idx = end
		return
	}

	words, err := S.ReadWords(base+uint64(start)*8, end-start)
	if err != nil {
		return
	}

	for i, w := range words {
		if w != 0 {
			idx = start + i
			return
		}
	}
	idx = end

	return
}

// checkRange - Returns an error for ranges that wrap around
func checkRange(off, n uint64) error {
	if off+n < off {
		return ecode.IOErrorf("range at %d of %d bytes wraps", off, n)
	}
	return nil
}
