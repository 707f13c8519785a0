package file

import (
	"github.com/gostonefire/hashdb/ecode"
	"go.uber.org/zap"
)

// baseMethods - Methods operating directly on the store
type baseMethods struct {
	S *Store
}

// Read - Reads from the mapping or with pread
func (B *baseMethods) Read(off uint64, buf []byte) (err error) {
	S := B.S
	if err = checkRange(off, uint64(len(buf))); err != nil {
		return
	}

	end := off + uint64(len(buf))
	if err = B.OOB(end, false); err != nil {
		return
	}

	if S.mapped || S.internal {
		copy(buf, S.mem[off:end])
		return
	}

	if err = preadAll(S.fd, buf, off); err != nil {
		err = ecode.IOErrorf("error while reading %d bytes at offset %d of %s: %s", len(buf), off, S.name, err)
		S.logger.Error("read failed", zap.String("path", S.name), zap.Uint64("offset", off), zap.Error(err))
	}

	return
}

// Write - Writes into the mapping or with pwrite
func (B *baseMethods) Write(off uint64, buf []byte) (err error) {
	S := B.S
	if S.readOnly {
		err = ecode.ReadOnly{}
		return
	}

	if err = checkRange(off, uint64(len(buf))); err != nil {
		return
	}

	end := off + uint64(len(buf))
	if err = B.OOB(end, false); err != nil {
		return
	}

	if S.mapped || S.internal {
		copy(S.mem[off:end], buf)
		return
	}

	if err = pwriteAll(S.fd, buf, off); err != nil {
		err = ecode.IOErrorf("error while writing %d bytes at offset %d of %s: %s", len(buf), off, S.name, err)
		S.logger.Error("write failed", zap.String("path", S.name), zap.Uint64("offset", off), zap.Error(err))
	}

	return
}

// OOB - Checks end against the known size, then against the real file size which another process
// may have grown, remapping when it has
func (B *baseMethods) OOB(end uint64, probe bool) (err error) {
	S := B.S
	if end <= S.size {
		return
	}

	if S.internal {
		err = ecode.IOErrorf("out of bounds access to %d beyond internal size %d", end, S.size)
		if !probe {
			S.logger.Error("out of bounds", zap.Uint64("end", end), zap.Uint64("size", S.size))
		}
		return
	}

	info, statErr := S.file.Stat()
	if statErr != nil {
		err = ecode.IOErrorf("error while reading size of %s: %s", S.name, statErr)
		S.logger.Error("stat failed", zap.String("path", S.name), zap.Error(statErr))
		return
	}

	size := uint64(info.Size())
	if size < end {
		err = ecode.IOErrorf("out of bounds access to %d beyond file size %d of %s", end, size, S.name)
		if !probe {
			S.logger.Error("out of bounds", zap.String("path", S.name), zap.Uint64("end", end), zap.Uint64("size", size))
		}
		return
	}

	S.remap(size)

	return
}

// Expand - Grows the file by addition bytes and maps the new size
func (B *baseMethods) Expand(addition uint64) (err error) {
	S := B.S
	if S.readOnly {
		err = ecode.ReadOnly{}
		return
	}

	return S.Truncate(S.size + addition)
}

// Size - Returns the size of the store as currently known
func (B *baseMethods) Size() uint64 {
	return B.S.size
}
