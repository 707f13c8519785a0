package hashdb

import (
	"github.com/gostonefire/hashdb/ecode"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// fileID - Identifies an open file independent of the path used to open it
type fileID struct {
	dev uint64
	ino uint64
}

// openFiles - Files opened by this process. fcntl locks belong to the process, so a second handle on the same
// file would silently share (and release) the locks of the first.
var openFiles = xsync.NewMapOf[fileID, string]()

// registerFile - Records fd as open under name, refusing a file that is already open in this process
func registerFile(fd int, name string) (id fileID, err error) {
	var st unix.Stat_t
	if err = unix.Fstat(fd, &st); err != nil {
		err = ecode.IOErrorf("error while reading identity of %s: %s", name, err)
		return
	}

	id = fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	if other, loaded := openFiles.LoadOrStore(id, name); loaded {
		err = ecode.Invalidf("%s is already open in this process as %s", name, other)
	}

	return
}

// unregisterFile - Forgets an open file
func unregisterFile(id fileID) {
	openFiles.Delete(id)
}
