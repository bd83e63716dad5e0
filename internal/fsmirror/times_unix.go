//go:build unix

package fsmirror

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Times returns the access and modification times of path at nanosecond
// precision. os.FileInfo only exposes ModTime, so the access time is read
// directly off the platform Stat_t: unix.Stat normalizes field types across
// architectures where the raw syscall package does not.
func Times(path string, fi os.FileInfo) (atime, mtime time.Time, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return time.Time{}, time.Time{}, err
	}
	atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	return atime, mtime, nil
}
