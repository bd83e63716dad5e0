//go:build !unix

package fsmirror

import (
	"os"
	"time"
)

// Times falls back to ModTime for both fields on non-unix platforms, where
// access time is not reliably exposed through a portable syscall surface.
func Times(path string, fi os.FileInfo) (atime, mtime time.Time, err error) {
	return fi.ModTime(), fi.ModTime(), nil
}
