//go:build !windows

package scanner

import (
	"os"
	"syscall"
)

// fileID returns the device and inode behind info. Hard links share it and a
// file replaced in place gets a new one.
func fileID(_ string, info os.FileInfo) string {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return ""
	}
	return formatFileID(uint64(st.Dev), uint64(st.Ino))
}
