//go:build linux

package storage

import (
	"io/fs"
	"syscall"
	"time"
)

// changeTime extracts the inode change time; falls back to the mtime.
func changeTime(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
}
