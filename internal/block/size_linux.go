//go:build linux

package block

import (
	"os"

	"golang.org/x/sys/unix"
)

// deviceSize returns the byte size of f. Block devices report zero through
// Stat, so those go through the BLKGETSIZE64 ioctl instead.
func deviceSize(f *os.File, info os.FileInfo) (int64, error) {
	if !isBlockDevice(info) {
		return info.Size(), nil
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}
