package shm

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const devShm = "/dev/shm"

// FreeSpace returns the free bytes of the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return stat.Free, nil
}

// CanCreateOnDevShm reports whether a region of size bytes fits on /dev/shm.
// Only paths on /dev/shm under linux are checked, every other path returns true.
func CanCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS != "linux" {
		return true
	}
	if !strings.HasPrefix(filepath.Clean(path), devShm+"/") {
		return true
	}
	free, err := FreeSpace(devShm)
	if err != nil {
		logger.Warnf("could not stat %s: %v", devShm, err)
		return true
	}
	return free >= size
}
