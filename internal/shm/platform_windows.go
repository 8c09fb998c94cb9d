//go:build windows

package shm

import (
	"context"
	"os"
)

// MapRegion maps or creates a shared memory region (Windows implementation).
// TODO: implement using CreateFileMapping, MapViewOfFile
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion unmaps and closes the shared memory region (Windows implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return nil
}

// RemoveRegionFile deletes the file backing a region. A missing file is not an error.
func RemoveRegionFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func mapAnonymous(n int) ([]byte, func() error, error) {
	return nil, nil, ErrUnsupported
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
