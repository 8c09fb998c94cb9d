//go:build unix

package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region backed by the file at opts.Path.
//
// With Create the file is created when missing, sized to opts.Size and zero-filled, which
// also faults every page in. Without Create the file must already exist with exactly
// opts.Size bytes. On failure every resource acquired so far is released.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", opts.Size)
	}
	existed := pathExists(opts.Path)
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		// a failed mkdir is reported by open
		_ = os.MkdirAll(filepath.Dir(opts.Path), 0o755)
		if !existed && !CanCreateOnDevShm(uint64(opts.Size), opts.Path) {
			return nil, fmt.Errorf("not enough space on /dev/shm for %s, size:%d", opts.Path, opts.Size)
		}
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(opts.Path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	cleanup := func() {
		_ = unix.Close(fd)
		if opts.Create && !existed {
			_ = os.Remove(opts.Path)
		}
	}

	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			cleanup()
			return nil, fmt.Errorf("ftruncate %s: %w", opts.Path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			cleanup()
			return nil, fmt.Errorf("fstat %s: %w", opts.Path, err)
		}
		if st.Size != int64(opts.Size) {
			cleanup()
			return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrRegionSize, opts.Path, st.Size, opts.Size)
		}
	}

	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap %s: %w", opts.Path, err)
	}

	if opts.Create {
		Zero(addr, 0, len(addr))
	} else {
		touchPages(addr)
	}
	logger.Debugf("mapped %s size:%d create:%v", opts.Path, opts.Size, opts.Create)
	return &MappedRegion{
		Addr:    addr,
		Path:    opts.Path,
		Created: opts.Create,
		New:     opts.Create && !existed,
		fd:      fd,
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region. The backing file is left in place.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var firstErr error
	if err := unix.Munmap(region.Addr); err != nil {
		firstErr = fmt.Errorf("munmap %s: %w", region.Path, err)
	}
	region.Addr = nil
	if err := unix.Close(region.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close %s: %w", region.Path, err)
	}
	region.fd = -1
	return firstErr
}

// RemoveRegionFile deletes the file backing a region. A missing file is not an error.
func RemoveRegionFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// mapAnonymous maps n bytes of shared anonymous memory, used to probe the byte primitives
// against non heap storage.
func mapAnonymous(n int) ([]byte, func() error, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}
	return b, func() error { return unix.Munmap(b) }, nil
}

// touchPages reads one byte per page so an attaching peer pays the first-touch cost up front.
func touchPages(b []byte) {
	var sink byte
	for i := 0; i < len(b); i += pageSize {
		sink |= b[i]
	}
	_ = sink
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
