//go:build linux

package device

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocExternal creates a memfd of size bytes, maps it when hostVisible and
// exports a duplicate descriptor.
func allocExternal(name string, size uint64, hostVisible bool) (*externalMemory, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil { //nolint:gosec // sizes come from validated requirements
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %s to %d: %w", name, size, err)
	}

	m := &externalMemory{name: name, size: size, fd: fd, exported: InvalidHandle}
	if hostVisible && size > 0 {
		data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED) //nolint:gosec // see above
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("mmap %s: %w", name, err)
		}
		m.mapped = data
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		_ = m.release()
		return nil, fmt.Errorf("export %s: %w", name, err)
	}
	m.exported = ExternalHandle(dup)
	return m, nil
}

// release unmaps the memory and closes both descriptors.
func (m *externalMemory) release() error {
	var first error
	if m.mapped != nil {
		if err := unix.Munmap(m.mapped); err != nil {
			first = fmt.Errorf("munmap %s: %w", m.name, err)
		}
		m.mapped = nil
	}
	if m.exported != InvalidHandle {
		if err := unix.Close(int(m.exported)); err != nil && first == nil {
			first = fmt.Errorf("close exported %s: %w", m.name, err)
		}
		m.exported = InvalidHandle
	}
	if m.fd >= 0 {
		if err := unix.Close(m.fd); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", m.name, err)
		}
		m.fd = -1
	}
	return first
}
