//go:build !linux

package device

// allocExternal backs the allocation with heap memory. Export is not
// available, so the handle is always InvalidHandle.
func allocExternal(name string, size uint64, hostVisible bool) (*externalMemory, error) {
	m := &externalMemory{name: name, size: size, fd: -1, exported: InvalidHandle}
	if hostVisible {
		m.mapped = make([]byte, size)
	}
	return m, nil
}

func (m *externalMemory) release() error {
	m.mapped = nil
	return nil
}
