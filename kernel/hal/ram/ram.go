// Package ram provides the physical memory of the hosted machine. The memory
// is an anonymous private mapping obtained from the host so that untouched
// frames cost nothing.
package ram

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Memory is a contiguous block of physical memory starting at physical
// address 0.
type Memory struct {
	buf []byte
}

// New maps size bytes of physical memory. The size is rounded up to a page
// boundary.
func New(size uintptr) (*Memory, error) {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	return &Memory{buf: buf}, nil
}

// Release returns the memory to the host. The Memory must not be used
// afterwards.
func (m *Memory) Release() error {
	if m.buf == nil {
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	return err
}

// Size returns the amount of physical memory in bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.buf))
}

// Load8 reads the byte at physical address paddr.
func (m *Memory) Load8(paddr uintptr) uint8 {
	return m.buf[paddr]
}

// Store8 writes the byte at physical address paddr.
func (m *Memory) Store8(paddr uintptr, val uint8) {
	m.buf[paddr] = val
}

// Load32 reads the little-endian word at physical address paddr.
func (m *Memory) Load32(paddr uintptr) uint32 {
	return binary.LittleEndian.Uint32(m.buf[paddr : paddr+4])
}

// Store32 writes a little-endian word at physical address paddr.
func (m *Memory) Store32(paddr uintptr, val uint32) {
	binary.LittleEndian.PutUint32(m.buf[paddr:paddr+4], val)
}

// Fill sets size bytes starting at paddr to val.
func (m *Memory) Fill(paddr uintptr, val uint8, size uintptr) {
	block := m.buf[paddr : paddr+size]
	for i := range block {
		block[i] = val
	}
}
