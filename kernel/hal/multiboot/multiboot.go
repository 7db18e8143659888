// Package multiboot decodes the multiboot2 information block handed over by
// the boot loader. Only the tags the memory manager needs are decoded: the
// memory map and the kernel command line.
package multiboot

import (
	"encoding/binary"
	"strings"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// size of the info header and of each tag header
	infoHeaderSize = 8
	tagHeaderSize  = 8

	// size of the memory map header that precedes the entries
	mmapHeaderSize = 8

	// size of a version 0 memory map entry
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	infoData []byte
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfo installs the multiboot information block. This function must be
// invoked before invoking any other function exported by this package.
func SetInfo(data []byte) {
	infoData = data
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	tag := findTagByType(tagMemoryMap)
	if len(tag) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(tag))
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for cur := tag[mmapHeaderSize:]; len(cur) >= entrySize; cur = cur[entrySize:] {
		entry.PhysAddress = binary.LittleEndian.Uint64(cur)
		entry.Length = binary.LittleEndian.Uint64(cur[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(cur[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Arguments without a value map to an empty string.
func GetBootCmdLine() map[string]string {
	tag := findTagByType(tagBootCmdLine)

	// the command line is a NUL-terminated string
	if end := strings.IndexByte(string(tag), 0); end >= 0 {
		tag = tag[:end]
	}

	cmdLine := make(map[string]string)
	for _, arg := range strings.Fields(string(tag)) {
		if eq := strings.IndexByte(arg, '='); eq >= 0 {
			cmdLine[arg[:eq]] = arg[eq+1:]
			continue
		}
		cmdLine[arg] = ""
	}

	return cmdLine
}

// findTagByType scans the multiboot info data looking for a tag of the
// specified type and returns its contents excluding the tag header. If the
// tag is not present it returns nil.
func findTagByType(wantType tagType) []byte {
	if len(infoData) < infoHeaderSize {
		return nil
	}

	totalSize := int(binary.LittleEndian.Uint32(infoData))
	if totalSize > len(infoData) {
		totalSize = len(infoData)
	}

	for cur := infoHeaderSize; cur+tagHeaderSize <= totalSize; {
		curType := tagType(binary.LittleEndian.Uint32(infoData[cur:]))
		size := int(binary.LittleEndian.Uint32(infoData[cur+4:]))
		if curType == tagMbSectionEnd || size < tagHeaderSize || cur+size > totalSize {
			break
		}

		if curType == wantType {
			return infoData[cur+tagHeaderSize : cur+size]
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += (size + 7) &^ 7
	}

	return nil
}
