package multiboot

import "encoding/binary"

// Builder assembles a multiboot2 information block the way a boot loader
// does. It is used to hand a machine description to the kernel.
type Builder struct {
	cmdLine string
	regions []MemoryMapEntry
}

// AddMemoryRegion appends a region to the memory map.
func (b *Builder) AddMemoryRegion(physAddr, length uint64, entryType MemoryEntryType) *Builder {
	b.regions = append(b.regions, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: entryType})
	return b
}

// SetCmdLine sets the kernel command line.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.cmdLine = cmdLine
	return b
}

// Bytes encodes the information block.
func (b *Builder) Bytes() []byte {
	buf := make([]byte, infoHeaderSize)

	if b.cmdLine != "" {
		payload := append([]byte(b.cmdLine), 0)
		buf = appendTag(buf, tagBootCmdLine, payload)
	}

	if len(b.regions) != 0 {
		payload := make([]byte, mmapHeaderSize+mmapEntrySize*len(b.regions))
		binary.LittleEndian.PutUint32(payload, mmapEntrySize)
		for i, region := range b.regions {
			entry := payload[mmapHeaderSize+i*mmapEntrySize:]
			binary.LittleEndian.PutUint64(entry, region.PhysAddress)
			binary.LittleEndian.PutUint64(entry[8:], region.Length)
			binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
		}
		buf = appendTag(buf, tagMemoryMap, payload)
	}

	buf = appendTag(buf, tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	return buf
}

func appendTag(buf []byte, t tagType, payload []byte) []byte {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}
