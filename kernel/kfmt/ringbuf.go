package kfmt

import "io"

// ringBufferSize is the capacity of the early print buffer. It must be a
// power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize-1 bytes written to it.
// Older bytes are overwritten.
type ringBuffer struct {
	buffer     [ringBufferSize]byte
	head, tail int
}

func (rb *ringBuffer) len() int {
	return (rb.tail - rb.head) & (ringBufferSize - 1)
}

// Write appends p to the buffer, dropping the oldest bytes when it is full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.tail] = b
		rb.tail = (rb.tail + 1) & (ringBufferSize - 1)
		if rb.tail == rb.head {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read drains up to len(p) bytes from the buffer. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	avail := rb.len()
	if avail == 0 {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && n < avail; n++ {
		p[n] = rb.buffer[rb.head]
		rb.head = (rb.head + 1) & (ringBufferSize - 1)
	}

	return n, nil
}
