// Package fifo implements the bounded circular buffer the SDO client
// uses to progressively stream segmented transfers without holding an
// entire payload in memory at once.
package fifo

import "github.com/tardorhp/canmaster/internal/crc"

// Fifo is a circular byte buffer. One slot is always kept empty so
// that writePos == readPos unambiguously means "empty".
type Fifo struct {
	buffer   []byte
	writePos int
	readPos  int
}

func NewFifo(size uint16) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

// GetSpace returns how many more bytes can be written before the
// buffer is full.
func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

// GetOccupied returns how many bytes are available to read.
func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write copies as much of buffer into the fifo as there is space for,
// optionally folding every written byte into a running CRC, and
// returns the number of bytes actually written.
func (f *Fifo) Write(buffer []byte, c *crc.CRC16) int {
	written := 0
	for _, b := range buffer {
		next := f.writePos + 1
		if next == f.readPos || (next == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = b
		written++
		if c != nil {
			c.Single(b)
		}
		if next == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos = next
		}
	}
	return written
}

// Read copies as much data as is available into buffer and returns the
// number of bytes read. If eof is non-nil it is set to true once the
// fifo has been drained.
func (f *Fifo) Read(buffer []byte, eof *bool) int {
	if eof != nil {
		*eof = false
	}
	read := 0
	for i := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[i] = f.buffer[f.readPos]
		read++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	if eof != nil && f.readPos == f.writePos {
		*eof = true
	}
	return read
}
