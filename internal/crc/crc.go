// Package crc implements the CRC-16/CCITT-FALSE variant used by both
// the SDO progressive buffer (per-byte folding while streaming) and
// the firmware upload orchestrator (whole-image checksum).
package crc

// CRC16 is a CRC-16/CCITT-FALSE accumulator: polynomial 0x1021,
// initial value 0xFFFF, MSB-first, no input/output reflection, no
// final XOR. The zero value is NOT a valid initial state; start from
// Init().
type CRC16 uint16

// Init returns the initial accumulator value for a fresh CRC.
func Init() CRC16 {
	return CRC16(0xFFFF)
}

// Single folds one byte into the accumulator.
func (c *CRC16) Single(b byte) {
	crc := uint16(*c)
	crc ^= uint16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc <<= 1
		}
	}
	*c = CRC16(crc)
}

// Block folds every byte of buf into the accumulator, in order. It is
// equivalent to calling Single for each byte, chunk-boundary
// independent: Block(a, b) starting from crc == update(update(crc, a), b).
func (c *CRC16) Block(buf []byte) {
	for _, b := range buf {
		c.Single(b)
	}
}

// Checksum computes the CRC-16/CCITT-FALSE of buf from a fresh state,
// matching the algorithm used by the slave firmware to validate the
// uploaded image.
func Checksum(buf []byte) uint16 {
	c := Init()
	c.Block(buf)
	return uint16(c)
}
