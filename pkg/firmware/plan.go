// Package firmware drives the per-node firmware transfer sequence:
// a CRC/version pre-check followed by metadata, start, chunked data
// and finalize SDO downloads.
package firmware

import (
	"fmt"
	"os"

	"github.com/tardorhp/canmaster/internal/crc"
)

// ImageType identifies what kind of image a payload is (main,
// bootloader or config), mirrored on the wire in the metadata record's
// type byte. The target bank is carried separately in TargetBank.
type ImageType uint8

const (
	ImageMain ImageType = iota
	ImageBootloader
	ImageConfig
)

const DefaultMaxChunkBytes = 256

// MaxFirmwareImageBytes caps the size of an image LoadPlan will accept,
// standing in for the C master's chunk/context malloc failing on an
// oversized transfer (master_main.c sets ctx->errorMsg = "OOM" when
// its chunk buffer allocation fails).
const MaxFirmwareImageBytes = 16 * 1024 * 1024

// UploadPlan is the immutable description of one firmware transfer.
type UploadPlan struct {
	NodeId        uint8
	Payload       []byte
	CRC           uint16
	Version       uint16
	ImageType     ImageType
	TargetBank    uint8
	MaxChunkBytes int
}

// LoadPlan reads path and builds the plan that RunUpload needs for
// nodeId. If expectedCRC is zero the image's CRC is computed locally; a
// caller-supplied non-zero expectedCRC is used as-is. The file at path
// is always read.
func LoadPlan(path string, nodeId uint8, version uint16, imageType ImageType, targetBank uint8, maxChunkBytes int, expectedCRC uint16) (UploadPlan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return UploadPlan{}, fmt.Errorf("cannot open firmware image: %w: %w", ErrCannotOpenFile, err)
	}
	if info.Size() > MaxFirmwareImageBytes {
		return UploadPlan{}, fmt.Errorf("firmware image %d bytes exceeds %d byte cap: %w", info.Size(), int64(MaxFirmwareImageBytes), ErrOutOfMemory)
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return UploadPlan{}, fmt.Errorf("cannot open firmware image: %w: %w", ErrCannotOpenFile, err)
	}
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}

	computed := expectedCRC
	if computed == 0 {
		computed = crc.Checksum(payload)
	}

	return UploadPlan{
		NodeId:        nodeId,
		Payload:       payload,
		CRC:           computed,
		Version:       version,
		ImageType:     imageType,
		TargetBank:    targetBank,
		MaxChunkBytes: maxChunkBytes,
	}, nil
}

// Chunks splits the plan's payload into MaxChunkBytes-sized pieces, the
// last one possibly shorter.
func (p UploadPlan) Chunks() [][]byte {
	var chunks [][]byte
	for offset := 0; offset < len(p.Payload); offset += p.MaxChunkBytes {
		end := offset + p.MaxChunkBytes
		if end > len(p.Payload) {
			end = len(p.Payload)
		}
		chunks = append(chunks, p.Payload[offset:end])
	}
	return chunks
}
