package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	crc, version     uint16
	queryErr         error
	metadataCalls    int
	startCalls       int
	chunkCalls       [][]byte
	finalizeCalls    int
	failChunkAtIndex int
}

func (t *fakeTransport) SendMetadata(nodeId uint8, size uint32, firmwareCRC uint16, imageType ImageType, bank uint8, version uint16) error {
	t.metadataCalls++
	return nil
}

func (t *fakeTransport) SendStart(nodeId uint8) error {
	t.startCalls++
	return nil
}

func (t *fakeTransport) SendChunk(nodeId uint8, data []byte) error {
	t.chunkCalls = append(t.chunkCalls, append([]byte{}, data...))
	if t.failChunkAtIndex > 0 && len(t.chunkCalls) == t.failChunkAtIndex {
		return assert.AnError
	}
	return nil
}

func (t *fakeTransport) SendFinalize(nodeId uint8, firmwareCRC uint16) error {
	t.finalizeCalls++
	return nil
}

func (t *fakeTransport) QueryCRC(nodeId uint8) (uint16, error) {
	return t.crc, t.queryErr
}

func (t *fakeTransport) QueryVersion(nodeId uint8) (uint16, error) {
	return t.version, t.queryErr
}

func TestRunUploadSkipsWhenCRCAndVersionMatch(t *testing.T) {
	plan := UploadPlan{NodeId: 5, Payload: make([]byte, 100), CRC: 0x1234, Version: 7, MaxChunkBytes: 256}
	transport := &fakeTransport{crc: 0x1234, version: 7}
	ctx := NewUploadContext(plan)

	err := RunUpload(plan, transport, ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, transport.metadataCalls)
	assert.Equal(t, 0, transport.startCalls)
	assert.Len(t, transport.chunkCalls, 0)
	assert.Equal(t, 0, transport.finalizeCalls)
	assert.True(t, ctx.Snapshot().Completed)
}

func TestRunUploadTransfersWhenVersionDiffers(t *testing.T) {
	payload := make([]byte, 3172)
	plan := UploadPlan{NodeId: 5, Payload: payload, CRC: 0x5678, Version: 8, MaxChunkBytes: 256}
	transport := &fakeTransport{crc: 0x1234, version: 7}
	ctx := NewUploadContext(plan)

	err := RunUpload(plan, transport, ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, transport.metadataCalls)
	assert.Equal(t, 1, transport.startCalls)
	assert.Equal(t, 1, transport.finalizeCalls)
	require.Len(t, transport.chunkCalls, 13)
	for i := 0; i < 12; i++ {
		assert.Len(t, transport.chunkCalls[i], 256)
	}
	assert.Len(t, transport.chunkCalls[12], 100)
	assert.Equal(t, 3172, ctx.Snapshot().SentBytes)
	assert.True(t, ctx.Snapshot().Completed)
}

func TestRunUploadFailsOnChunkError(t *testing.T) {
	plan := UploadPlan{NodeId: 5, Payload: make([]byte, 1000), CRC: 0x5678, Version: 8, MaxChunkBytes: 256}
	transport := &fakeTransport{crc: 0x1234, version: 7, failChunkAtIndex: 2}
	ctx := NewUploadContext(plan)

	err := RunUpload(plan, transport, ctx)
	require.Error(t, err)
	assert.True(t, ctx.Snapshot().Failed)
	assert.Equal(t, "Chunk failed", ctx.Snapshot().ErrorMessage)
}

func TestChunksSplitsLastChunkShort(t *testing.T) {
	plan := UploadPlan{Payload: make([]byte, 3172), MaxChunkBytes: 256}
	chunks := plan.Chunks()
	require.Len(t, chunks, 13)
	assert.Len(t, chunks[12], 100)
}
