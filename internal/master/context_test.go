package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/tardorhp/canmaster"
	"github.com/tardorhp/canmaster/pkg/firmware"
	"github.com/tardorhp/canmaster/pkg/lss"
)

type fakeTransport struct {
	uploaded chan uint8
}

func (t *fakeTransport) SendMetadata(nodeId uint8, size uint32, crc uint16, imageType firmware.ImageType, bank uint8, version uint16) error {
	return nil
}
func (t *fakeTransport) SendStart(nodeId uint8) error              { return nil }
func (t *fakeTransport) SendChunk(nodeId uint8, data []byte) error { return nil }
func (t *fakeTransport) SendFinalize(nodeId uint8, crc uint16) error {
	t.uploaded <- nodeId
	return nil
}
func (t *fakeTransport) QueryCRC(nodeId uint8) (uint16, error)     { return 0, nil }
func (t *fakeTransport) QueryVersion(nodeId uint8) (uint16, error) { return 0, nil }

func TestContextLaunchesUploadOnConfiguredNode(t *testing.T) {
	net := canopen.NewVirtualNetwork()
	bus := net.NewBus()
	bm := canopen.NewBusManager(bus)
	bus.Subscribe(bm)

	lssMaster, err := lss.NewLSSMaster(bm, 50*time.Millisecond)
	require.NoError(t, err)

	registry := lss.NewRegistry("")
	transport := &fakeTransport{uploaded: make(chan uint8, 1)}
	// Version differs from the 0 the fake reports, so the pre-check
	// does not skip the upload.
	planFactory := func(nodeId uint8) (firmware.UploadPlan, error) {
		return firmware.UploadPlan{NodeId: nodeId, Payload: []byte{1, 2, 3}, Version: 1, MaxChunkBytes: 256}, nil
	}

	ctx := NewContext(bm, lssMaster, registry, 1, transport, planFactory)
	ctx.engine.OnConfigured(lss.ConfiguredNode{
		Address: lss.LSSAddress{SerialNumber: 1},
		NodeId:  0x10,
	})

	select {
	case nodeId := <-transport.uploaded:
		assert.EqualValues(t, 0x10, nodeId)
	case <-time.After(time.Second):
		t.Fatal("upload worker never ran")
	}

	assert.Len(t, ctx.Uploads(), 1)
}
