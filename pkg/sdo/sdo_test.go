package sdo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/tardorhp/canmaster"
)

// fakeServer is a minimal CiA 301 SDO server backing a single object,
// just enough to drive Client's state machine through expedited and
// segmented transfers in both directions.
type fakeServer struct {
	bm       *canopen.BusManager
	nodeId   uint8
	index    uint16
	subindex uint8

	data []byte

	downloadBuf []byte
	uploadPos   int
	toggle      uint8
	abortNext   SDOAbortCode
}

func newFakeServer(bm *canopen.BusManager, nodeId uint8) *fakeServer {
	return &fakeServer{bm: bm, nodeId: nodeId}
}

func (s *fakeServer) reply(data [8]byte) {
	frame := canopen.NewFrame(uint32(ServerBaseId)+uint32(s.nodeId), 0, 8)
	frame.Data = data
	s.bm.Send(frame)
}

func (s *fakeServer) Handle(frame canopen.Frame) {
	if frame.ID != uint32(ClientBaseId)+uint32(s.nodeId) {
		return
	}
	cmd := frame.Data[0]

	if s.abortNext != 0 {
		var resp [8]byte
		resp[0] = 0x80
		resp[1] = frame.Data[1]
		resp[2] = frame.Data[2]
		resp[3] = frame.Data[3]
		binary.LittleEndian.PutUint32(resp[4:], uint32(s.abortNext))
		s.abortNext = 0
		s.reply(resp)
		return
	}

	switch {
	case cmd&0xF0 == 0x20: // download initiate
		s.index = binary.LittleEndian.Uint16(frame.Data[1:3])
		s.subindex = frame.Data[3]
		e := cmd&0x02 != 0
		sBit := cmd&0x01 != 0
		s.downloadBuf = s.downloadBuf[:0]
		if e {
			n := (cmd >> 2) & 0x03
			count := 4 - n
			s.downloadBuf = append(s.downloadBuf, frame.Data[4:4+count]...)
			s.data = append([]byte{}, s.downloadBuf...)
		} else if sBit {
			s.data = s.data[:0]
		}
		var resp [8]byte
		resp[0] = 0x60
		resp[1] = frame.Data[1]
		resp[2] = frame.Data[2]
		resp[3] = frame.Data[3]
		s.toggle = 0
		s.reply(resp)

	case cmd&0xE0 == 0x00: // download segment
		last := cmd&0x01 != 0
		n := (cmd >> 1) & 0x07
		count := 7 - n
		s.data = append(s.data, frame.Data[1:1+count]...)
		var resp [8]byte
		resp[0] = 0x20 | s.toggle
		s.toggle ^= 0x10
		s.reply(resp)
		_ = last

	case cmd == 0x40: // upload initiate
		var resp [8]byte
		resp[1] = frame.Data[1]
		resp[2] = frame.Data[2]
		resp[3] = frame.Data[3]
		if len(s.data) <= 4 {
			resp[0] = 0x40 | 0x02 | 0x01 | byte((4-len(s.data))<<2)
			copy(resp[4:], s.data)
		} else {
			resp[0] = 0x40 | 0x01
			binary.LittleEndian.PutUint32(resp[4:], uint32(len(s.data)))
			s.uploadPos = 0
			s.toggle = 0
		}
		s.reply(resp)

	case cmd&0xE0 == 0x60: // upload segment request
		remaining := s.data[s.uploadPos:]
		count := len(remaining)
		if count > 7 {
			count = 7
		}
		var resp [8]byte
		last := s.uploadPos+count >= len(s.data)
		resp[0] = s.toggle | byte((7-count)<<1)
		if last {
			resp[0] |= 0x01
		}
		copy(resp[1:], remaining[:count])
		s.uploadPos += count
		s.toggle ^= 0x10
		s.reply(resp)
	}
}

func newLinkedSDO(t *testing.T, serverNodeId uint8) (*Client, *fakeServer) {
	t.Helper()
	net := canopen.NewVirtualNetwork()

	clientBus := net.NewBus()
	serverBus := net.NewBus()

	clientBm := canopen.NewBusManager(clientBus)
	clientBus.Subscribe(clientBm)

	serverBm := canopen.NewBusManager(serverBus)
	serverBus.Subscribe(serverBm)

	server := newFakeServer(serverBm, serverNodeId)
	_, err := serverBm.Subscribe(uint32(ClientBaseId)+uint32(serverNodeId), 0x7FF, false, server)
	require.NoError(t, err)

	client, err := NewClient(clientBm, 0, DefaultClientTimeout)
	require.NoError(t, err)
	return client, server
}

func TestWriteReadRawExpedited(t *testing.T) {
	client, server := newLinkedSDO(t, 5)
	_ = server

	err := client.WriteRaw(5, 0x2000, 0, uint32(0xDEADBEEF), false)
	require.NoError(t, err)

	got, err := client.ReadUint32(5, 0x2000, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0xDEADBEEF, got)
}

func TestWriteReadAllSegmented(t *testing.T) {
	client, _ := newLinkedSDO(t, 6)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}

	err := client.WriteRaw(6, 0x2001, 0, payload, false)
	require.NoError(t, err)

	got, err := client.ReadAll(6, 0x2001, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadRawAbort(t *testing.T) {
	client, server := newLinkedSDO(t, 7)
	server.abortNext = AbortNotExist

	_, err := client.ReadUint8(7, 0x2002, 0)
	require.Error(t, err)
	assert.Equal(t, AbortNotExist, err)
}
