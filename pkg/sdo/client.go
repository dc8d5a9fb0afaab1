package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	canopen "github.com/tardorhp/canmaster"
	"github.com/tardorhp/canmaster/internal/fifo"
)

const sdoBufferSize = 1024

var ErrSDOInvalidArguments = errors.New("error in arguments")

const (
	SDOWaitingResponse uint8 = 1 // Waiting server response.
	SDOSuccess         uint8 = 0 // Success, end of communication.
)

// Client is a CiA 301 SDO client: one instance talks to exactly one
// server node at a time. A master commissioning several slaves shares
// a single Client; ReadRaw, ReadAll and WriteRaw hold the Client's own
// mutex for a whole transfer, since only one expedited/segmented
// transfer can be in flight on a given COB-ID pair.
type Client struct {
	*canopen.BusManager
	mu sync.Mutex

	nodeId              uint8
	txBuffer            canopen.Frame
	cobIdClientToServer uint32
	cobIdServerToClient uint32
	nodeIdServer        uint8
	valid               bool

	index    uint16
	subindex uint8
	finished bool

	sizeIndicated   uint32
	sizeTransferred uint32

	state         SDOState
	timeoutTimeUs uint32
	timeoutTimer  uint32

	fifo     *fifo.Fifo
	rxNew    bool
	response SDOResponse
	toggle   uint8

	logger *log.Entry
}

func NewClient(bm *canopen.BusManager, nodeId uint8, timeoutMs uint32) (*Client, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	client := &Client{
		BusManager:    bm,
		nodeId:        nodeId,
		timeoutTimeUs: timeoutMs * 1000,
		fifo:          fifo.NewFifo(sdoBufferSize),
		logger:        log.WithField("service", "sdo-client"),
	}
	return client, nil
}

// Handle copies an incoming SDO response frame for the running state
// machine to consume on its next Read/Write loop iteration.
func (client *Client) Handle(frame canopen.Frame) {
	if client.state != stateIdle && frame.DLC == 8 && !client.rxNew {
		client.response.raw = frame.Data
		client.rxNew = true
	}
}

// setupServer points the client at a different server node, resetting
// state and re-subscribing to its response COB-ID.
func (client *Client) setupServer(nodeIdServer uint8) error {
	cobIdClientToServer := uint32(ClientBaseId) + uint32(nodeIdServer)
	cobIdServerToClient := uint32(ServerBaseId) + uint32(nodeIdServer)

	client.state = stateIdle
	client.rxNew = false
	client.nodeIdServer = nodeIdServer

	if client.cobIdClientToServer == cobIdClientToServer && client.cobIdServerToClient == cobIdServerToClient {
		return nil
	}
	if err := client.Unsubscribe(client.cobIdServerToClient, false, client); err != nil {
		// no previous subscription is expected on first setup
		client.logger.Debug("no previous SDO subscription to remove")
	}
	client.cobIdClientToServer = cobIdClientToServer
	client.cobIdServerToClient = cobIdServerToClient

	if _, err := client.Subscribe(cobIdServerToClient, 0x7FF, false, client); err != nil {
		client.valid = false
		return err
	}
	client.valid = true
	client.txBuffer = canopen.NewFrame(cobIdClientToServer, 0, 8)
	return nil
}

func (client *Client) downloadSetup(index uint16, subindex uint8, sizeIndicated uint32) error {
	if !client.valid {
		return ErrSDOInvalidArguments
	}
	client.index = index
	client.subindex = subindex
	client.sizeIndicated = sizeIndicated
	client.sizeTransferred = 0
	client.finished = false
	client.timeoutTimer = 0
	client.fifo.Reset()
	client.state = stateDownloadInitiateReq
	client.rxNew = false
	return nil
}

// downloadMain advances the download state machine by one step,
// sending or consuming at most one frame, and reports SDOSuccess once
// the transfer is complete.
func (client *Client) downloadMain(timeDifferenceUs uint32, bufferPartial bool, forceSegmented bool) (uint8, error) {
	ret := SDOWaitingResponse
	var err error
	var abortCode SDOAbortCode

	if !client.valid {
		return 0, ErrSDOInvalidArguments
	}

	if client.state == stateIdle {
		return SDOSuccess, nil
	}

	if client.rxNew {
		response := client.response
		switch {
		case response.IsAbort():
			abortCode = response.GetAbortCode()
			client.logger.WithField("abort", abortCode).Warn("server aborted download")
			client.state = stateIdle
			err = abortCode
		case !response.isResponseCommandValid(client.state):
			client.state = stateAbort
			abortCode = AbortCmd
		default:
			switch client.state {
			case stateDownloadInitiateRsp:
				if response.GetIndex() != client.index || response.GetSubindex() != client.subindex {
					client.state = stateAbort
					abortCode = AbortParamIncompat
					break
				}
				if client.finished {
					client.state = stateIdle
					ret = SDOSuccess
				} else {
					client.toggle = 0x00
					client.state = stateDownloadSegmentReq
				}
			case stateDownloadSegmentRsp:
				if response.GetToggle() != client.toggle {
					client.state = stateAbort
					abortCode = AbortToggleBit
					break
				}
				client.toggle ^= 0x10
				if client.finished {
					client.state = stateIdle
					ret = SDOSuccess
				} else {
					client.state = stateDownloadSegmentReq
				}
			}
		}
		client.timeoutTimer = 0
		client.rxNew = false
	}

	if ret == SDOWaitingResponse {
		client.timeoutTimer += timeDifferenceUs
		if client.timeoutTimer >= client.timeoutTimeUs {
			client.state = stateAbort
			abortCode = AbortTimeout
		}
	}

	if ret == SDOWaitingResponse {
		client.txBuffer.Data = [8]byte{}
		switch client.state {
		case stateDownloadInitiateReq:
			client.downloadInitiate(forceSegmented)
			client.state = stateDownloadInitiateRsp
		case stateDownloadSegmentReq:
			if abortErr := client.downloadSegment(bufferPartial); abortErr != 0 {
				client.state = stateAbort
				abortCode = abortErr
			} else {
				client.state = stateDownloadSegmentRsp
			}
		}
	}

	if client.state == stateAbort {
		client.abort(abortCode)
		err = abortCode
		client.state = stateIdle
	}

	return ret, err
}

func (client *Client) downloadInitiate(forceSegmented bool) {
	client.txBuffer.Data[0] = 0x20
	client.txBuffer.Data[1] = byte(client.index)
	client.txBuffer.Data[2] = byte(client.index >> 8)
	client.txBuffer.Data[3] = client.subindex

	count := uint32(client.fifo.GetOccupied())
	if count <= 4 && !forceSegmented {
		client.txBuffer.Data[0] |= 0x02
		if client.sizeIndicated > 0 {
			client.txBuffer.Data[0] |= byte(0x01 | ((4 - count) << 2))
		}
		read := uint32(client.fifo.Read(client.txBuffer.Data[4:], nil))
		client.sizeTransferred = read
		client.finished = true
	} else {
		if client.sizeIndicated > 0 {
			client.txBuffer.Data[0] |= 0x01
			binary.LittleEndian.PutUint32(client.txBuffer.Data[4:], client.sizeIndicated)
		}
	}
	client.timeoutTimer = 0
	client.Send(client.txBuffer)
}

// downloadSegment returns a non-zero abort code on failure.
func (client *Client) downloadSegment(bufferPartial bool) SDOAbortCode {
	count := uint32(client.fifo.Read(client.txBuffer.Data[1:], nil))
	client.sizeTransferred += count
	if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
		client.sizeTransferred -= count
		return AbortDataLong
	}

	client.txBuffer.Data[0] = byte(uint32(client.toggle) | ((7 - count) << 1))
	if client.fifo.GetOccupied() == 0 && !bufferPartial {
		if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
			return AbortDataShort
		}
		client.txBuffer.Data[0] |= 0x01
		client.finished = true
	}
	client.timeoutTimer = 0
	client.Send(client.txBuffer)
	return 0
}

func (client *Client) abort(abortCode SDOAbortCode) {
	client.txBuffer.Data[0] = 0x80
	client.txBuffer.Data[1] = byte(client.index)
	client.txBuffer.Data[2] = byte(client.index >> 8)
	client.txBuffer.Data[3] = client.subindex
	binary.LittleEndian.PutUint32(client.txBuffer.Data[4:], uint32(abortCode))
	client.logger.WithField("abort", abortCode).Warn("aborting transfer")
	client.Send(client.txBuffer)
}

func (client *Client) uploadSetup(index uint16, subindex uint8) error {
	if !client.valid {
		return ErrSDOInvalidArguments
	}
	client.index = index
	client.subindex = subindex
	client.sizeIndicated = 0
	client.sizeTransferred = 0
	client.finished = false
	client.fifo.Reset()
	client.state = stateUploadInitiateReq
	client.rxNew = false
	return nil
}

func (client *Client) upload(timeDifferenceUs uint32) (uint8, error) {
	ret := SDOWaitingResponse
	var err error
	var abortCode SDOAbortCode

	if !client.valid {
		return 0, ErrSDOInvalidArguments
	}
	if client.state == stateIdle {
		return SDOSuccess, nil
	}

	if client.rxNew {
		response := client.response
		switch {
		case response.IsAbort():
			abortCode = response.GetAbortCode()
			client.logger.WithField("abort", abortCode).Warn("server aborted upload")
			client.state = stateIdle
			err = abortCode
		case !response.isResponseCommandValid(client.state):
			client.state = stateAbort
			abortCode = AbortCmd
		default:
			switch client.state {
			case stateUploadInitiateRsp:
				if response.GetIndex() != client.index || response.GetSubindex() != client.subindex {
					client.state = stateAbort
					abortCode = AbortParamIncompat
					break
				}
				if (response.raw[0] & 0x02) != 0 {
					count := uint32(4)
					if (response.raw[0] & 0x01) != 0 {
						count -= uint32((response.raw[0] >> 2) & 0x03)
					}
					client.fifo.Write(response.raw[4:4+count], nil)
					client.sizeTransferred = count
					client.state = stateIdle
					ret = SDOSuccess
				} else {
					if (response.raw[0] & 0x01) != 0 {
						client.sizeIndicated = binary.LittleEndian.Uint32(response.raw[4:])
					}
					client.toggle = 0
					client.state = stateUploadSegmentReq
				}
			case stateUploadSegmentRsp:
				if response.GetToggle() != client.toggle {
					client.state = stateAbort
					abortCode = AbortToggleBit
					break
				}
				client.toggle ^= 0x10
				count := 7 - (response.raw[0]>>1)&0x07
				written := client.fifo.Write(response.raw[1:1+count], nil)
				client.sizeTransferred += uint32(written)
				if written != int(count) {
					client.state = stateAbort
					abortCode = AbortOutOfMem
					break
				}
				if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
					client.state = stateAbort
					abortCode = AbortDataLong
					break
				}
				if (response.raw[0] & 0x01) != 0 {
					if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
						client.state = stateAbort
						abortCode = AbortDataShort
					} else {
						client.state = stateIdle
						ret = SDOSuccess
					}
				} else {
					client.state = stateUploadSegmentReq
				}
			}
		}
		client.timeoutTimer = 0
		client.rxNew = false
	}

	if ret == SDOWaitingResponse {
		client.timeoutTimer += timeDifferenceUs
		if client.timeoutTimer >= client.timeoutTimeUs {
			client.state = stateAbort
			abortCode = AbortTimeout
		}
	}

	if ret == SDOWaitingResponse {
		client.txBuffer.Data = [8]byte{}
		switch client.state {
		case stateUploadInitiateReq:
			client.txBuffer.Data[0] = 0x40
			client.txBuffer.Data[1] = byte(client.index)
			client.txBuffer.Data[2] = byte(client.index >> 8)
			client.txBuffer.Data[3] = client.subindex
			client.timeoutTimer = 0
			client.Send(client.txBuffer)
			client.state = stateUploadInitiateRsp
		case stateUploadSegmentReq:
			client.txBuffer.Data[0] = 0x60 | client.toggle
			client.timeoutTimer = 0
			client.Send(client.txBuffer)
			client.state = stateUploadSegmentRsp
		}
	}

	if client.state == stateAbort {
		client.abort(abortCode)
		err = abortCode
		client.state = stateIdle
	}

	return ret, err
}

const tickPeriod = 10 * time.Millisecond

// ReadRaw reads index:subindex from nodeId into data, blocking until
// the transfer completes or times out. Similar to io.Read.
func (client *Client) ReadRaw(nodeId uint8, index uint16, subindex uint8, data []byte) (int, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if err := client.setupServer(nodeId); err != nil {
		return 0, err
	}
	if err := client.uploadSetup(index, subindex); err != nil {
		return 0, err
	}
	for {
		ret, err := client.upload(uint32(tickPeriod / time.Microsecond))
		if err != nil {
			return 0, err
		}
		if ret == SDOSuccess {
			break
		}
		time.Sleep(tickPeriod)
	}
	return client.fifo.Read(data, nil), nil
}

// ReadAll reads the entire value at index:subindex, growing its buffer
// as needed. Similar to io.ReadAll.
func (client *Client) ReadAll(nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if err := client.setupServer(nodeId); err != nil {
		return nil, err
	}
	if err := client.uploadSetup(index, subindex); err != nil {
		return nil, err
	}
	result := make([]byte, 0, sdoBufferSize)
	buf := make([]byte, sdoBufferSize)
	for {
		ret, err := client.upload(uint32(tickPeriod / time.Microsecond))
		if err != nil {
			return nil, err
		}
		n := client.fifo.Read(buf, nil)
		result = append(result, buf[:n]...)
		if ret == SDOSuccess {
			break
		}
		time.Sleep(tickPeriod)
	}
	return result, nil
}

func (client *Client) ReadUint8(nodeId uint8, index uint16, subindex uint8) (uint8, error) {
	buf := make([]byte, 1)
	n, err := client.ReadRaw(nodeId, index, subindex, buf)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fmt.Errorf("expected 1 byte, got %d", n)
	}
	return buf[0], nil
}

func (client *Client) ReadUint16(nodeId uint8, index uint16, subindex uint8) (uint16, error) {
	buf := make([]byte, 2)
	n, err := client.ReadRaw(nodeId, index, subindex, buf)
	if err != nil {
		return 0, err
	}
	if n != 2 {
		return 0, fmt.Errorf("expected 2 bytes, got %d", n)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (client *Client) ReadUint32(nodeId uint8, index uint16, subindex uint8) (uint32, error) {
	buf := make([]byte, 4)
	n, err := client.ReadRaw(nodeId, index, subindex, buf)
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", n)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// WriteRaw writes data to index:subindex on nodeId. data may be any
// fixed-width integer/float type, a string, or a raw []byte.
func (client *Client) WriteRaw(nodeId uint8, index uint16, subindex uint8, data any, forceSegmented bool) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if err := client.setupServer(nodeId); err != nil {
		return err
	}

	encoded, err := encode(data)
	if err != nil {
		return err
	}

	if err := client.downloadSetup(index, subindex, uint32(len(encoded))); err != nil {
		return err
	}
	written := client.fifo.Write(encoded, nil)
	bufferPartial := written < len(encoded)

	for {
		ret, err := client.downloadMain(uint32(tickPeriod/time.Microsecond), bufferPartial, forceSegmented)
		if err != nil {
			return err
		}
		if bufferPartial {
			n := client.fifo.Write(encoded[written:], nil)
			written += n
			bufferPartial = written < len(encoded)
		}
		if ret == SDOSuccess {
			break
		}
		time.Sleep(tickPeriod)
	}
	return nil
}

func encode(data any) ([]byte, error) {
	switch val := data.(type) {
	case uint8:
		return []byte{val}, nil
	case int8:
		return []byte{byte(val)}, nil
	case uint16:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, val)
		return buf, nil
	case int16:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(val))
		return buf, nil
	case uint32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, val)
		return buf, nil
	case int32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(val))
		return buf, nil
	case uint64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, val)
		return buf, nil
	case int64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(val))
		return buf, nil
	case string:
		return []byte(val), nil
	case float32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(val))
		return buf, nil
	case float64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(val))
		return buf, nil
	case []byte:
		return val, nil
	default:
		return nil, fmt.Errorf("sdo: unsupported value type %T", data)
	}
}

// SetTimeout changes how long the client waits for a server response.
func (client *Client) SetTimeout(timeoutMs uint32) {
	client.timeoutTimeUs = timeoutMs * 1000
}
