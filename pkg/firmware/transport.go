package firmware

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/tardorhp/canmaster/pkg/sdo"
)

// Object dictionary indices touched by the firmware protocol.
const (
	ObjProgramData    uint16 = 0x1F50
	ObjProgramControl uint16 = 0x1F51
	ObjMetadata       uint16 = 0x1F57
	ObjFinalize       uint16 = 0x1F5A
	ObjRunningCRC     uint16 = 0x1F5B
	ObjRunningVersion uint16 = 0x1F5C
)

var programControlStart = []byte{0x01, 0x00, 0x00}

// Transport is the platform integration point for the six operations
// the upload sequence needs, so the orchestrator never depends on a
// transfer mechanism directly. The only production implementation is
// sdoTransport; tests substitute their own.
type Transport interface {
	SendMetadata(nodeId uint8, size uint32, firmwareCRC uint16, imageType ImageType, bank uint8, version uint16) error
	SendStart(nodeId uint8) error
	SendChunk(nodeId uint8, data []byte) error
	SendFinalize(nodeId uint8, firmwareCRC uint16) error
	QueryCRC(nodeId uint8) (uint16, error)
	QueryVersion(nodeId uint8) (uint16, error)
}

// logAndFailTransport is the default Transport: it logs every call and
// fails, matching the weak stub symbols of the platform this design is
// ported from until a real transport is wired in.
type logAndFailTransport struct {
	logger *log.Entry
}

// NewLogAndFailTransport returns a Transport that refuses every
// operation, useful as a safe default before a real transport is
// configured.
func NewLogAndFailTransport() Transport {
	return &logAndFailTransport{logger: log.WithField("component", "firmware-transport")}
}

func (t *logAndFailTransport) SendMetadata(nodeId uint8, size uint32, firmwareCRC uint16, imageType ImageType, bank uint8, version uint16) error {
	t.logger.WithField("node_id", nodeId).Warn("no transport configured, refusing metadata send")
	return errNoTransport
}

func (t *logAndFailTransport) SendStart(nodeId uint8) error {
	t.logger.WithField("node_id", nodeId).Warn("no transport configured, refusing start send")
	return errNoTransport
}

func (t *logAndFailTransport) SendChunk(nodeId uint8, data []byte) error {
	t.logger.WithField("node_id", nodeId).Warn("no transport configured, refusing chunk send")
	return errNoTransport
}

func (t *logAndFailTransport) SendFinalize(nodeId uint8, firmwareCRC uint16) error {
	t.logger.WithField("node_id", nodeId).Warn("no transport configured, refusing finalize send")
	return errNoTransport
}

func (t *logAndFailTransport) QueryCRC(nodeId uint8) (uint16, error) {
	return 0, errNoTransport
}

func (t *logAndFailTransport) QueryVersion(nodeId uint8) (uint16, error) {
	return 0, errNoTransport
}

// sdoTransport implements Transport over a shared SDO client.
type sdoTransport struct {
	client *sdo.Client
}

// NewSDOTransport wires the firmware upload sequence to a real SDO
// client shared across every upload worker.
func NewSDOTransport(client *sdo.Client) Transport {
	return &sdoTransport{client: client}
}

func (t *sdoTransport) SendMetadata(nodeId uint8, size uint32, firmwareCRC uint16, imageType ImageType, bank uint8, version uint16) error {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint32(buf[0:4], size)
	binary.LittleEndian.PutUint16(buf[4:6], firmwareCRC)
	buf[6] = byte(imageType)
	buf[7] = bank
	binary.LittleEndian.PutUint16(buf[8:10], version)
	return t.client.WriteRaw(nodeId, ObjMetadata, 1, buf, true)
}

func (t *sdoTransport) SendStart(nodeId uint8) error {
	return t.client.WriteRaw(nodeId, ObjProgramControl, 1, append([]byte{}, programControlStart...), false)
}

func (t *sdoTransport) SendChunk(nodeId uint8, data []byte) error {
	return t.client.WriteRaw(nodeId, ObjProgramData, 1, data, false)
}

func (t *sdoTransport) SendFinalize(nodeId uint8, firmwareCRC uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, firmwareCRC)
	return t.client.WriteRaw(nodeId, ObjFinalize, 1, buf, false)
}

func (t *sdoTransport) QueryCRC(nodeId uint8) (uint16, error) {
	return t.client.ReadUint16(nodeId, ObjRunningCRC, 1)
}

func (t *sdoTransport) QueryVersion(nodeId uint8) (uint16, error) {
	return t.client.ReadUint16(nodeId, ObjRunningVersion, 1)
}
