package lss

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/tardorhp/canmaster"
)

func newLinkedMasters(t *testing.T) (*LSSMaster, *canopen.BusManager) {
	t.Helper()
	net := canopen.NewVirtualNetwork()

	masterBus := net.NewBus()
	slaveBus := net.NewBus()

	masterBm := canopen.NewBusManager(masterBus)
	masterBus.Subscribe(masterBm)

	slaveBm := canopen.NewBusManager(slaveBus)
	slaveBus.Subscribe(slaveBm)

	master, err := NewLSSMaster(masterBm, 100*time.Millisecond)
	require.NoError(t, err)
	return master, slaveBm
}

// fakeSlave answers every LSS request it is subscribed to as if it
// were the single unconfigured node on the bus with address target.
type fakeSlave struct {
	bm       *canopen.BusManager
	target   LSSAddress
	nodeId   uint8
	selected bool
}

func (s *fakeSlave) Handle(frame canopen.Frame) {
	cmd := LSSCommand(frame.Data[0])
	switch cmd {
	case CmdSwitchStateGlobal:
		s.selected = frame.Data[1] == byte(ModeConfiguration)
	case CmdFastscan:
		s.handleFastscan(frame)
	case CmdConfigureNodeId:
		if !s.selected {
			return
		}
		s.nodeId = frame.Data[1]
		resp := canopen.NewFrame(ServiceSlaveId, 0, 8)
		resp.Data[0] = byte(CmdConfigureNodeId)
		resp.Data[1] = ConfigNodeIdOk
		s.bm.Send(resp)
	case CmdConfigureStoreParameters:
		if !s.selected {
			return
		}
		resp := canopen.NewFrame(ServiceSlaveId, 0, 8)
		resp.Data[0] = byte(CmdConfigureStoreParameters)
		resp.Data[1] = ConfigStoreOk
		s.bm.Send(resp)
	case CmdInquireNodeId:
		if !s.selected {
			return
		}
		resp := canopen.NewFrame(ServiceSlaveId, 0, 8)
		resp.Data[0] = byte(CmdInquireNodeId)
		resp.Data[1] = s.nodeId
		s.bm.Send(resp)
	}
}

// handleFastscan answers only when the tested value (with the tested
// bit) matches the slave's actual identity field, emulating the
// bisection contract: silence means "bit wrong", a response means
// "bit confirmed".
func (s *fakeSlave) handleFastscan(frame canopen.Frame) {
	testValue := uint32(frame.Data[1]) | uint32(frame.Data[2])<<8 | uint32(frame.Data[3])<<16 | uint32(frame.Data[4])<<24
	bitOrCheck := frame.Data[5]
	fieldIndex := int(frame.Data[6])

	actual := s.target.field(fieldIndex)

	if bitOrCheck == 0x80 {
		if testValue != actual {
			return
		}
		resp := canopen.NewFrame(ServiceSlaveId, 0, 8)
		resp.Data[0] = byte(CmdFastscanResponse)
		s.bm.Send(resp)
		return
	}

	bit := uint(bitOrCheck)
	mask := ^uint32(0) << bit
	if (testValue & mask) != (actual & mask) {
		return
	}
	resp := canopen.NewFrame(ServiceSlaveId, 0, 8)
	resp.Data[0] = byte(CmdFastscanResponse)
	s.bm.Send(resp)
}

func TestFastscanFindsAddress(t *testing.T) {
	master, slaveBm := newLinkedMasters(t)
	target := LSSAddress{VendorId: 0x1234, ProductCode: 0x5678, RevisionNumber: 1, SerialNumber: 0xCAFEBABE}
	slave := &fakeSlave{bm: slaveBm, target: target}
	_, err := slaveBm.Subscribe(ServiceMasterId, 0x7FF, false, slave)
	require.NoError(t, err)

	state := NewFastscanState(time.Now())
	for !state.Done() {
		require.NoError(t, master.FastscanStep(state))
		if time.Since(state.Start) > 2*time.Second {
			t.Fatal("fastscan did not converge")
		}
	}

	assert.Equal(t, target, state.Found)
}

func TestLSSAddressEqual(t *testing.T) {
	a := LSSAddress{VendorId: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4}
	b := a
	c := a
	c.SerialNumber = 5

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestRegistryUpsertReplacesExistingAddress(t *testing.T) {
	r := NewRegistry("")
	addr := LSSAddress{VendorId: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4}

	r.Upsert(ConfiguredNode{Address: addr, NodeId: 10})
	r.Upsert(ConfiguredNode{Address: addr, NodeId: 11})

	node, ok := r.Find(addr)
	require.True(t, ok)
	assert.EqualValues(t, 11, node.NodeId)
	assert.Len(t, r.All(), 1)
}

func TestRegistryCapacityEvictsOldest(t *testing.T) {
	r := NewRegistry("")
	for i := 0; i < RegistryCapacity+5; i++ {
		r.Upsert(ConfiguredNode{
			Address: LSSAddress{SerialNumber: uint32(i)},
			NodeId:  uint8(i % 127),
		})
	}
	assert.Len(t, r.All(), RegistryCapacity)

	_, ok := r.Find(LSSAddress{SerialNumber: 0})
	assert.False(t, ok, "oldest entry should have been evicted")
}

func TestEngineStateString(t *testing.T) {
	assert.Equal(t, "SCANNING", StateScanning.String())
	assert.Equal(t, "UNKNOWN", EngineState(200).String())
}

func TestEngineNextCandidateWrapsAndSkipsMaster(t *testing.T) {
	e := &Engine{masterNodeId: 3}
	assert.EqualValues(t, 4, e.nextCandidate(2), "increments past the master's own id")
	assert.EqualValues(t, 2, e.nextCandidate(NodeIdMax), "wraps back to 2 at the top of the range")
}

func TestFastscanStallTimeoutEndsScan(t *testing.T) {
	state := NewFastscanState(time.Now())
	state.LastProgress = time.Now().Add(-2 * FastscanStallTimeout)

	e := &Engine{
		logger:   log.WithField("service", "lss-engine-test"),
		state:    StateScanning,
		fastscan: state,
	}
	e.stepScanning()

	assert.Equal(t, StateDone, e.state, "a frozen step counter past the stall timeout must end the scan")
}

func TestEngineSkipsReselectionWithinQuarantineWindow(t *testing.T) {
	registry := NewRegistry("")
	addr := LSSAddress{VendorId: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4}
	registry.Upsert(ConfiguredNode{Address: addr, NodeId: 0x10, SkipUntil: time.Now().Add(time.Minute)})

	e := &Engine{
		logger:   log.WithField("service", "lss-engine-test"),
		state:    StateScanning,
		registry: registry,
		fastscan: &FastscanState{FieldIndex: 4, Found: addr, Start: time.Now(), LastProgress: time.Now()},
	}
	e.stepScanning()

	assert.Equal(t, StateInit, e.state, "a node still within its skip window must not be re-selected")
}

func TestEngineReselectsExpiredNode(t *testing.T) {
	registry := NewRegistry("")
	addr := LSSAddress{VendorId: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4}
	existing := ConfiguredNode{Address: addr, NodeId: 0x10, SkipUntil: time.Now().Add(-time.Minute)}
	registry.Upsert(existing)

	e := &Engine{
		logger:   log.WithField("service", "lss-engine-test"),
		state:    StateScanning,
		registry: registry,
		fastscan: &FastscanState{FieldIndex: 4, Found: addr, Start: time.Now(), LastProgress: time.Now()},
	}
	e.stepScanning()

	assert.Equal(t, StateConfigID, e.state, "a node whose skip window has expired must be reasserted")
	assert.Equal(t, existing.NodeId, e.candidateId, "reassertion must reuse the node's previously assigned id")
	require.NotNil(t, e.foundMatch)
	assert.Equal(t, existing.NodeId, e.foundMatch.NodeId)
}
