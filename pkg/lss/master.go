package lss

import (
	"encoding/binary"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	canopen "github.com/tardorhp/canmaster"
)

var DefaultTimeout = 1000 * time.Millisecond

// LSSMaster drives the wire-level LSS protocol operations: switch
// state, fastscan, node-ID configuration, persistence and inquiry.
// The commissioning state machine (Engine) is built on top of it.
type LSSMaster struct {
	*canopen.BusManager
	logger  *log.Entry
	mu      sync.Mutex
	rx      chan LSSMessage
	timeout time.Duration
}

// Handle receives LSS slave RX CAN frames.
func (l *LSSMaster) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS slave RX frame")
	}
}

// WaitForResponse waits up to timeout for a response carrying cmd. Any
// other command received meanwhile is logged and ignored.
func (l *LSSMaster) WaitForResponse(cmd LSSCommand) (LSSMessage, error) {
	begin := time.Now()
	for {
		elapsed := time.Since(begin)
		if elapsed >= l.timeout {
			return LSSMessage{}, ErrTimeout
		}
		remaining := l.timeout - elapsed
		select {
		case resp := <-l.rx:
			if cmd == resp.Command() {
				return resp, nil
			}
			l.logger.WithField("response", resp.Command()).Warn("received unexpected LSS response, ignoring")
		case <-time.After(remaining):
			l.logger.WithField("command", cmd).Warn("no response received from slave")
			return LSSMessage{}, ErrTimeout
		}
	}
}

// waitForResponseWithin is like WaitForResponse but bounded by an
// explicit short timeout, used by the fastscan step loop which must
// never block longer than one scan step.
func (l *LSSMaster) waitForResponseWithin(cmd LSSCommand, d time.Duration) (LSSMessage, error) {
	deadline := time.After(d)
	for {
		select {
		case resp := <-l.rx:
			if cmd == resp.Command() {
				return resp, nil
			}
		case <-deadline:
			return LSSMessage{}, ErrTimeout
		}
	}
}

// SwitchStateGlobal puts every slave on the bus into waiting or
// configuration mode. No answer is expected.
func (l *LSSMaster) SwitchStateGlobal(mode LSSMode) error {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdSwitchStateGlobal)
	frame.Data[1] = byte(mode)
	return l.Send(frame)
}

// SwitchStateSelective selects exactly the slave matching address and
// waits for its confirmation.
func (l *LSSMaster) SwitchStateSelective(address LSSAddress) error {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)

	frame.Data[0] = byte(CmdSwitchStateSelectiveVendor)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.VendorId)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveProduct)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.ProductCode)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveRevision)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.RevisionNumber)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveSerialNb)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.SerialNumber)
	l.Send(frame)

	_, err := l.WaitForResponse(CmdSwitchStateSelectiveResult)
	return err
}

// Deselect returns the bus to waiting state, deselecting whichever
// slave is currently selected.
func (l *LSSMaster) Deselect() error {
	return l.SwitchStateGlobal(ModeWaiting)
}

// ConfigureNodeId assigns nodeId to the currently selected slave.
// Returns one of the ConfigNodeId* result codes.
func (l *LSSMaster) ConfigureNodeId(nodeId uint8) (uint8, error) {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdConfigureNodeId)
	frame.Data[1] = nodeId
	if err := l.Send(frame); err != nil {
		return 0, err
	}
	resp, err := l.WaitForResponse(CmdConfigureNodeId)
	if err != nil {
		return 0, err
	}
	return resp.raw[1], nil
}

// ConfigureStore requests the currently selected slave to persist its
// configured node ID to non-volatile storage.
func (l *LSSMaster) ConfigureStore() (uint8, error) {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdConfigureStoreParameters)
	if err := l.Send(frame); err != nil {
		return 0, err
	}
	resp, err := l.WaitForResponse(CmdConfigureStoreParameters)
	if err != nil {
		return 0, err
	}
	return resp.raw[1], nil
}

// InquireNodeId asks the currently selected slave to report the node
// ID it is actually operating with, used to verify a configuration
// round actually took effect.
func (l *LSSMaster) InquireNodeId() (uint8, error) {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdInquireNodeId)
	if err := l.Send(frame); err != nil {
		return 0, err
	}
	resp, err := l.WaitForResponse(CmdInquireNodeId)
	if err != nil {
		return 0, err
	}
	return resp.raw[1], nil
}

// FastscanState tracks a fastscan bisection over the four identity
// fields in progress. The
// caller (Engine) owns the instance and advances it one step at a
// time so that scanning never blocks the tick driver for longer than
// one fastscan step period.
type FastscanState struct {
	FieldIndex      int
	BitIndex        int
	Found           LSSAddress
	NoResponseCount int
	StepCount       int
	Start           time.Time
	LastProgress    time.Time
}

// NewFastscanState starts a fresh bisection over all four identity
// fields, most significant bit first.
func NewFastscanState(now time.Time) *FastscanState {
	return &FastscanState{FieldIndex: 0, BitIndex: 31, Start: now, LastProgress: now}
}

// Done reports whether every field has been resolved.
func (s *FastscanState) Done() bool {
	return s.FieldIndex >= 4
}

// FastscanStep performs exactly one bit test (or, once a field's 32
// bits are resolved, its confirmation round) and advances state in
// place. It never blocks longer than FastscanStepPeriod.
//
// Each step guesses the current bit is 1 and asks every slave whose
// remaining unresolved bits match to respond; a reply confirms the
// guess, a timeout means the bit is actually 0.
func (l *LSSMaster) FastscanStep(s *FastscanState) error {
	if s.Done() {
		return nil
	}

	if s.BitIndex < 0 {
		return l.fastscanConfirm(s)
	}

	testValue := s.Found.field(s.FieldIndex) | (uint32(1) << uint(s.BitIndex))

	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdFastscan)
	binary.LittleEndian.PutUint32(frame.Data[1:], testValue)
	frame.Data[5] = byte(s.BitIndex)
	frame.Data[6] = byte(s.FieldIndex)
	frame.Data[7] = byte(s.FieldIndex)

	if err := l.Send(frame); err != nil {
		return err
	}
	s.StepCount++
	s.LastProgress = time.Now()

	if _, err := l.waitForResponseWithin(CmdFastscanResponse, FastscanStepPeriod); err == nil {
		s.Found.setField(s.FieldIndex, testValue)
		s.NoResponseCount = 0
	} else {
		if s.NoResponseCount < 10 {
			s.NoResponseCount++
		}
	}
	s.BitIndex--
	return nil
}

// fastscanConfirm asks the candidate whether the just-resolved field
// matches exactly, advancing to the next field on success.
func (l *LSSMaster) fastscanConfirm(s *FastscanState) error {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdFastscan)
	binary.LittleEndian.PutUint32(frame.Data[1:], s.Found.field(s.FieldIndex))
	frame.Data[5] = 0x80 // bitCheck: confirm whole field, no further bisection
	frame.Data[6] = byte(s.FieldIndex)
	next := s.FieldIndex + 1
	if next > 3 {
		next = 3
	}
	frame.Data[7] = byte(next)

	if err := l.Send(frame); err != nil {
		return err
	}

	if _, err := l.waitForResponseWithin(CmdFastscanResponse, FastscanStepPeriod); err != nil {
		return ErrTimeout
	}
	s.LastProgress = time.Now()
	s.FieldIndex++
	s.BitIndex = 31
	return nil
}

// SetTimeout updates how long WaitForResponse blocks for an answer.
func (l *LSSMaster) SetTimeout(timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = timeout
}

func NewLSSMaster(bm *canopen.BusManager, timeout time.Duration) (*LSSMaster, error) {
	m := &LSSMaster{
		BusManager: bm,
		logger:     log.WithField("service", "lss"),
		rx:         make(chan LSSMessage, 2),
	}
	m.SetTimeout(timeout)
	if err := m.Subscribe(ServiceSlaveId, 0x7FF, false, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe registers m with the bus manager for LSS slave responses;
// BusManager.Subscribe returns a cancel func this package doesn't need
// to retain since an LSSMaster lives for the process lifetime.
func (l *LSSMaster) Subscribe(ident uint32, mask uint32, rtr bool, callback canopen.FrameListener) error {
	_, err := l.BusManager.Subscribe(ident, mask, rtr, callback)
	return err
}
