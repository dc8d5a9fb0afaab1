// Package lss implements the master side of CiA 305 Layer Setting
// Services: fastscan discovery of an unconfigured slave, node-ID
// assignment, persistence, and the commissioning state machine that
// repeats this for every node on the bus.
package lss

import (
	"errors"
	"time"
)

const (
	ServiceSlaveId  = 0x7E4
	ServiceMasterId = 0x7E5

	NodeIdUnconfigured = 0xFF
	NodeIdMin          = 0x1
	NodeIdMax          = 0x7F
)

var (
	ErrTimeout       = errors.New("no answer received")
	ErrInvalidNodeId = errors.New("invalid node id")
)

type LSSMode uint8

const (
	ModeWaiting       LSSMode = 0
	ModeConfiguration LSSMode = 1
)

type LSSCommand uint8

const (
	// Switch mode services, used to connect master & slave for configuration
	CmdSwitchStateGlobal            LSSCommand = 4
	CmdSwitchStateSelectiveVendor   LSSCommand = 64
	CmdSwitchStateSelectiveProduct  LSSCommand = 65
	CmdSwitchStateSelectiveRevision LSSCommand = 66
	CmdSwitchStateSelectiveSerialNb LSSCommand = 67
	CmdSwitchStateSelectiveResult   LSSCommand = 68

	// Configuration services, only available in configuration mode
	CmdConfigureNodeId          LSSCommand = 17
	CmdConfigureStoreParameters LSSCommand = 23

	// Inquiry services, only available in configuration mode
	CmdInquireNodeId LSSCommand = 94

	// Fastscan identification, available globally
	CmdFastscan         LSSCommand = 81
	CmdFastscanResponse LSSCommand = 79
)

const (
	ConfigNodeIdOk           = 0
	ConfigNodeIdOutOfRange   = 1
	ConfigNodeIdManufacturer = 0xFF
)

const (
	ConfigStoreOk           = 0
	ConfigStoreNotSupported = 1
	ConfigStoreFailed       = 2
)

// LSSAddress uniquely identifies a slave's commissioning identity: the
// concatenation of the four fields of object 0x1018 (identity).
// Equality over all four fields is the uniqueness predicate.
type LSSAddress struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

func (a LSSAddress) Equal(o LSSAddress) bool {
	return a == o
}

// field returns the value of identity field i (0=vendor, 1=product,
// 2=revision, 3=serial), used by the fastscan bit-test loop.
func (a LSSAddress) field(i int) uint32 {
	switch i {
	case 0:
		return a.VendorId
	case 1:
		return a.ProductCode
	case 2:
		return a.RevisionNumber
	default:
		return a.SerialNumber
	}
}

func (a *LSSAddress) setField(i int, v uint32) {
	switch i {
	case 0:
		a.VendorId = v
	case 1:
		a.ProductCode = v
	case 2:
		a.RevisionNumber = v
	default:
		a.SerialNumber = v
	}
}

type LSSMessage struct {
	raw [8]byte
}

func (m *LSSMessage) Command() LSSCommand {
	return LSSCommand(m.raw[0])
}

// ConfiguredNode is a commissioning record: a slave that has been
// assigned a node ID and has stored it. The registry enforces that no
// two records share an LSSAddress.
type ConfiguredNode struct {
	Address   LSSAddress
	NodeId    uint8
	SkipUntil time.Time
}

// EngineState is one of the LSS master commissioning engine's states.
type EngineState uint8

const (
	StateInit EngineState = iota
	StateScanning
	StateConfigID
	StateConfigStore
	StateVerifyID
	StateDeselect
	StateActivate
	StateDone
)

func (s EngineState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateScanning:
		return "SCANNING"
	case StateConfigID:
		return "CONFIG_ID"
	case StateConfigStore:
		return "CONFIG_STORE"
	case StateVerifyID:
		return "VERIFY_ID"
	case StateDeselect:
		return "DESELECT"
	case StateActivate:
		return "ACTIVATE"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Timing constants, matching the original firmware's commissioning
// cadence (see DESIGN.md for the source this was ported from).
const (
	FastscanStepPeriod    = 2 * time.Millisecond
	FastscanYieldEvery    = 256
	FastscanYieldPeriod   = 10 * time.Millisecond
	FastscanStallTimeout  = 500 * time.Millisecond
	FastscanSafetyCap     = 10 * time.Second
	DeselectDelay         = 1 * time.Second
	RescanInterval        = 5 * time.Second
	ConfiguredNodeSkip    = 30 * time.Second
	VerifyMaxAttempts     = 5
	ConfigIDMaxRotations  = 126
	NMTOperationalPeriod  = 1 * time.Second
	UploadWorkerStagger   = 100 * time.Millisecond
	DefaultNextIdToAssign = 0x10
)
