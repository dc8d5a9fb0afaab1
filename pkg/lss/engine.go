package lss

import (
	"time"

	log "github.com/sirupsen/logrus"
	canopen "github.com/tardorhp/canmaster"
)

const (
	masterServiceNMTId = 0x000
	nmtCmdStart        = 0x01
)

// Engine drives the commissioning state machine: repeatedly fastscan
// for an unconfigured slave, assign it the next free node ID, persist
// it, deselect it, and start over until the bus goes quiet.
// Once quiet it keeps the network operational and periodically
// rescans for newly connected slaves.
//
// Engine.Step is called once per main tick. While scanning it blocks
// for at most one fastscan step (plus a FastscanYieldPeriod sleep every
// FastscanYieldEvery steps); the configure and store states block for
// up to the LSSMaster's response timeout. Longer waits (the deselect
// delay, the rescan interval) are expressed as state.
type Engine struct {
	master   *LSSMaster
	registry *Registry
	logger   *log.Entry

	state EngineState

	fastscan       *FastscanState
	candidateId    uint8
	nextIdToAssign uint8
	idRounds       int
	verifyAttempts int

	found        LSSAddress
	foundMatch   *ConfiguredNode
	deselectedAt time.Time
	lastRescan   time.Time
	nmtElapsed   time.Duration

	uploadersLaunched bool

	masterNodeId uint8

	// OnConfigured is invoked once a node is newly persisted to the
	// registry, giving the master package a hook to launch a firmware
	// upload worker. It is not invoked for a rediscovered node that is
	// already in the registry.
	OnConfigured func(ConfiguredNode)

	// LaunchUploaders is invoked once per DONE-state entry with every
	// registry entry, so the master package can (re)launch one upload
	// worker per configured node, staggered, whenever the bus goes
	// quiet after a scan round.
	LaunchUploaders func([]ConfiguredNode)
}

func NewEngine(master *LSSMaster, registry *Registry, masterNodeId uint8) *Engine {
	return &Engine{
		master:         master,
		registry:       registry,
		logger:         log.WithField("service", "lss-engine"),
		state:          StateInit,
		nextIdToAssign: DefaultNextIdToAssign,
		masterNodeId:   masterNodeId,
	}
}

func (e *Engine) State() EngineState {
	return e.state
}

// Step advances the engine by one tick. elapsed is the time since the
// previous call, used to pace the NMT broadcast; the rescan interval
// is measured on the wall clock.
func (e *Engine) Step(elapsed time.Duration) {
	switch e.state {
	case StateInit:
		e.enterInit()
	case StateScanning:
		e.stepScanning()
	case StateConfigID:
		e.stepConfigID()
	case StateConfigStore:
		e.stepConfigStore()
	case StateVerifyID:
		e.stepVerifyID()
	case StateDeselect:
		e.stepDeselect()
	case StateActivate:
		e.stepActivate()
	case StateDone:
		e.stepDone(elapsed)
	}
}

func (e *Engine) enterInit() {
	e.fastscan = NewFastscanState(time.Now())
	e.candidateId = e.nextIdToAssign
	e.idRounds = 0
	e.verifyAttempts = 0
	e.state = StateScanning
}

func (e *Engine) stepScanning() {
	fs := e.fastscan

	if time.Since(fs.Start) > FastscanSafetyCap {
		e.logger.WithField("steps", fs.StepCount).Warn("fastscan safety timeout, going idle")
		e.state = StateDone
		return
	}

	if time.Since(fs.LastProgress) > FastscanStallTimeout {
		e.logger.WithField("steps", fs.StepCount).Warn("fastscan stalled with no progress, going idle")
		e.state = StateDone
		return
	}

	if err := e.master.FastscanStep(fs); err != nil {
		e.logger.WithError(err).Warn("fastscan confirm failed, going idle")
		e.state = StateDone
		return
	}

	if fs.StepCount > 0 && fs.StepCount%FastscanYieldEvery == 0 {
		time.Sleep(FastscanYieldPeriod)
	}

	if !fs.Done() {
		return
	}

	e.found = fs.Found
	elapsed := time.Since(fs.Start)
	e.logger.WithFields(log.Fields{
		"vendor":  e.found.VendorId,
		"product": e.found.ProductCode,
		"serial":  e.found.SerialNumber,
		"elapsed": elapsed,
		"steps":   fs.StepCount,
	}).Info("node detected")

	if existing, ok := e.registry.Find(e.found); ok {
		if time.Now().Before(existing.SkipUntil) {
			e.logger.WithField("node_id", existing.NodeId).Info("rediscovered node still within skip window, not re-selecting")
			e.state = StateInit
			return
		}
		e.candidateId = existing.NodeId
		e.foundMatch = existing
		e.logger.WithField("node_id", existing.NodeId).Info("rediscovered configured node, reasserting ID")
	} else {
		e.foundMatch = nil
	}
	e.state = StateConfigID
}

func (e *Engine) stepConfigID() {
	result, err := e.master.ConfigureNodeId(e.candidateId)
	if err != nil {
		e.logger.WithError(err).Warn("configure node-id failed, rescanning")
		e.state = StateInit
		return
	}
	switch result {
	case ConfigNodeIdOk:
		e.logger.WithField("node_id", e.candidateId).Info("node-id configured")
		e.state = StateConfigStore
	case ConfigNodeIdOutOfRange:
		e.candidateId = e.nextCandidate(e.candidateId)
		e.idRounds++
		if e.idRounds > ConfigIDMaxRotations {
			e.logger.Warn("no free node-id found after exhausting rotation, abandoning")
			e.state = StateDone
		}
	default:
		e.logger.WithField("result", result).Warn("configure node-id rejected, rescanning")
		e.state = StateInit
	}
}

func (e *Engine) nextCandidate(id uint8) uint8 {
	next := id + 1
	if id >= NodeIdMax {
		next = 2
	}
	if next == e.masterNodeId {
		next++
	}
	return next
}

func (e *Engine) stepConfigStore() {
	result, err := e.master.ConfigureStore()
	if err != nil {
		e.logger.WithError(err).Warn("configure store failed, rescanning")
		e.state = StateInit
		return
	}
	if result != ConfigStoreOk {
		e.logger.WithField("result", result).Warn("store rejected, rescanning")
		e.state = StateInit
		return
	}

	node := ConfiguredNode{
		Address:   e.found,
		NodeId:    e.candidateId,
		SkipUntil: time.Now().Add(ConfiguredNodeSkip),
	}
	isNew := e.foundMatch == nil
	e.registry.Upsert(node)
	if isNew && e.OnConfigured != nil {
		e.OnConfigured(node)
	}

	if err := e.master.Deselect(); err != nil {
		e.logger.WithError(err).Warn("deselect failed, rescanning")
		e.state = StateInit
		return
	}
	e.deselectedAt = time.Now()

	e.nextIdToAssign = e.nextCandidate(e.candidateId)
	e.state = StateActivate
}

func (e *Engine) stepVerifyID() {
	reported, err := e.master.InquireNodeId()
	if err != nil {
		e.logger.WithError(err).Warn("verify inquiry failed, deselecting anyway")
		e.state = StateDeselect
		return
	}
	if reported == e.candidateId {
		e.logger.WithField("node_id", reported).Info("node-id verified")
		e.state = StateDeselect
		return
	}
	e.verifyAttempts++
	if e.verifyAttempts > VerifyMaxAttempts {
		e.logger.Warn("node-id verification kept failing, rescanning")
		e.state = StateInit
	}
}

func (e *Engine) stepDeselect() {
	if err := e.master.Deselect(); err != nil {
		e.logger.WithError(err).Warn("deselect failed, rescanning")
		e.state = StateInit
		return
	}
	e.deselectedAt = time.Now()
	e.state = StateActivate
}

func (e *Engine) stepActivate() {
	if time.Since(e.deselectedAt) > DeselectDelay {
		e.state = StateInit
	}
}

func (e *Engine) stepDone(elapsed time.Duration) {
	if !e.uploadersLaunched {
		e.lastRescan = time.Now()
		nodes := e.registry.All()
		if len(nodes) > 0 {
			e.logger.WithField("count", len(nodes)).Info("network operational, launching uploaders")
			if e.LaunchUploaders != nil {
				e.LaunchUploaders(nodes)
			}
		}
		e.uploadersLaunched = true
	}

	e.nmtElapsed += elapsed
	if e.nmtElapsed >= NMTOperationalPeriod {
		e.nmtElapsed = 0
		e.sendNMTStartAll()
	}

	if time.Since(e.lastRescan) > RescanInterval {
		e.lastRescan = time.Now()
		e.uploadersLaunched = false
		e.state = StateInit
	}
}

func (e *Engine) sendNMTStartAll() {
	frame := canopen.NewFrame(masterServiceNMTId, 0, 2)
	frame.Data[0] = nmtCmdStart
	frame.Data[1] = 0 // broadcast: addresses every node
	if err := e.master.Send(frame); err != nil {
		e.logger.WithError(err).Warn("failed to send NMT start-all")
	}
}
