// Package master composes the LSS commissioning engine and the
// firmware upload orchestrator into one owning context, replacing the
// file-scope statics of the platform this design is ported from with
// an explicit value passed by reference to both engines.
package master

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	canopen "github.com/tardorhp/canmaster"
	"github.com/tardorhp/canmaster/pkg/firmware"
	"github.com/tardorhp/canmaster/pkg/lss"
)

// PlanFactory builds the upload plan for a newly or previously
// configured node. Most deployments return the same firmware image
// for every node; a factory is used instead of a single plan so
// target-bank or per-node version overrides remain possible.
type PlanFactory func(nodeId uint8) (firmware.UploadPlan, error)

// Context owns every long-lived collaborator the tick driver touches:
// the bus, the LSS engine and its registry, the firmware transport
// (which, in production, wraps the shared SDO client), and the set of
// in-flight upload contexts. State machines read and write
// only through their own slice of this value.
type Context struct {
	bm       *canopen.BusManager
	lss      *lss.LSSMaster
	engine   *lss.Engine
	registry *lss.Registry

	transport   firmware.Transport
	planFactory PlanFactory

	logger *log.Entry

	mu       sync.Mutex
	uploads  []*firmware.UploadContext
	launched map[uint8]bool
}

// NewContext wires an LSS engine around lssMaster/registry and the
// given firmware transport, ready to drive via Process/
// ProcessPeriodic.
func NewContext(bm *canopen.BusManager, lssMaster *lss.LSSMaster, registry *lss.Registry, masterNodeId uint8, transport firmware.Transport, planFactory PlanFactory) *Context {
	ctx := &Context{
		bm:          bm,
		lss:         lssMaster,
		registry:    registry,
		transport:   transport,
		planFactory: planFactory,
		logger:      log.WithField("component", "master"),
		launched:    make(map[uint8]bool),
	}
	ctx.engine = lss.NewEngine(lssMaster, registry, masterNodeId)
	ctx.engine.OnConfigured = ctx.launchUpload
	ctx.engine.LaunchUploaders = ctx.launchAll
	return ctx
}

// Engine returns the commissioning engine driven by Process, for
// callers that need to inspect its state (tests, progress reporting).
func (c *Context) Engine() *lss.Engine {
	return c.engine
}

// Process advances the commissioning engine by one main tick.
func (c *Context) Process(elapsed time.Duration) {
	c.engine.Step(elapsed)
}

// ProcessPeriodic runs the cyclic side of protocol processing. SYNC,
// RPDO/TPDO and heartbeat consumption are explicit non-goals of this
// repository, so the only cyclic work left is the NMT broadcast the
// LSS engine already drives from Process; this hook is kept so the
// tick driver's two-call shape matches the source it's ported from,
// and so a future cyclic concern has somewhere to attach.
func (c *Context) ProcessPeriodic(elapsed time.Duration) {}

// launchUpload starts one upload worker for a freshly configured node.
func (c *Context) launchUpload(node lss.ConfiguredNode) {
	c.startWorker(node.NodeId)
}

// launchAll starts (or re-starts) one upload worker per registry
// entry, staggered by UploadWorkerStagger, matching the source's
// start_firmware_upload behavior on DONE entry.
func (c *Context) launchAll(nodes []lss.ConfiguredNode) {
	go func() {
		for _, node := range nodes {
			c.startWorker(node.NodeId)
			time.Sleep(lss.UploadWorkerStagger)
		}
	}()
}

func (c *Context) startWorker(nodeId uint8) {
	c.mu.Lock()
	if c.launched[nodeId] {
		c.mu.Unlock()
		return
	}
	c.launched[nodeId] = true
	c.mu.Unlock()

	go c.runUpload(nodeId)
}

func (c *Context) runUpload(nodeId uint8) {
	logger := c.logger.WithField("node_id", nodeId)

	plan, err := c.planFactory(nodeId)
	if err != nil {
		logger.WithError(err).Warn("cannot build upload plan")

		label := "Cannot open file"
		if errors.Is(err, firmware.ErrOutOfMemory) {
			label = "OOM"
		}
		failedCtx := firmware.NewFailedUploadContext(nodeId, label)
		c.mu.Lock()
		c.uploads = append(c.uploads, failedCtx)
		c.mu.Unlock()

		c.clearLaunched(nodeId)
		return
	}

	uploadCtx := firmware.NewUploadContext(plan)
	c.mu.Lock()
	c.uploads = append(c.uploads, uploadCtx)
	c.mu.Unlock()

	if err := firmware.RunUpload(plan, c.transport, uploadCtx); err != nil {
		logger.WithError(err).Warn("firmware upload failed")
	}
	c.clearLaunched(nodeId)
}

func (c *Context) clearLaunched(nodeId uint8) {
	c.mu.Lock()
	delete(c.launched, nodeId)
	c.mu.Unlock()
}

// Uploads returns a snapshot of every upload context started so far,
// for a ProgressMonitor to sample.
func (c *Context) Uploads() []*firmware.UploadContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*firmware.UploadContext, len(c.uploads))
	copy(out, c.uploads)
	return out
}
