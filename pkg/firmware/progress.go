package firmware

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// UploadContext tracks one node's upload progress for reporting; it is
// not part of the wire protocol.
type UploadContext struct {
	mu sync.Mutex

	NodeId       uint8
	TotalBytes   int
	SentBytes    int
	StartTime    time.Time
	Completed    bool
	Failed       bool
	ErrorMessage string
}

// NewUploadContext starts a fresh, in-progress context for plan.
func NewUploadContext(plan UploadPlan) *UploadContext {
	return &UploadContext{
		NodeId:     plan.NodeId,
		TotalBytes: len(plan.Payload),
		StartTime:  time.Now(),
	}
}

// NewFailedUploadContext reports a node that never got as far as having
// an UploadPlan at all — e.g. the firmware image couldn't be opened, or
// an allocation to hold it failed. label is a short error label in the
// same style as RunUpload's mid-transfer ones ("Cannot open file" or
// "OOM" as used by the master package).
func NewFailedUploadContext(nodeId uint8, label string) *UploadContext {
	return &UploadContext{
		NodeId:       nodeId,
		StartTime:    time.Now(),
		Failed:       true,
		ErrorMessage: label,
	}
}

func (c *UploadContext) addSent(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SentBytes += n
}

func (c *UploadContext) markCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Completed = true
}

func (c *UploadContext) markFailed(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Failed = true
	c.ErrorMessage = label
}

// Snapshot returns a copy of the context's fields safe to read
// concurrently with the worker that owns it.
func (c *UploadContext) Snapshot() UploadContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return UploadContext{
		NodeId:       c.NodeId,
		TotalBytes:   c.TotalBytes,
		SentBytes:    c.SentBytes,
		StartTime:    c.StartTime,
		Completed:    c.Completed,
		Failed:       c.Failed,
		ErrorMessage: c.ErrorMessage,
	}
}

// ProgressMonitor periodically logs a summary of every tracked upload
// and stops once all of them have reached a terminal state.
type ProgressMonitor struct {
	contexts []*UploadContext
	interval time.Duration
	logger   *log.Entry
}

func NewProgressMonitor(interval time.Duration, contexts ...*UploadContext) *ProgressMonitor {
	return &ProgressMonitor{
		contexts: contexts,
		interval: interval,
		logger:   log.WithField("component", "firmware-progress"),
	}
}

// Run blocks, sampling and logging at interval until every context is
// terminal, then logs a final summary and returns.
func (m *ProgressMonitor) Run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for range ticker.C {
		allDone := true
		for _, c := range m.contexts {
			s := c.Snapshot()
			m.logger.WithFields(log.Fields{
				"node_id": s.NodeId,
				"sent":    s.SentBytes,
				"total":   s.TotalBytes,
				"done":    s.Completed,
				"failed":  s.Failed,
			}).Info("upload progress")
			if !s.Completed && !s.Failed {
				allDone = false
			}
		}
		if allDone {
			m.logger.Info("all uploads reached a terminal state")
			return
		}
	}
}
