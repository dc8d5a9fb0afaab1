package canopen

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// Max Standard CAN ID is 0x7FF (2047).
	MaxCanId = 0x7FF

	// The array must hold standard frames + RTR frames (so 2x size)
	LookupArraySize = (MaxCanId + 1) * 2
)

type subscriber struct {
	id       uint64
	callback FrameListener
}

// BusManager wraps the CAN bus interface used by the CANopen stack:
// it serializes sends, dispatches received frames to whichever engine
// (LSS or SDO) subscribed for a given CAN ID, and tracks bus errors.
type BusManager struct {
	logger *log.Entry
	mu     sync.Mutex
	sendMu sync.Mutex
	bus    Bus
	// CAN id indexed subscribers
	listeners [LookupArraySize][]subscriber
	nextSubId uint64
	canError  uint16
}

// Handle implements FrameListener; it is what the Bus calls on every
// received CAN frame. Must not block.
func (bm *BusManager) Handle(frame Frame) {
	canId := frame.ID & unix.CAN_SFF_MASK
	if canId >= LookupArraySize {
		return
	}

	bm.mu.Lock()
	listeners := bm.listeners[canId]
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send serializes one outbound CAN frame through the bus.
func (bm *BusManager) Send(frame Frame) error {
	bm.sendMu.Lock()
	defer bm.sendMu.Unlock()
	err := bm.bus.Send(frame)
	if err != nil {
		bm.logger.WithError(err).Warn("error sending frame")
	}
	return err
}

// Process should be called cyclically to update bus error state.
func (bm *BusManager) Process() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.canError = 0
	return nil
}

// Subscribe registers callback for a specific CAN ID (standard 11-bit
// only). Returns a cancel func that removes the subscription.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) (cancel func(), err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if int(ident) > MaxCanId {
		return nil, errors.New("array-based manager only supports standard 11-bit IDs")
	}

	idx := ident
	if rtr {
		// Offset by 2048 for RTR frames
		idx += MaxCanId + 1
	}

	bm.nextSubId++
	subId := bm.nextSubId
	bm.listeners[idx] = append(bm.listeners[idx], subscriber{
		id:       subId,
		callback: callback,
	})

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()

		subs := bm.listeners[idx]
		for i, sub := range subs {
			if sub.id == subId {
				bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}

	return cancel, nil
}

// Unsubscribe removes every subscription registered by callback on the
// given CAN ID.
func (bm *BusManager) Unsubscribe(ident uint32, rtr bool, callback FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if int(ident) > MaxCanId {
		return fmt.Errorf("array-based manager only supports standard 11-bit IDs")
	}
	idx := ident
	if rtr {
		idx += MaxCanId + 1
	}

	subs := bm.listeners[idx]
	removed := false
	kept := subs[:0]
	for _, sub := range subs {
		if sub.callback == callback {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	bm.listeners[idx] = kept
	if !removed {
		return fmt.Errorf("no registered callback for id %v", ident)
	}
	return nil
}

func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:    bus,
		logger: log.WithField("component", "bus"),
	}
}
