package canopen

import (
	"github.com/brutella/can"
)

// SocketcanBus wraps github.com/brutella/can, the concrete SocketCAN
// driver used by the master. Alternate transports (including
// virtualBus, used in tests) implement the same Bus interface.
type SocketcanBus struct {
	bus      *can.Bus
	listener FrameListener
}

func (s *SocketcanBus) Send(frame Frame) error {
	out := can.Frame{ID: frame.ID, Length: frame.DLC, Flags: frame.Flags, Data: frame.Data}
	return s.bus.Publish(out)
}

func (s *SocketcanBus) Subscribe(listener FrameListener) {
	s.listener = listener
	s.bus.Subscribe(s)
}

func (s *SocketcanBus) Connect(...any) error {
	go s.bus.ConnectAndPublish()
	return nil
}

// Handle implements brutella/can's frame handler, translating its
// frame representation into ours.
func (s *SocketcanBus) Handle(frame can.Frame) {
	s.listener.Handle(Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func NewSocketcanBus(name string) (*SocketcanBus, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus}, nil
}
