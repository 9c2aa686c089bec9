// Package socketcanframe wraps github.com/brutella/can as a canbus.Bus
// backend. It is the simplest way to reach a real SocketCAN interface
// and is registered under the name "socketcanframe" to leave
// "socketcan" free for the raw-socket backend in pkg/canbus/socketcan.
package socketcanframe

import (
	sockcan "github.com/brutella/can"

	"github.com/relaylink/cantdma/pkg/canbus"
)

func init() {
	canbus.Register("socketcanframe", NewBus)
}

type Bus struct {
	bus      *sockcan.Bus
	listener canbus.Listener
}

func NewBus(channel string) (canbus.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

func (b *Bus) Send(frame canbus.Frame) error {
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

func (b *Bus) Subscribe(listener canbus.Listener) error {
	b.listener = listener
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's Handler interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.listener.Handle(canbus.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}
