// Package canbus defines the pluggable CAN bus driver contract consumed
// by the bridge. It deliberately knows nothing about TDMA, radios or
// bridge queues: it only moves raw CAN frames on and off the wire.
package canbus

import "fmt"

const RtrFlag uint32 = 0x40000000
const SffMask uint32 = 0x000007FF

// Frame is the driver-facing raw CAN 2.0A frame, as exchanged with the
// OS or hardware peripheral. Record (pkg/record) is the bridge-facing
// equivalent; the two are converted at the bridge boundary.
type Frame struct {
	ID    uint32
	DLC   uint8
	Data  [8]byte
	Flags uint8
}

// Listener receives frames as they arrive on the bus. Handle must not
// block: backends invoke it from their own receive goroutine (standing
// in for a hardware RX interrupt).
type Listener interface {
	Handle(frame Frame)
}

// Bus is the interface every CAN backend implements.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(listener Listener) error
}

// NewFunc constructs a Bus for a given channel (e.g. "can0", "vcan0",
// or a host:port for the virtual backend).
type NewFunc func(channel string) (Bus, error)

var registry = make(map[string]NewFunc)

// Register makes a backend available under name. Backends register
// themselves from an init() function.
func Register(name string, fn NewFunc) {
	registry[name] = fn
}

// Implemented lists backend names known to be compiled in, regardless
// of whether they have registered successfully on this platform.
var Implemented = []string{"socketcan", "socketcanframe", "virtual"}

// New constructs a Bus using the named backend.
func New(name string, channel string) (Bus, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("canbus: unknown backend %q", name)
	}
	return fn(channel)
}
