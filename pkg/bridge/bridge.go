// Package bridge wires one node's CAN bus, bridge queues, radio
// transport and TDMA scheduler together, implementing the can_rx_poll
// / can_tx_drain contract spec.md §6 describes for the CAN driver
// boundary.
package bridge

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/relaylink/cantdma/pkg/canbus"
	"github.com/relaylink/cantdma/pkg/queue"
	"github.com/relaylink/cantdma/pkg/radio"
	"github.com/relaylink/cantdma/pkg/record"
	"github.com/relaylink/cantdma/pkg/tdma"
)

// QueueCapacity is the suggested bridge queue depth Q from spec.md §3.
const QueueCapacity = 32

// Bridge owns one node's half of the link: a local CAN bus, the pair
// of SPSC queues that separate it from the radio side, the radio
// transport, and the scheduler that drives it.
type Bridge struct {
	can       canbus.Bus
	txQueue   *queue.Ring // local CAN -> radio
	rxQueue   *queue.Ring // radio -> local CAN
	transport *radio.Transport
	scheduler *tdma.Scheduler
	logger    *logrus.Entry
}

// New builds a Bridge around an already-constructed Scheduler, its
// transport and its queues. The Scheduler's Init must be called
// separately, before the first Tick; Init logs its own radio setup
// failures and does not return them.
func New(can canbus.Bus, txQueue, rxQueue *queue.Ring, transport *radio.Transport, scheduler *tdma.Scheduler) *Bridge {
	return &Bridge{
		can:       can,
		txQueue:   txQueue,
		rxQueue:   rxQueue,
		transport: transport,
		scheduler: scheduler,
		logger:    logrus.WithField("component", "bridge"),
	}
}

// Handle implements canbus.Listener: it is invoked once per frame
// received on the local CAN bus (the can_rx_poll contract, expressed
// here as a callback rather than a polled read since every canbus
// backend already delivers frames via its own receive goroutine).
func (b *Bridge) Handle(frame canbus.Frame) {
	b.txQueue.Push(record.FromFrame(frame))
}

// Start subscribes the Bridge to its CAN bus. Call after
// Scheduler.Init.
func (b *Bridge) Start() error {
	if err := b.can.Subscribe(b); err != nil {
		return fmt.Errorf("bridge: subscribe: %w", err)
	}
	return nil
}

// Tick polls the radio transport for completed RX/TX/timeout events,
// drains rx_queue onto the local CAN bus (can_tx_drain), and advances
// the scheduler by one step. Call from the main loop at a cadence at
// or below the guard width.
func (b *Bridge) Tick() {
	b.transport.PollIRQ()
	b.drainToCAN()
	b.scheduler.Update()
}

// drainToCAN submits every record currently queued from the radio side
// to the local CAN bus, stopping at the first send failure and
// retrying on the next Tick (spec.md §6, can_tx_drain). A record is
// only removed from rxQueue once Send has actually accepted it, so a
// failed submit leaves it queued for the retry instead of losing it.
func (b *Bridge) drainToCAN() {
	for {
		rec, ok := b.rxQueue.Peek()
		if !ok {
			return
		}
		if err := b.can.Send(rec.ToFrame()); err != nil {
			b.logger.WithError(err).Warn("can tx failed, will retry next tick")
			return
		}
		b.rxQueue.TryPop()
	}
}

// Stats exposes the scheduler's diagnostics snapshot (spec.md §6).
func (b *Bridge) Stats() tdma.Stats {
	return b.scheduler.Stats()
}
