package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylink/cantdma/pkg/canbus"
	"github.com/relaylink/cantdma/pkg/queue"
	"github.com/relaylink/cantdma/pkg/radio"
	"github.com/relaylink/cantdma/pkg/record"
	"github.com/relaylink/cantdma/pkg/tdma"
)

// fakeCAN is a minimal canbus.Bus that records sent frames and lets
// tests inject received ones via its stored listener.
type fakeCAN struct {
	listener canbus.Listener
	sent     []canbus.Frame
	sendErr  error
}

func (f *fakeCAN) Connect(...any) error { return nil }
func (f *fakeCAN) Disconnect() error    { return nil }
func (f *fakeCAN) Send(frame canbus.Frame) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeCAN) Subscribe(listener canbus.Listener) error {
	f.listener = listener
	return nil
}

func noopTransceiver() *radio.Transceiver {
	return &radio.Transceiver{
		StartReceiveFn:  func() error { return nil },
		StartTransmitFn: func([]byte) error { return nil },
		StandbyFn:       func() error { return nil },
		TimeOnAirFn:     func(int) time.Duration { return 0 },
		IRQStatusFn:     func() radio.IRQStatus { return radio.IRQStatus{} },
	}
}

func TestBridgeHandlePushesOntoTxQueue(t *testing.T) {
	can := &fakeCAN{}
	txQ := queue.NewRing(4)
	rxQ := queue.NewRing(4)
	clk := int64(0)
	transport := radio.NewTransport(noopTransceiver(), func() int64 { return clk }, func() ([]byte, error) { return nil, nil }, func() int64 { return 0 })
	sched := tdma.NewScheduler(tdma.DefaultProfile(tdma.Master), transport, txQ, rxQ, func() int64 { return clk })
	b := New(can, txQ, rxQ, transport, sched)

	require.NoError(t, b.Start())
	require.NotNil(t, can.listener)

	can.listener.Handle(canbus.Frame{ID: 0x123, DLC: 2, Data: [8]byte{1, 2}})

	assert.Equal(t, 1, txQ.Len())
}

func TestBridgeTickDrainsRxQueueToCAN(t *testing.T) {
	can := &fakeCAN{}
	txQ := queue.NewRing(4)
	rxQ := queue.NewRing(4)
	clk := int64(0)
	transport := radio.NewTransport(noopTransceiver(), func() int64 { return clk }, func() ([]byte, error) { return nil, nil }, func() int64 { return 0 })
	sched := tdma.NewScheduler(tdma.DefaultProfile(tdma.Follower), transport, txQ, rxQ, func() int64 { return clk })
	sched.Init()
	b := New(can, txQ, rxQ, transport, sched)

	rxQ.Push(record.New(0x10, []byte{1}))
	rxQ.Push(record.New(0x20, []byte{2}))

	b.Tick()

	require.Len(t, can.sent, 2)
	assert.EqualValues(t, 0x10, can.sent[0].ID)
	assert.EqualValues(t, 0x20, can.sent[1].ID)
	assert.Equal(t, 0, rxQ.Len())
}

func TestBridgeTickStopsDrainingOnSendFailure(t *testing.T) {
	can := &fakeCAN{sendErr: errors.New("tx fifo full")}
	txQ := queue.NewRing(4)
	rxQ := queue.NewRing(4)
	clk := int64(0)
	transport := radio.NewTransport(noopTransceiver(), func() int64 { return clk }, func() ([]byte, error) { return nil, nil }, func() int64 { return 0 })
	sched := tdma.NewScheduler(tdma.DefaultProfile(tdma.Follower), transport, txQ, rxQ, func() int64 { return clk })
	sched.Init()
	b := New(can, txQ, rxQ, transport, sched)

	rxQ.Push(record.New(0x10, []byte{1}))
	b.Tick()

	assert.Empty(t, can.sent)
	assert.Equal(t, 1, rxQ.Len())
}
