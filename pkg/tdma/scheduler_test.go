package tdma

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylink/cantdma/pkg/queue"
	"github.com/relaylink/cantdma/pkg/radio"
	"github.com/relaylink/cantdma/pkg/record"
)

// testClock is a mutable Clock for deterministic ticks.
type testClock struct{ t int64 }

func (c *testClock) now() int64 { return c.t }

// fakeRadio stands in for the radio.Transceiver driver hooks so tests
// can observe whether/what a Scheduler transmitted without any real
// hardware or airtime.
type fakeRadio struct {
	transmitCalls int
	lastTx        []byte
}

func (f *fakeRadio) transceiver() *radio.Transceiver {
	return &radio.Transceiver{
		StartReceiveFn:  func() error { return nil },
		StandbyFn:       func() error { return nil },
		TimeOnAirFn:     func(int) time.Duration { return 0 },
		IRQStatusFn:     func() radio.IRQStatus { return radio.IRQStatus{} },
		StartTransmitFn: func(buf []byte) error {
			f.transmitCalls++
			f.lastTx = append([]byte(nil), buf...)
			return nil
		},
	}
}

func newHarness(profile Profile, clk *testClock) (*Scheduler, *fakeRadio, *queue.Ring, *queue.Ring) {
	fr := &fakeRadio{}
	transport := radio.NewTransport(fr.transceiver(), clk.now, func() ([]byte, error) { return nil, nil }, func() int64 { return 0 })
	txQ := queue.NewRing(32)
	rxQ := queue.NewRing(32)
	s := NewScheduler(profile, transport, txQ, rxQ, clk.now)
	return s, fr, txQ, rxQ
}

func TestColdFollowerSync(t *testing.T) {
	clk := &testClock{}
	s, _, _, _ := newHarness(DefaultProfile(Follower), clk)
	s.Init()

	hdr := header{SlotID: Downlink, FrameSeq: 42, EpochUs: 1_000_000, NumRecords: 0}
	s.processRx(hdr.marshal(nil), 1_040_000)

	assert.True(t, s.synced)
	assert.EqualValues(t, 42, s.frameSeq)
	assert.EqualValues(t, 0, s.clockOffsetUs)
}

func TestSyncWithSkew(t *testing.T) {
	clk := &testClock{}
	s, _, _, _ := newHarness(DefaultProfile(Follower), clk)
	s.Init()

	hdr := header{SlotID: Downlink, FrameSeq: 42, EpochUs: 1_000_000, NumRecords: 0}
	s.processRx(hdr.marshal(nil), 1_050_000)

	assert.True(t, s.synced)
	assert.EqualValues(t, -10_000, s.clockOffsetUs)
}

func TestSyncTimeout(t *testing.T) {
	clk := &testClock{}
	s, _, _, _ := newHarness(DefaultProfile(Follower), clk)
	s.Init()
	s.synced = true
	s.lastSyncUs = 0
	s.frameStartUs = 0

	clk.t = 1_000_001 // 10*F + 1us, F=100ms
	s.Update()

	assert.False(t, s.synced)
	assert.EqualValues(t, 0, s.clockOffsetUs)
}

func TestUplinkWithoutSync(t *testing.T) {
	clk := &testClock{}
	s, fr, txQ, _ := newHarness(DefaultProfile(Follower), clk)
	s.Init()
	require.False(t, s.synced)

	txQ.Push(record.New(0x123, []byte{1, 2, 3}))
	s.enterSlot(Uplink)

	assert.Equal(t, 0, fr.transmitCalls)
	assert.Equal(t, 1, txQ.Len())
}

func TestDownlinkRecordsEndToEnd(t *testing.T) {
	masterClk := &testClock{}
	masterProfile := DefaultProfile(Master)
	masterProfile.MasterMaxRecords = 3
	masterProfile.MasterPayloadBudget = HeaderSize + 3*record.WireSize
	masterSched, masterRadio, masterTxQ, _ := newHarness(masterProfile, masterClk)
	masterSched.Init()

	recA := record.New(0x100, []byte{1})
	recB := record.New(0x200, []byte{2})
	recC := record.New(0x300, []byte{3})
	masterTxQ.Push(recA)
	masterTxQ.Push(recB)
	masterTxQ.Push(recC)

	masterSched.enterSlot(Downlink)
	require.Equal(t, 1, masterRadio.transmitCalls)
	require.Len(t, masterRadio.lastTx, HeaderSize+3*record.WireSize)

	followerClk := &testClock{}
	followerSched, _, _, followerRxQ := newHarness(DefaultProfile(Follower), followerClk)
	followerSched.Init()
	followerSched.processRx(masterRadio.lastTx, 40_000)

	require.Equal(t, 3, followerRxQ.Len())
	first, ok := followerRxQ.TryPop()
	require.True(t, ok)
	assert.Equal(t, recA, first)
	second, ok := followerRxQ.TryPop()
	require.True(t, ok)
	assert.Equal(t, recB, second)
	third, ok := followerRxQ.TryPop()
	require.True(t, ok)
	assert.Equal(t, recC, third)
}

func TestFrameRolloverAdvancesByExactlyF(t *testing.T) {
	clk := &testClock{}
	profile := DefaultProfile(Master)
	s, _, _, _ := newHarness(profile, clk)
	s.Init()

	frameLen := int64(profile.Geometry.FrameLenUs())
	start := s.frameStartUs
	clk.t = frameLen + 1
	s.Update()

	assert.Equal(t, start+frameLen, s.frameStartUs)
	assert.EqualValues(t, 1, s.frameSeq)
}

func TestMasterStaysSyncedWithZeroOffset(t *testing.T) {
	clk := &testClock{}
	s, _, _, _ := newHarness(DefaultProfile(Master), clk)
	s.Init()

	clk.t = 250_000
	s.Update()

	assert.True(t, s.synced)
	assert.EqualValues(t, 0, s.clockOffsetUs)
}

func TestUnknownSlotIDDropped(t *testing.T) {
	clk := &testClock{}
	s, _, _, rxQ := newHarness(DefaultProfile(Follower), clk)
	s.Init()

	hdr := header{SlotID: Slot(0xFF), FrameSeq: 1, EpochUs: 1, NumRecords: 0}
	s.processRx(hdr.marshal(nil), 100)

	assert.False(t, s.synced)
	assert.Equal(t, 0, rxQ.Len())
}

func TestShortFollowerPacketDropped(t *testing.T) {
	clk := &testClock{}
	s, _, _, rxQ := newHarness(DefaultProfile(Follower), clk)
	s.Init()

	s.processRx([]byte{1, 2, 3}, 100)

	assert.False(t, s.synced)
	assert.Equal(t, 0, rxQ.Len())
}

func TestPayloadCRCRoundTrip(t *testing.T) {
	clk := &testClock{}
	profile := DefaultProfile(Master)
	profile.PayloadCRC = true
	s, fr, txQ, _ := newHarness(profile, clk)
	s.Init()

	txQ.Push(record.New(0x42, []byte{9, 9}))
	s.enterSlot(Downlink)

	require.Equal(t, 1, fr.transmitCalls)
	assert.Len(t, fr.lastTx, HeaderSize+record.WireSize+crcWireSize)

	follower, _, _, rxQ := newHarness(func() Profile {
		p := DefaultProfile(Follower)
		p.PayloadCRC = true
		return p
	}(), clk)
	follower.Init()
	follower.processRx(fr.lastTx, 0)

	assert.Equal(t, 1, rxQ.Len())
}

func TestPayloadCRCMismatchDropped(t *testing.T) {
	clk := &testClock{}
	profile := DefaultProfile(Master)
	profile.PayloadCRC = true
	s, fr, txQ, _ := newHarness(profile, clk)
	s.Init()

	txQ.Push(record.New(0x42, []byte{9, 9}))
	s.enterSlot(Downlink)
	require.Equal(t, 1, fr.transmitCalls)

	corrupt := append([]byte(nil), fr.lastTx...)
	corrupt[0] ^= 0xFF

	profile.Role = Follower
	follower, _, _, rxQ := newHarness(profile, clk)
	follower.Init()
	follower.processRx(corrupt, 0)

	assert.Equal(t, 0, rxQ.Len())
	assert.False(t, follower.synced)
}
