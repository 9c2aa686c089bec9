// Package simradio provides an in-process pair of radio.Transceiver
// implementations whose transmits are delivered to the peer by timers
// (time-on-air plus a fixed latency), so the TDMA scheduler can be
// exercised end-to-end without real RF hardware. It plays the same
// role for the radio link that the teacher's virtual CAN bus plays for
// CAN traffic: a loopback transport for running a master and a
// follower node against each other in one process
// (cmd/bridge -master-config ... -follower-config ...).
package simradio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaylink/cantdma/pkg/radio"
)

// bitrateBytesPerUs models the channel's rough throughput for the
// purposes of time-on-air and the resulting mid-packet timestamp
// bias; it does not need to match any particular modulation.
const bitrateBytesPerUs = 0.1 // 100 kB/s equivalent

type packet struct {
	buf      []byte
	crcError bool
}

// node is one endpoint's mutable state.
type node struct {
	mu          sync.Mutex
	rxPending   *packet
	rxDone      atomic.Bool
	rxTimestamp atomic.Int64
	txDone      atomic.Bool
	timeout     atomic.Bool
	nowUs       func() int64
}

func timeOnAir(payloadLen int) time.Duration {
	return time.Duration(float64(payloadLen)/bitrateBytesPerUs) * time.Microsecond
}

func wireNode(self, peer *node, latency time.Duration) *radio.Transceiver {
	tc := &radio.Transceiver{
		TimeOnAirFn: timeOnAir,
	}
	tc.StartReceiveFn = func() error {
		return nil
	}
	tc.StandbyFn = func() error {
		return nil
	}
	tc.StartTransmitFn = func(buf []byte) error {
		toa := timeOnAir(len(buf))
		cp := append([]byte(nil), buf...)
		time.AfterFunc(toa, func() {
			self.txDone.Store(true)
		})
		time.AfterFunc(toa+latency, func() {
			peer.mu.Lock()
			peer.rxPending = &packet{buf: cp}
			peer.mu.Unlock()
			peer.rxTimestamp.Store(peer.nowUs())
			peer.rxDone.Store(true)
		})
		return nil
	}
	tc.IRQStatusFn = func() radio.IRQStatus {
		status := radio.IRQStatus{
			RxDone:  self.rxDone.Swap(false),
			TxDone:  self.txDone.Swap(false),
			Timeout: self.timeout.Swap(false),
		}
		if status.RxDone {
			self.mu.Lock()
			if self.rxPending != nil {
				status.CRCMismatch = self.rxPending.crcError
			}
			self.mu.Unlock()
		}
		return status
	}
	return tc
}

// ReadFn and TimestampFn are exposed separately because radio.Transport
// takes them as free functions rather than Transceiver fields (they
// read driver-held RX staging buffers, not the IRQ-status register).
func newReadFn(self *node) func() ([]byte, error) {
	return func() ([]byte, error) {
		self.mu.Lock()
		defer self.mu.Unlock()
		if self.rxPending == nil {
			return nil, errors.New("simradio: no packet pending")
		}
		p := self.rxPending
		self.rxPending = nil
		if p.crcError {
			return nil, errors.New("simradio: crc mismatch")
		}
		return p.buf, nil
	}
}

func newTimestampFn(self *node) func() int64 {
	return func() int64 {
		return self.rxTimestamp.Load()
	}
}

// Endpoint bundles everything radio.NewTransport needs for one side of
// a simulated link.
type Endpoint struct {
	Transceiver *radio.Transceiver
	ReadFn      func() ([]byte, error)
	TimestampFn func() int64
}

// NewEndpointPair is the usual entry point: it builds both transport
// sides of a simulated half-duplex link in one call.
func NewEndpointPair(latency time.Duration, nowA, nowB func() int64) (Endpoint, Endpoint) {
	a := &node{nowUs: nowA}
	b := &node{nowUs: nowB}

	tcA := wireNode(a, b, latency)
	tcB := wireNode(b, a, latency)

	return Endpoint{Transceiver: tcA, ReadFn: newReadFn(a), TimestampFn: newTimestampFn(a)},
		Endpoint{Transceiver: tcB, ReadFn: newReadFn(b), TimestampFn: newTimestampFn(b)}
}
