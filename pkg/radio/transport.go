package radio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBusy is returned by Transmit when a previous transmit has
// neither completed nor timed out yet.
var ErrBusy = errors.New("radio: transmitter busy")

// watchdogMargin is added to the time-on-air of the in-flight packet
// to compute the busy deadline (spec.md §4.2).
const watchdogMargin = 5 * time.Millisecond

// Clock returns the local microsecond counter. Tests substitute a
// deterministic implementation; production wires time.Now().
type Clock func() int64

// Transport multiplexes a single Transceiver between RX, TX and
// standby, mirroring the IDLE/RX/TX state machine in spec.md §4.2. It
// never blocks: Transmit submits and returns, and completion is
// observed through PollIRQ.
type Transport struct {
	tc  *Transceiver
	now Clock

	// OnPacket is invoked from PollIRQ on a successful, CRC-valid
	// receive with the local-clock microsecond timestamp of the
	// RX_DONE edge, already biased toward mid-packet.
	OnPacket func(buf []byte, rxTimeUs int64)

	mu            sync.Mutex
	busy          bool
	busyDeadline  int64
	txTimeouts    atomic.Uint64
	crcErrors     atomic.Uint64
	logger        *logrus.Entry
	rxReadFn      func() ([]byte, error)
	rxTimestampFn func() int64
}

// NewTransport builds a Transport around tc. rxRead returns the bytes
// of the most recently received packet (valid only immediately after
// an RxDone IRQ); rxTimestamp returns the raw, un-biased microsecond
// timestamp the driver's ISR captured at the RX_DONE edge.
func NewTransport(tc *Transceiver, now Clock, rxRead func() ([]byte, error), rxTimestamp func() int64) *Transport {
	return &Transport{
		tc:            tc,
		now:           now,
		rxReadFn:      rxRead,
		rxTimestampFn: rxTimestamp,
		logger:        logrus.WithField("component", "radio"),
	}
}

// StartRx places the transceiver in continuous receive. Idempotent.
func (t *Transport) StartRx() error {
	return t.tc.StartReceiveFn()
}

// Idle places the transceiver in standby and clears any pending busy
// state, since a standby transition abandons any in-flight transmit.
func (t *Transport) Idle() error {
	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
	return t.tc.StandbyFn()
}

// IsBusy reports whether a transmit is still considered in flight.
func (t *Transport) IsBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busyLocked()
}

func (t *Transport) busyLocked() bool {
	if !t.busy {
		return false
	}
	if t.now() >= t.busyDeadline {
		// Past its watchdog deadline: force-clear so the caller can
		// resubmit. The deadline having passed means TX_DONE was
		// lost (radio fault, missed IRQ), not that the channel is
		// still occupied.
		t.busy = false
		return false
	}
	return true
}

// Transmit begins an asynchronous transmit of buf. It returns ErrBusy
// without submitting if a prior TX has neither completed nor timed
// out; the scheduler is expected to retry on the next slot.
func (t *Transport) Transmit(buf []byte) error {
	toaUs := t.tc.TimeOnAirFn(len(buf)).Microseconds()

	t.mu.Lock()
	if t.busyLocked() {
		t.mu.Unlock()
		t.logger.Warn("transmit blocked: still busy")
		return ErrBusy
	}
	t.busy = true
	t.busyDeadline = t.now() + toaUs + watchdogMargin.Microseconds()
	t.mu.Unlock()

	if err := t.tc.StartTransmitFn(buf); err != nil {
		t.mu.Lock()
		t.busy = false
		t.mu.Unlock()
		return err
	}
	return nil
}

// PollIRQ consumes the level-triggered flag set by the DIO ISR and
// dispatches to the internal completion handlers. Call from the main
// loop at a cadence at or below the guard width.
func (t *Transport) PollIRQ() {
	status := t.tc.IRQStatusFn()

	if status.RxDone {
		t.onRxDone(status.CRCMismatch)
	}
	if status.TxDone {
		t.onTxDone()
	}
	if status.Timeout {
		t.onTimeout()
	}
}

func (t *Transport) onRxDone(crcMismatch bool) {
	if crcMismatch {
		t.crcErrors.Add(1)
		_ = t.StartRx()
		return
	}
	buf, err := t.rxReadFn()
	if err != nil {
		t.logger.WithError(err).Warn("rx read failed")
		_ = t.StartRx()
		return
	}
	rxTime := t.rxTimestampFn()
	toaUs := t.tc.TimeOnAirFn(len(buf)).Microseconds()
	midpointOffset := toaUs / 2
	if midpointOffset < rxTime {
		rxTime -= midpointOffset
	}
	if t.OnPacket != nil {
		t.OnPacket(buf, rxTime)
	}
	_ = t.StartRx()
}

func (t *Transport) onTxDone() {
	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
	_ = t.StartRx()
}

func (t *Transport) onTimeout() {
	t.mu.Lock()
	wasBusy := t.busy
	t.busy = false
	t.mu.Unlock()
	if wasBusy {
		t.txTimeouts.Add(1)
	}
	_ = t.StartRx()
}

// TxTimeouts returns the count of TX watchdog timeouts observed.
func (t *Transport) TxTimeouts() uint64 { return t.txTimeouts.Load() }

// CRCErrors returns the count of RX packets dropped for CRC mismatch.
func (t *Transport) CRCErrors() uint64 { return t.crcErrors.Load() }
