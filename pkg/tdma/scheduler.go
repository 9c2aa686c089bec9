package tdma

import (
	"github.com/sirupsen/logrus"

	"github.com/relaylink/cantdma/internal/crc"
	"github.com/relaylink/cantdma/pkg/queue"
	"github.com/relaylink/cantdma/pkg/radio"
	"github.com/relaylink/cantdma/pkg/record"
)

// crcWireSize is the width of the optional trailing application CRC,
// present only when Profile.PayloadCRC is set.
const crcWireSize = 2

// Clock returns the local microsecond counter. Production wires
// time.Now; tests substitute a deterministic sequence.
type Clock func() int64

// Scheduler drives the periodic TDMA frame state machine described in
// spec.md §4.3. It owns no hardware directly: it commands a
// *radio.Transport and drains/fills a pair of *queue.Ring queues. A
// Scheduler is built once per node and is not safe for concurrent use;
// Update and the Transport's OnPacket callback are both expected to
// run from the same main loop goroutine, matching the single-threaded
// execution model the teacher's NodeProcessor main loop assumes.
type Scheduler struct {
	profile   Profile
	transport *radio.Transport
	txQueue   *queue.Ring // CAN -> radio, drained here
	rxQueue   *queue.Ring // radio -> CAN, filled here
	now       Clock
	logger    *logrus.Entry

	currentSlot   Slot
	frameSeq      uint16
	frameStartUs  int64
	clockOffsetUs int64
	lastSyncUs    int64
	synced        bool
}

// NewScheduler builds a Scheduler for the given profile. txQueue holds
// records waiting to go out over the air; rxQueue holds records
// received over the air and waiting for local CAN TX. Call Init before
// the first Update.
func NewScheduler(profile Profile, transport *radio.Transport, txQueue, rxQueue *queue.Ring, now Clock) *Scheduler {
	return &Scheduler{
		profile:   profile,
		transport: transport,
		txQueue:   txQueue,
		rxQueue:   rxQueue,
		now:       now,
		logger:    logrus.WithField("component", "tdma"),
	}
}

// Init sets the Scheduler's initial state per spec.md §4.3.1 and wires
// the transport's receive callback to processRx.
func (s *Scheduler) Init() {
	s.currentSlot = Guard
	s.frameSeq = 0
	s.clockOffsetUs = 0
	s.transport.OnPacket = s.processRx

	if s.profile.Role == Master {
		s.frameStartUs = s.now()
		s.synced = true
		if err := s.transport.Idle(); err != nil {
			s.logger.WithError(err).Warn("failed to idle radio at init")
		}
		return
	}

	s.frameStartUs = 0
	s.synced = false
	if err := s.transport.StartRx(); err != nil {
		s.logger.WithError(err).Warn("failed to start rx at init")
	}
}

// Update advances the frame state machine by one tick. Call from the
// main loop at a cadence at or below the guard width (spec.md §4.3.2).
func (s *Scheduler) Update() {
	frameLenUs := int64(s.profile.Geometry.FrameLenUs())
	nowLocal := s.now()

	if s.profile.Role == Follower && s.synced {
		timeout := int64(s.profile.SyncTimeoutFrames) * frameLenUs
		if nowLocal-s.lastSyncUs >= timeout {
			s.logger.Warn("sync timeout, dropping to unsynced")
			s.synced = false
			s.clockOffsetUs = 0
			s.frameStartUs = nowLocal
			if err := s.transport.StartRx(); err != nil {
				s.logger.WithError(err).Warn("failed to start rx on sync loss")
			}
		}
	}

	elapsed := nowLocal + s.clockOffsetUs - s.frameStartUs
	if elapsed < 0 {
		elapsed = 0
	}

	for elapsed >= frameLenUs {
		s.frameStartUs += frameLenUs
		s.frameSeq++
		elapsed -= frameLenUs
		s.enterSlot(Guard)
	}

	if newSlot := s.profile.Geometry.slotAt(uint32(elapsed)); newSlot != s.currentSlot {
		s.enterSlot(newSlot)
	}
}

// enterSlot runs the Master/Follower action table for a slot
// transition (spec.md §4.3.3).
func (s *Scheduler) enterSlot(slot Slot) {
	s.currentSlot = slot

	switch slot {
	case Guard:
		// Both radios are already in the mode the next slot needs.

	case Downlink:
		if s.profile.Role == Master {
			s.transmitSlot(true)
		} else if err := s.transport.StartRx(); err != nil {
			s.logger.WithError(err).Warn("failed to start rx for downlink")
		}

	case Uplink:
		if s.profile.Role == Master {
			if err := s.transport.StartRx(); err != nil {
				s.logger.WithError(err).Warn("failed to start rx for uplink")
			}
			return
		}
		if s.synced && !s.txQueue.IsEmpty() {
			s.transmitSlot(false)
		}
	}
}

func (s *Scheduler) transmitSlot(hdr bool) {
	buf := s.buildPayload(hdr)
	if err := s.transport.Transmit(buf); err != nil {
		// ErrBusy (or any submit failure): the slot is skipped, the
		// packed records were already popped from the queue and are
		// lost, consistent with "no flow control back to CAN
		// producers beyond bounded-queue overwrite accounting."
		s.logger.WithError(err).Warn("transmit skipped, radio busy")
	}
}

// buildPayload packs as many queued records as the role's budget
// allows, optionally prefixed with a DOWNLINK header, per spec.md
// §4.3.4.
func (s *Scheduler) buildPayload(hdr bool) []byte {
	budget := s.profile.payloadBudget()
	maxRecords := s.profile.maxRecords()

	buf := make([]byte, 0, budget+crcWireSize)
	if hdr {
		buf = append(buf, make([]byte, HeaderSize)...)
	}

	offset := len(buf)
	packed := uint8(0)
	for int(packed) < maxRecords && offset+record.WireSize <= budget {
		rec, ok := s.txQueue.TryPop()
		if !ok {
			break
		}
		buf = rec.Marshal(buf)
		offset += record.WireSize
		packed++
	}

	if hdr {
		h := header{
			SlotID:     Downlink,
			FrameSeq:   s.frameSeq,
			EpochUs:    uint32(s.frameStartUs),
			NumRecords: packed,
		}
		copy(buf[:HeaderSize], h.marshal(nil))
	}

	if s.profile.PayloadCRC {
		buf = appendCRC(buf)
	}

	return buf
}

// processRx is the Transport.OnPacket callback: it dispatches to the
// Master or Follower receive path (spec.md §4.3.5).
func (s *Scheduler) processRx(buf []byte, rxTimeUs int64) {
	if s.profile.PayloadCRC {
		var ok bool
		buf, ok = stripCRC(buf)
		if !ok {
			s.logger.Warn("payload crc mismatch, dropping")
			return
		}
	}

	if s.profile.Role == Master {
		for _, rec := range record.UnmarshalAll(buf) {
			s.rxQueue.Push(rec)
		}
		return
	}

	if len(buf) < HeaderSize {
		return
	}
	hdr, err := unmarshalHeader(buf)
	if err != nil || !validHeaderSlot(hdr.SlotID) {
		return
	}

	if hdr.SlotID == Downlink {
		s.synchronize(hdr, rxTimeUs)
	}

	for _, rec := range record.UnmarshalAll(buf[HeaderSize:]) {
		s.rxQueue.Push(rec)
	}
}

// synchronize disciplines the Follower's clock from an accepted
// DOWNLINK header, undoing the mid-slot RX timestamp bias before
// computing clock_offset_us (spec.md §4.3.5 step 3).
func (s *Scheduler) synchronize(hdr header, rxTimeUs int64) {
	half := int64(s.profile.Geometry.GuardUs) + int64(s.profile.Geometry.DownlinkUs)/2
	rxEst := rxTimeUs
	if rxTimeUs > half {
		rxEst = rxTimeUs - half
	}

	s.clockOffsetUs = int64(hdr.EpochUs) - rxEst
	s.frameSeq = hdr.FrameSeq
	s.frameStartUs = int64(hdr.EpochUs)
	s.synced = true
	s.lastSyncUs = rxTimeUs
}

// appendCRC appends a little-endian CRC16-CCITT over buf.
func appendCRC(buf []byte) []byte {
	var c crc.CRC16
	c.Block(buf)
	return append(buf, byte(c), byte(c>>8))
}

// stripCRC verifies and removes the trailing CRC16-CCITT appended by
// appendCRC, reporting false on mismatch or a too-short buffer.
func stripCRC(buf []byte) ([]byte, bool) {
	if len(buf) < crcWireSize {
		return nil, false
	}
	payload := buf[:len(buf)-crcWireSize]
	want := uint16(buf[len(buf)-2]) | uint16(buf[len(buf)-1])<<8

	var c crc.CRC16
	c.Block(payload)
	return payload, uint16(c) == want
}

// CurrentSlot returns the slot the state machine currently believes is
// active.
func (s *Scheduler) CurrentSlot() Slot { return s.currentSlot }

// Stats is the read-only diagnostics snapshot from spec.md §6.
type Stats struct {
	Synced            bool
	FrameSeq          uint16
	ClockOffsetUs     int64
	TxQueueOverwrites uint64
	RxQueueOverwrites uint64
	RadioTxTimeouts   uint64
	RadioCRCErrors    uint64
}

// Stats aggregates the diagnostics counters exported by the scheduler
// and its collaborators.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Synced:            s.synced,
		FrameSeq:          s.frameSeq,
		ClockOffsetUs:     s.clockOffsetUs,
		TxQueueOverwrites: s.txQueue.Overwrites(),
		RxQueueOverwrites: s.rxQueue.Overwrites(),
		RadioTxTimeouts:   s.transport.TxTimeouts(),
		RadioCRCErrors:    s.transport.CRCErrors(),
	}
}
