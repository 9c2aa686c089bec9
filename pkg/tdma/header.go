package tdma

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the wire size of tdmaHeader: slot_id(1) + frame_seq(2)
// + epoch_us(4) + num_records(1).
const HeaderSize = 8

// header is the 8-byte preamble the Master places at the head of
// every DOWNLINK payload (spec.md §3, "Wire Header").
type header struct {
	SlotID     Slot
	FrameSeq   uint16
	EpochUs    uint32
	NumRecords uint8
}

func (h header) marshal(buf []byte) []byte {
	var b [HeaderSize]byte
	b[0] = byte(h.SlotID)
	binary.LittleEndian.PutUint16(b[1:3], h.FrameSeq)
	binary.LittleEndian.PutUint32(b[3:7], h.EpochUs)
	b[7] = h.NumRecords
	return append(buf, b[:]...)
}

func unmarshalHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("tdma: short header (%d < %d)", len(buf), HeaderSize)
	}
	return header{
		SlotID:     Slot(buf[0]),
		FrameSeq:   binary.LittleEndian.Uint16(buf[1:3]),
		EpochUs:    binary.LittleEndian.Uint32(buf[3:7]),
		NumRecords: buf[7],
	}, nil
}
