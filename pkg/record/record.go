// Package record defines the CAN Record value type exchanged between
// the CAN bus side and the TDMA radio side of the bridge, and its
// fixed-width wire encoding.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/relaylink/cantdma/pkg/canbus"
)

// WireSize is the serialized size of a Record: id(4) + dlc(1) + data(8).
const WireSize = 13

// MaxDLC is the largest valid classic CAN payload length.
const MaxDLC = 8

// Record is an immutable value carrying one CAN 2.0A classic frame.
// ID is an 11-bit identifier widened to 32 bits; only Data[:DLC] is
// meaningful.
type Record struct {
	ID   uint32
	DLC  uint8
	Data [8]byte
}

// New builds a Record, clamping DLC to the valid [0,8] range and
// zeroing bytes beyond it.
func New(id uint32, data []byte) Record {
	dlc := len(data)
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	var rec Record
	rec.ID = id & canbus.SffMask
	rec.DLC = uint8(dlc)
	copy(rec.Data[:dlc], data)
	return rec
}

// FromFrame converts a driver-facing canbus.Frame into a Record.
func FromFrame(f canbus.Frame) Record {
	return Record{ID: f.ID, DLC: f.DLC, Data: f.Data}
}

// ToFrame converts a Record back into a driver-facing canbus.Frame.
func (r Record) ToFrame() canbus.Frame {
	return canbus.Frame{ID: r.ID, DLC: r.DLC, Data: r.Data}
}

// Marshal appends the 13-byte little-endian wire encoding of r to buf
// and returns the extended slice.
func (r Record) Marshal(buf []byte) []byte {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], r.ID)
	hdr[4] = r.DLC
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Data[:]...)
	return buf
}

// Unmarshal decodes one Record from the first WireSize bytes of buf.
func Unmarshal(buf []byte) (Record, error) {
	if len(buf) < WireSize {
		return Record{}, fmt.Errorf("record: short buffer (%d < %d)", len(buf), WireSize)
	}
	var rec Record
	rec.ID = binary.LittleEndian.Uint32(buf[0:4])
	rec.DLC = buf[4]
	copy(rec.Data[:], buf[5:13])
	return rec, nil
}

// UnmarshalAll decodes as many complete WireSize-byte records as fit
// in buf, ignoring any trailing partial record.
func UnmarshalAll(buf []byte) []Record {
	n := len(buf) / WireSize
	recs := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := Unmarshal(buf[i*WireSize:])
		if err != nil {
			break
		}
		recs = append(recs, rec)
	}
	return recs
}
