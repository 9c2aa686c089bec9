package tdma

import "fmt"

// Slot identifies which part of the frame is active.
type Slot uint8

const (
	Downlink Slot = iota
	Uplink
	Guard
)

func (s Slot) String() string {
	switch s {
	case Downlink:
		return "DOWNLINK"
	case Uplink:
		return "UPLINK"
	case Guard:
		return "GUARD"
	default:
		return "UNKNOWN"
	}
}

func validHeaderSlot(s Slot) bool {
	return s == Downlink || s == Uplink || s == Guard
}

// Role is which side of the link a Scheduler plays.
type Role uint8

const (
	Master Role = iota
	Follower
)

// window is one half-open [start,end) sub-interval of the frame.
type window struct {
	slot  Slot
	start uint32
	end   uint32
}

// Geometry is the fixed cyclic frame layout:
// [GUARD g][DOWNLINK d][GUARD g][UPLINK u], g+d+g+u = F, all in
// microseconds (spec.md §3, "Frame Schedule").
type Geometry struct {
	GuardUs    uint32
	DownlinkUs uint32
	UplinkUs   uint32
}

// FrameLenUs is g+d+g+u.
func (g Geometry) FrameLenUs() uint32 {
	return 2*g.GuardUs + g.DownlinkUs + g.UplinkUs
}

func (g Geometry) validate() error {
	if g.GuardUs == 0 || g.DownlinkUs == 0 || g.UplinkUs == 0 {
		return fmt.Errorf("tdma: guard, downlink and uplink widths must all be > 0")
	}
	return nil
}

// DefaultGeometry is the F=100ms profile from spec.md §3.
var DefaultGeometry = Geometry{GuardUs: 10_000, DownlinkUs: 60_000, UplinkUs: 20_000}

func (g Geometry) windows() [4]window {
	return [4]window{
		{Guard, 0, g.GuardUs},
		{Downlink, g.GuardUs, g.GuardUs + g.DownlinkUs},
		{Guard, g.GuardUs + g.DownlinkUs, 2*g.GuardUs + g.DownlinkUs},
		{Uplink, 2*g.GuardUs + g.DownlinkUs, g.FrameLenUs()},
	}
}

// slotAt returns the slot whose half-open window contains elapsedUs.
func (g Geometry) slotAt(elapsedUs uint32) Slot {
	for _, w := range g.windows() {
		if elapsedUs >= w.start && elapsedUs < w.end {
			return w.slot
		}
	}
	return Guard
}
