// Package bridgecfg loads the bridge's INI configuration file into the
// typed profiles pkg/tdma, pkg/canbus and pkg/radio/simradio expect,
// following the object-dictionary .ini convention the teacher stack
// uses for EDS files (gopkg.in/ini.v1).
package bridgecfg

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/relaylink/cantdma/pkg/tdma"
)

// Config is the fully resolved set of knobs spec.md §6
// ("Configuration") requires at startup.
type Config struct {
	Role Role

	CANBackend   string // registered name under pkg/canbus, e.g. "socketcan"
	CANInterface string // e.g. "can0", or a virtual.Bus dial address

	RadioBackend string // "sim" or a hardware driver name
	RadioLatency uint32 // microseconds, simulated link propagation delay

	Profile tdma.Profile

	LogLevel string
}

// Role mirrors tdma.Role but is parsed from text rather than an
// integer, since an INI file is hand-authored.
type Role = tdma.Role

const (
	sectionNode  = "node"
	sectionCAN   = "can"
	sectionRadio = "radio"
	sectionFrame = "frame"
	sectionLog   = "log"
)

// Load parses an INI file at path into a Config, applying
// tdma.DefaultProfile's budgets and geometry as the baseline and
// overriding only the keys present in the file.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("bridgecfg: load %s: %w", path, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	roleStr := f.Section(sectionNode).Key("role").MustString("follower")
	role, err := parseRole(roleStr)
	if err != nil {
		return nil, err
	}

	profile := tdma.DefaultProfile(role)

	frame := f.Section(sectionFrame)
	profile.Geometry.GuardUs = uint32(frame.Key("guard_us").MustUint64(uint64(profile.Geometry.GuardUs)))
	profile.Geometry.DownlinkUs = uint32(frame.Key("downlink_us").MustUint64(uint64(profile.Geometry.DownlinkUs)))
	profile.Geometry.UplinkUs = uint32(frame.Key("uplink_us").MustUint64(uint64(profile.Geometry.UplinkUs)))
	profile.SyncTimeoutFrames = uint32(frame.Key("sync_timeout_frames").MustUint64(uint64(profile.SyncTimeoutFrames)))
	profile.PayloadCRC = frame.Key("payload_crc").MustBool(profile.PayloadCRC)

	profile.MasterMaxRecords = frame.Key("master_max_records").MustInt(profile.MasterMaxRecords)
	profile.MasterPayloadBudget = frame.Key("master_payload_budget").MustInt(profile.MasterPayloadBudget)
	profile.FollowerMaxRecords = frame.Key("follower_max_records").MustInt(profile.FollowerMaxRecords)
	profile.FollowerPayloadBudget = frame.Key("follower_payload_budget").MustInt(profile.FollowerPayloadBudget)

	if g := profile.Geometry; g.GuardUs == 0 || g.DownlinkUs == 0 || g.UplinkUs == 0 {
		return nil, fmt.Errorf("bridgecfg: guard, downlink and uplink widths must all be > 0")
	}

	can := f.Section(sectionCAN)
	radio := f.Section(sectionRadio)

	return &Config{
		Role:         role,
		CANBackend:   can.Key("backend").MustString("virtual"),
		CANInterface: can.Key("interface").MustString("can0"),
		RadioBackend: radio.Key("backend").MustString("sim"),
		RadioLatency: uint32(radio.Key("latency_us").MustUint64(2_000)),
		Profile:      profile,
		LogLevel:     f.Section(sectionLog).Key("level").MustString("info"),
	}, nil
}

func parseRole(s string) (tdma.Role, error) {
	switch s {
	case "master":
		return tdma.Master, nil
	case "follower":
		return tdma.Follower, nil
	default:
		return 0, fmt.Errorf("bridgecfg: unknown role %q (want master|follower)", s)
	}
}
