package tdma

// Profile carries every role-parameterized constant the scheduler
// needs at Init (spec.md §6, "Configuration"). Frame geometry lives
// separately in Geometry since it is shared by both roles.
type Profile struct {
	Role     Role
	Geometry Geometry

	// MasterMaxRecords/MasterPayloadBudget and
	// FollowerMaxRecords/FollowerPayloadBudget bound build_payload's
	// packing loop (spec.md §4.3.4). Suggested defaults: Master
	// {2, 34}, Follower {16, 208}.
	MasterMaxRecords      int
	MasterPayloadBudget   int
	FollowerMaxRecords    int
	FollowerPayloadBudget int

	// SyncTimeoutFrames is the multiplier on F after which a Follower
	// that has not received a DOWNLINK abandons sync (default 10).
	SyncTimeoutFrames uint32

	// PayloadCRC appends and verifies a CRC16 over the packed payload
	// in addition to the radio's own CRC (spec.md §9 open question).
	PayloadCRC bool
}

// DefaultProfile returns a Profile using spec.md's suggested defaults
// for the given role and the default F=100ms geometry.
func DefaultProfile(role Role) Profile {
	return Profile{
		Role:                  role,
		Geometry:              DefaultGeometry,
		MasterMaxRecords:      2,
		MasterPayloadBudget:   34,
		FollowerMaxRecords:    16,
		FollowerPayloadBudget: 208,
		SyncTimeoutFrames:     10,
	}
}

func (p Profile) maxRecords() int {
	if p.Role == Master {
		return p.MasterMaxRecords
	}
	return p.FollowerMaxRecords
}

func (p Profile) payloadBudget() int {
	if p.Role == Master {
		return p.MasterPayloadBudget
	}
	return p.FollowerPayloadBudget
}
