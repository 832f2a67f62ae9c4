package cluster

import (
	"hash/crc32"
)

// DefaultSlots is the number of ownership slots plans hash into
const DefaultSlots = 128

// NodeDirectory tells a broker node which plans it is responsible for
type NodeDirectory interface {
	// Owns reports whether this node schedules planID
	Owns(planID string) bool
	IsLeader() bool
	OwnedSlots() int
	// Epoch changes whenever slot ownership changes
	Epoch() uint64
}

// Slot maps a plan onto one of n slots
func Slot(planID string, n int) int {
	return int(crc32.ChecksumIEEE([]byte(planID)) % uint32(n))
}

// StaticDirectory is used by a single broker that owns every plan
type StaticDirectory struct {
	Slots int
}

// Owns always returns true
func (StaticDirectory) Owns(string) bool { return true }

// IsLeader always returns true
func (StaticDirectory) IsLeader() bool { return true }

// OwnedSlots returns every slot
func (d StaticDirectory) OwnedSlots() int {
	if d.Slots <= 0 {
		return DefaultSlots
	}
	return d.Slots
}

// Epoch never changes
func (StaticDirectory) Epoch() uint64 { return 0 }
