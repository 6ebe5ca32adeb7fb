// clock.go - virtual clock and network time.
// Copyright (C) 2024  The tdmh authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package timesync

import "sync"

// VirtualClock applies the FLOPSYNC-2 correction to the local clock.  It
// maintains separate forward and inverse conversion factors; when the
// node desynchronizes the correction is reset so both factors become 1.0
// and the round trip conversion stays exact for unbounded periods.
type VirtualClock struct {
	mu sync.Mutex

	syncPeriod int64

	baseTheoretical int64
	baseComputed    int64
	factor          float64
	inverseFactor   float64
}

// NewVirtualClock creates an uncorrected clock.
func NewVirtualClock(syncPeriod int64) *VirtualClock {
	return &VirtualClock{
		syncPeriod:    syncPeriod,
		factor:        1.0,
		inverseFactor: 1.0,
	}
}

// Update installs a new correction from the controller state: the
// uncorrected and corrected reference instants of the last sync period
// start, and the clock correction over the next period.
func (v *VirtualClock) Update(theoreticalFrameStart, computedFrameStart int64, clockCorrection int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.baseTheoretical = theoreticalFrameStart
	v.baseComputed = computedFrameStart
	v.factor = float64(v.syncPeriod+int64(clockCorrection)) / float64(v.syncPeriod)
	v.inverseFactor = 1.0 / v.factor
}

// Reset drops the correction, making corrected and uncorrected time
// advance at the same rate.
func (v *VirtualClock) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.factor = 1.0
	v.inverseFactor = 1.0
}

// Correct converts an uncorrected local time to corrected time.
func (v *VirtualClock) Correct(uncorrected int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.baseComputed + int64(float64(uncorrected-v.baseTheoretical)*v.factor)
}

// Uncorrect converts a corrected time back to the uncorrected clock.
func (v *VirtualClock) Uncorrect(corrected int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.baseTheoretical + int64(float64(corrected-v.baseComputed)*v.inverseFactor)
}

// NetworkTime tracks the offset between the local clock and the
// network-wide absolute time established by the master's packet counter.
type NetworkTime struct {
	mu     sync.Mutex
	offset int64
}

// SetOffset installs the local-to-network time offset.
func (n *NetworkTime) SetOffset(offset int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offset = offset
}

// FromLocal converts a local (corrected) time to network time.
func (n *NetworkTime) FromLocal(local int64) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return local + n.offset
}

// ToLocal converts a network time to local (corrected) time.
func (n *NetworkTime) ToLocal(network int64) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return network - n.offset
}
