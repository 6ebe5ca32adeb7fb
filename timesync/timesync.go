// timesync.go - clock synchronization phase interfaces and wire format.
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

// Package timesync implements the master beacon dissemination via
// controlled flooding, the FLOPSYNC-2 closed-loop clock correction and
// the resync/desync state machine of dynamic nodes.
package timesync

import (
	"encoding/binary"

	"github.com/tdmh/tdmh/config"
)

// Status is the synchronization state of a node.
type Status uint8

const (
	// Desynchronized means the node has no valid network time.
	Desynchronized Status = iota
	// Syncing means a beacon was hooked but the controller has not
	// converged yet.
	Syncing
	// InSync means the node tracks the master clock.
	InSync
)

// Desyncable is implemented by every component that must be notified of
// synchronization state changes.
type Desyncable interface {
	// Resync is called when the node reacquires the network time.
	Resync()
	// Desync is called when synchronization is lost.
	Desync()
}

// Aligner realigns the uplink round-robin when the absolute network time
// is reacquired.
type Aligner interface {
	AlignToNetworkTime(networkTime int64)
}

// Phase is the timesync downlink phase of a node.
type Phase interface {
	// Execute runs the timesync slot opening the clock sync period.
	Execute(slotStart int64)

	// SlotframeStart returns the local time the current clock sync
	// slotframe started at.
	SlotframeStart() int64

	// Correct converts an uncorrected local time to the virtual clock.
	Correct(uncorrected int64) int64

	// Status returns the synchronization state.
	Status() Status

	// MacCanOperate reports whether the MAC may execute control and
	// data slots.
	MacCanOperate() bool
}

// Wire layout of the timesync beacon.
const (
	syncPacketHeaderSize = 11
	hopOffset            = 2
	counterOffset        = 7
	masterIndexOffset    = 11
	syncPacketCryptoSize = syncPacketHeaderSize + 4
)

// buildSyncHeader assembles the fixed part of a beacon.
func buildSyncHeader(panID uint16, hop uint8, counter uint32) [syncPacketHeaderSize]byte {
	var pkt [syncPacketHeaderSize]byte
	pkt[0] = 0x46 // frame type 0b110 (reserved), intra pan
	pkt[1] = 0x08 // no source addressing, short destination addressing
	pkt[2] = hop  // seq no reused as flood hop count, 1 = master
	pkt[3] = byte(panID >> 8)
	pkt[4] = byte(panID) // destination pan id
	pkt[5] = 0xff
	pkt[6] = 0xff // destination address (broadcast)
	binary.LittleEndian.PutUint32(pkt[counterOffset:], counter)
	return pkt
}

// validSyncHeader checks the fixed bytes of a received beacon.  The hop
// check against the node's own hop is up to the caller.
func validSyncHeader(data []byte, cfg *config.NetworkConfiguration) bool {
	if len(data) < syncPacketHeaderSize {
		return false
	}
	if data[0] != 0x46 || data[1] != 0x08 {
		return false
	}
	if data[3] != byte(cfg.PanID>>8) || data[4] != byte(cfg.PanID) {
		return false
	}
	if data[5] != 0xff || data[6] != 0xff {
		return false
	}
	hop := data[hopOffset] & 0x7f
	return hop >= 1 && hop <= cfg.MaxHops
}

// syncPacketSize returns the expected on-air beacon size.  The master
// index travels in the beacon whenever any control plane cryptography is
// enabled, the authentication tag only when control messages are
// authenticated.
func syncPacketSize(cfg *config.NetworkConfiguration) int {
	size := syncPacketHeaderSize
	if controlCrypto(cfg) {
		size = syncPacketCryptoSize
	}
	if cfg.AuthenticateControlMessages || cfg.EncryptControlMessages {
		size += 16
	}
	return size
}

func controlCrypto(cfg *config.NetworkConfiguration) bool {
	return cfg.AuthenticateControlMessages || cfg.EncryptControlMessages ||
		cfg.DoMasterChallengeAuthentication
}
