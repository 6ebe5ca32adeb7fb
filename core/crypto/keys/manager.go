// manager.go - hash chain key management.
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

// Package keys implements the hash chain master key rotation, the
// per-phase key derivation and the challenge-response master
// authentication protocol.
package keys

import (
	"github.com/tdmh/tdmh/core/crypto"
	"github.com/tdmh/tdmh/core/wire"
)

// Status is the key manager state.
type Status uint8

const (
	// Disconnected means no valid key context exists.
	Disconnected Status = iota
	// MasterUntrusted means a candidate key context exists but the
	// master has not yet proven knowledge of the chain.
	MasterUntrusted
	// RekeyingUntrusted is MasterUntrusted while a rekeying is in
	// progress.
	RekeyingUntrusted
	// Connected means the key context is trusted and current.
	Connected
	// Rekeying means the next chain keys are being prepared.
	Rekeying
	// Advancing is the ephemeral state in which the master's index
	// advanced by one and the new timesync key awaits verification.
	Advancing
)

// String returns the state name for logging.
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case MasterUntrusted:
		return "MASTER_UNTRUSTED"
	case RekeyingUntrusted:
		return "REKEYING_UNTRUSTED"
	case Connected:
		return "CONNECTED"
	case Rekeying:
		return "REKEYING"
	case Advancing:
		return "ADVANCING"
	default:
		return "UNKNOWN"
	}
}

// maxIndexDelta bounds how far the hash chain may be advanced in a
// single resync attempt.
const maxIndexDelta = 470000

// StreamSink is the surface of the stream manager the key managers drive:
// challenge SMEs are enqueued for the uplink, trust transitions abort or
// resume application calls, and rekeying rotates the per-stream keys.
type StreamSink interface {
	EnqueueSME(sme wire.StreamManagementElement)
	UntrustMaster()
	TrustMaster()
	StartRekeying(nextMasterKey *[16]byte)
}

// Manager is the key management capability of a node.  Calls outside the
// legal state machine panic: an illegal transition is a programming
// error and safety takes precedence over availability.
type Manager interface {
	Status() Status
	RekeyingInProgress() bool

	// TimesyncOCB, UplinkOCB and DownlinkOCB return the per-phase
	// authenticated encryption contexts, rekeyed in place when the
	// chain advances.
	TimesyncOCB() *crypto.AesOcb
	UplinkOCB() *crypto.AesOcb
	DownlinkOCB() *crypto.AesOcb

	// MasterKey returns the current master key, from which per-stream
	// keys are derived.
	MasterKey() *[16]byte

	// MasterIndex returns the hash chain position of the current keys.
	MasterIndex() uint32

	// StartRekeying precomputes the next chain keys; ApplyRekeying
	// rotates to them.
	StartRekeying()
	ApplyRekeying()

	// PeriodicUpdate runs once per tile; a true return demands an
	// immediate desync.
	PeriodicUpdate() bool

	Desync()
}

// base holds the key material shared by the master and dynamic managers.
type base struct {
	status Status

	masterIndex     uint32
	nextMasterIndex uint32

	masterKey     [16]byte
	nextMasterKey [16]byte

	masterHash *crypto.SingleBlockMPHash

	timesyncKey      [16]byte
	nextTimesyncKey  [16]byte
	timesyncHash     *crypto.SingleBlockMPHash
	timesyncOCB      *crypto.AesOcb
	downlinkKey      [16]byte
	nextDownlinkKey  [16]byte
	downlinkHash     *crypto.SingleBlockMPHash
	downlinkOCB      *crypto.AesOcb
	uplinkKey        [16]byte
	nextUplinkKey    [16]byte
	uplinkHash       *crypto.SingleBlockMPHash
	uplinkOCB        *crypto.AesOcb
	firstBlockStream *crypto.SingleBlockMPHash

	streams StreamSink
}

// The first master key.  This value is SECRET and hardcoding it is a
// placeholder for provisioning.
var initialMasterKey = [16]byte{
	0x4d, 0x69, 0x6c, 0x6c, 0x6f, 0x63, 0x61, 0x74,
	0x4d, 0x69, 0x6c, 0x6c, 0x6f, 0x63, 0x61, 0x74,
}

// InitialMasterKey returns the provisioned chain origin, used to seed
// the per-stream key derivation before any resync happened.
func InitialMasterKey() [16]byte {
	return initialMasterKey
}

// The secret combined in XOR with the master key to answer challenges.
// Hardcoding it is likewise a placeholder for provisioning.
var challengeSecret = [16]byte{
	0x51, 0x75, 0x65, 0x53, 0x74, 0x61, 0x20, 0x45,
	0x20, 0x62, 0x65, 0x4e, 0x7a, 0x69, 0x6e, 0x41,
}

// Public init vectors of the per-purpose Miyaguchi-Preneel derivations.
// The values are arbitrary and not secret.
var (
	masterRotationIv = [16]byte{
		0x6d, 0x61, 0x73, 0x74, 0x65, 0x72, 0x49, 0x56,
		0x6d, 0x61, 0x73, 0x74, 0x65, 0x72, 0x49, 0x56,
	}
	timesyncDerivationIv = [16]byte{
		0x54, 0x69, 0x4d, 0x65, 0x53, 0x79, 0x4e, 0x63,
		0x74, 0x49, 0x6d, 0x45, 0x73, 0x59, 0x6e, 0x43,
	}
	downlinkDerivationIv = [16]byte{
		0x44, 0x6f, 0x57, 0x6e, 0x4c, 0x69, 0x4e, 0x6b,
		0x64, 0x4f, 0x77, 0x4e, 0x6c, 0x49, 0x6e, 0x4b,
	}
	uplinkDerivationIv = [16]byte{
		0x55, 0x70, 0x4c, 0x69, 0x6e, 0x6b, 0x49, 0x76,
		0x55, 0x70, 0x4c, 0x69, 0x6e, 0x6b, 0x49, 0x76,
	}
	// StreamKeyRotationIv seeds the first block of the per-stream key
	// derivation chain; the stream manager caches its digest.
	StreamKeyRotationIv = [16]byte{
		0x73, 0x54, 0x72, 0x45, 0x61, 0x4d, 0x6d, 0x41,
		0x6e, 0x61, 0x47, 0x65, 0x72, 0x49, 0x76, 0x30,
	}
)

func newBase(status Status, streams StreamSink) *base {
	b := &base{
		status:           status,
		masterKey:        initialMasterKey,
		masterHash:       crypto.NewSingleBlockMPHash(&masterRotationIv),
		timesyncHash:     crypto.NewSingleBlockMPHash(&timesyncDerivationIv),
		downlinkHash:     crypto.NewSingleBlockMPHash(&downlinkDerivationIv),
		uplinkHash:       crypto.NewSingleBlockMPHash(&uplinkDerivationIv),
		firstBlockStream: crypto.NewSingleBlockMPHash(&StreamKeyRotationIv),
		streams:          streams,
	}
	// Derive the phase keys of chain index zero.  The master index is
	// not persistent across reboots.
	b.masterIndex = 0
	b.uplinkHash.DigestBlock(b.uplinkKey[:], b.masterKey[:])
	b.downlinkHash.DigestBlock(b.downlinkKey[:], b.masterKey[:])
	b.timesyncHash.DigestBlock(b.timesyncKey[:], b.masterKey[:])
	b.uplinkOCB = crypto.NewAesOcb(&b.uplinkKey)
	b.downlinkOCB = crypto.NewAesOcb(&b.downlinkKey)
	b.timesyncOCB = crypto.NewAesOcb(&b.timesyncKey)
	return b
}

func (b *base) Status() Status { return b.status }

func (b *base) RekeyingInProgress() bool {
	return b.status == Rekeying || b.status == RekeyingUntrusted
}

func (b *base) TimesyncOCB() *crypto.AesOcb { return b.timesyncOCB }
func (b *base) UplinkOCB() *crypto.AesOcb   { return b.uplinkOCB }
func (b *base) DownlinkOCB() *crypto.AesOcb { return b.downlinkOCB }

// deriveNextPhaseKeys computes the phase keys of the next master key.
func (b *base) deriveNextPhaseKeys() {
	b.uplinkHash.DigestBlock(b.nextUplinkKey[:], b.nextMasterKey[:])
	b.downlinkHash.DigestBlock(b.nextDownlinkKey[:], b.nextMasterKey[:])
	b.timesyncHash.DigestBlock(b.nextTimesyncKey[:], b.nextMasterKey[:])
}

// applyNextPhaseKeys rotates the per-phase AE contexts to the
// precomputed next keys.
func (b *base) applyNextPhaseKeys() {
	b.uplinkOCB.Rekey(&b.nextUplinkKey)
	b.downlinkOCB.Rekey(&b.nextDownlinkKey)
	b.timesyncOCB.Rekey(&b.nextTimesyncKey)
}

// rederivePhaseKeys recomputes all phase keys from the given master key
// and rekeys the AE contexts.
func (b *base) rederivePhaseKeys(master *[16]byte) {
	b.uplinkHash.DigestBlock(b.uplinkKey[:], master[:])
	b.downlinkHash.DigestBlock(b.downlinkKey[:], master[:])
	b.timesyncHash.DigestBlock(b.timesyncKey[:], master[:])
	b.uplinkOCB.Rekey(&b.uplinkKey)
	b.downlinkOCB.Rekey(&b.downlinkKey)
	b.timesyncOCB.Rekey(&b.timesyncKey)
}
