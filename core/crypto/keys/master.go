// master.go - master node key manager.
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

package keys

import (
	"github.com/tdmh/tdmh/core/crypto"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/wire"
)

// maxSolvesPerSlot bounds the number of challenges the master answers in
// one downlink slot.
const maxSolvesPerSlot = 5

// MasterManager is the key manager of the master node.  The master owns
// the hash chain, so its key context is always trusted.
type MasterManager struct {
	*base

	challenges *queue.Updatable[wire.NodeID, [16]byte]
}

// NewMasterManager creates the master key manager.
func NewMasterManager(streams StreamSink) *MasterManager {
	return &MasterManager{
		base:       newBase(Connected, streams),
		challenges: queue.NewUpdatable[wire.NodeID, [16]byte](),
	}
}

// MasterKey returns the current master key.
func (m *MasterManager) MasterKey() *[16]byte {
	switch m.status {
	case Connected, Rekeying:
		return &m.masterKey
	default:
		panic("keys: MasterManager: unexpected call to MasterKey")
	}
}

// NextMasterKey returns the precomputed next master key.
func (m *MasterManager) NextMasterKey() *[16]byte {
	if m.status != Rekeying {
		panic("keys: MasterManager: unexpected call to NextMasterKey")
	}
	return &m.nextMasterKey
}

// MasterIndex returns the current hash chain index.
func (m *MasterManager) MasterIndex() uint32 {
	switch m.status {
	case Connected, Rekeying:
		return m.masterIndex
	default:
		panic("keys: MasterManager: unexpected call to MasterIndex")
	}
}

// StartRekeying computes the next master key without applying it, and
// prepares the stream manager for the per-stream rekeying.
func (m *MasterManager) StartRekeying() {
	if m.status != Connected {
		panic("keys: MasterManager: unexpected call to StartRekeying")
	}
	m.masterHash.DigestBlock(m.nextMasterKey[:], m.masterKey[:])
	m.nextMasterIndex = m.masterIndex + 1
	m.status = Rekeying

	m.deriveNextPhaseKeys()
	m.streams.StartRekeying(&m.nextMasterKey)
}

// ApplyRekeying rotates the master key to the precomputed next value.
func (m *MasterManager) ApplyRekeying() {
	if m.status != Rekeying {
		panic("keys: MasterManager: unexpected call to ApplyRekeying")
	}
	m.masterIndex = m.nextMasterIndex
	copy(m.masterKey[:], m.nextMasterKey[:])
	m.status = Connected
	m.applyNextPhaseKeys()
}

// PeriodicUpdate runs once per tile.  The master never desyncs on its
// own initiative.
func (m *MasterManager) PeriodicUpdate() bool { return false }

// Desync is a no-op: the master is the time source.
func (m *MasterManager) Desync() {}

// ChallengesPresent reports whether challenges await solving.
func (m *MasterManager) ChallengesPresent() bool { return !m.challenges.Empty() }

// EnqueueChallenge records the challenge carried by an SME, keyed by the
// originating node so that a retransmission replaces the queued value.
func (m *MasterManager) EnqueueChallenge(sme wire.StreamManagementElement) {
	chal := sme.ChallengeBytes()
	var block [16]byte
	copy(block[:], chal[:])
	m.challenges.Enqueue(sme.Id.Src, block)
}

// SolveChallengesAndGetResponses answers at most maxSolvesPerSlot queued
// challenges with AES(masterKey XOR challengeSecret, challenge).
func (m *MasterManager) SolveChallengesAndGetResponses() []wire.DownlinkElement {
	result := make([]wire.DownlinkElement, 0, maxSolvesPerSlot)

	var key [16]byte
	crypto.XorBytes(key[:], m.masterKey[:], challengeSecret[:])
	aes := crypto.NewAes(&key)

	var response [16]byte
	for solved := 0; !m.challenges.Empty() && solved < maxSolvesPerSlot; solved++ {
		node, block, _ := m.challenges.DequeuePair()
		aes.EcbEncrypt(response[:], block[:])

		// Only the first 8 bytes of the response fit the element.
		var trunc [8]byte
		copy(trunc[:], response[:8])
		result = append(result, wire.NewResponseElement(node, trunc))
	}
	crypto.ClearBytes(key[:])
	crypto.ClearBytes(response[:])
	return result
}

var _ Manager = (*MasterManager)(nil)
