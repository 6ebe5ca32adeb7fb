// dynamic.go - dynamic node key manager.
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
	"crypto/rand"

	"github.com/tdmh/tdmh/core/crypto"
	"github.com/tdmh/tdmh/core/wire"
)

// DynamicManager is the key manager of a dynamic node.  It follows the
// master's hash chain, trusting a resynchronized context only after the
// challenge-response protocol succeeds.
type DynamicManager struct {
	*base

	myId wire.NodeID

	tempMasterKey   [16]byte
	tempMasterIndex uint32

	doChallengeResponse    bool
	challengeTimeout       uint32
	challengeResendTimeout uint32

	chal           [4]byte
	chalTimeoutCtr uint32
	chalResendCtr  uint32
	forceDesync    bool
}

// NewDynamicManager creates the key manager of a dynamic node.  The
// challenge timeouts are expressed in tiles.
func NewDynamicManager(myId wire.NodeID, streams StreamSink,
	doChallengeResponse bool, challengeTimeout uint32) *DynamicManager {
	if challengeTimeout == 0 {
		challengeTimeout = 300
	}
	return &DynamicManager{
		base:                   newBase(Disconnected, streams),
		myId:                   myId,
		doChallengeResponse:    doChallengeResponse,
		challengeTimeout:       challengeTimeout,
		challengeResendTimeout: challengeTimeout / 5 * 2,
	}
}

// MasterKey returns the master key of the active context: the tentative
// key while the master is untrusted, the committed key otherwise.
func (d *DynamicManager) MasterKey() *[16]byte {
	switch d.status {
	case MasterUntrusted, RekeyingUntrusted, Advancing:
		return &d.tempMasterKey
	case Connected, Rekeying:
		return &d.masterKey
	default:
		panic("keys: DynamicManager: unexpected call to MasterKey")
	}
}

// NextMasterKey returns the precomputed next master key.
func (d *DynamicManager) NextMasterKey() *[16]byte {
	switch d.status {
	case RekeyingUntrusted, Rekeying:
		return &d.nextMasterKey
	default:
		panic("keys: DynamicManager: unexpected call to NextMasterKey")
	}
}

// MasterIndex returns the hash chain index of the active context.
func (d *DynamicManager) MasterIndex() uint32 {
	switch d.status {
	case MasterUntrusted, RekeyingUntrusted, Advancing:
		return d.tempMasterIndex
	case Disconnected, Connected, Rekeying:
		return d.masterIndex
	default:
		panic("keys: DynamicManager: unexpected call to MasterIndex")
	}
}

// StartRekeying computes the next master key without applying it.
func (d *DynamicManager) StartRekeying() {
	switch d.status {
	case MasterUntrusted:
		d.masterHash.DigestBlock(d.nextMasterKey[:], d.tempMasterKey[:])
		d.nextMasterIndex = d.tempMasterIndex + 1
		d.status = RekeyingUntrusted
	case Connected:
		d.masterHash.DigestBlock(d.nextMasterKey[:], d.masterKey[:])
		d.nextMasterIndex = d.masterIndex + 1
		d.status = Rekeying
		d.streams.StartRekeying(&d.nextMasterKey)
	default:
		panic("keys: DynamicManager: unexpected call to StartRekeying")
	}
	d.deriveNextPhaseKeys()
}

// ApplyRekeying rotates to the precomputed next master key.
func (d *DynamicManager) ApplyRekeying() {
	switch d.status {
	case RekeyingUntrusted:
		d.tempMasterIndex = d.nextMasterIndex
		copy(d.tempMasterKey[:], d.nextMasterKey[:])
		d.status = MasterUntrusted
	case Rekeying:
		d.masterIndex = d.nextMasterIndex
		copy(d.masterKey[:], d.nextMasterKey[:])
		d.status = Connected
	default:
		panic("keys: DynamicManager: unexpected call to ApplyRekeying")
	}
	d.applyNextPhaseKeys()
}

// PeriodicUpdate advances the challenge timers once per tile.  It
// returns true when the node must desync, either because a challenge
// verification failed or because the challenge timed out.
func (d *DynamicManager) PeriodicUpdate() bool {
	// A recently failed challenge verification forces a desync.
	if d.forceDesync {
		d.chalResendCtr = 0
		d.chalTimeoutCtr = 0
		d.forceDesync = false
		return true
	}

	if !d.doChallengeResponse ||
		(d.status != MasterUntrusted && d.status != RekeyingUntrusted) {
		return false
	}
	d.chalResendCtr++
	d.chalTimeoutCtr++
	if d.chalResendCtr >= d.challengeResendTimeout {
		d.chalResendCtr = 0
		d.resendChallenge()
		return false
	}
	if d.chalTimeoutCtr >= d.challengeTimeout {
		d.chalResendCtr = 0
		d.chalTimeoutCtr = 0
		d.RollbackResync()
		return true
	}
	return false
}

// SendChallenge draws fresh random challenge bytes and enqueues the
// challenge SME toward the master.
func (d *DynamicManager) SendChallenge() {
	if d.status != MasterUntrusted && d.status != RekeyingUntrusted {
		panic("keys: DynamicManager: unexpected call to SendChallenge")
	}
	if !d.doChallengeResponse {
		return
	}
	// Only 4 random bytes fit an SME; widening the challenge requires
	// widening the SME payload first.
	if _, err := rand.Read(d.chal[:]); err != nil {
		panic("keys: DynamicManager: rand.Read: " + err.Error())
	}
	d.streams.EnqueueSME(wire.NewChallengeSME(d.myId, d.chal))
	d.chalTimeoutCtr = 0
	d.chalResendCtr = 0
}

func (d *DynamicManager) resendChallenge() {
	d.streams.EnqueueSME(wire.NewChallengeSME(d.myId, d.chal))
}

// AttemptResync advances a copy of the hash chain to newIndex and
// installs the tentative context.  The index may never decrease and may
// advance at most maxIndexDelta in a single attempt.
func (d *DynamicManager) AttemptResync(newIndex uint32) bool {
	if d.status != Disconnected {
		return false
	}
	if newIndex < d.masterIndex || newIndex-d.masterIndex > maxIndexDelta {
		return false
	}

	copy(d.tempMasterKey[:], d.masterKey[:])
	for i := d.masterIndex; i < newIndex; i++ {
		d.masterHash.DigestBlock(d.tempMasterKey[:], d.tempMasterKey[:])
	}
	d.tempMasterIndex = newIndex

	d.status = MasterUntrusted
	d.streams.UntrustMaster()
	d.rederivePhaseKeys(&d.tempMasterKey)
	return true
}

// AdvanceResync advances the tentative chain by one more step while the
// master is still untrusted.
func (d *DynamicManager) AdvanceResync() {
	if d.status != MasterUntrusted {
		d.status = Disconnected
		return
	}
	d.masterHash.DigestBlock(d.tempMasterKey[:], d.tempMasterKey[:])
	d.tempMasterIndex++
	d.rederivePhaseKeys(&d.tempMasterKey)
}

// RollbackResync abandons the tentative context.
func (d *DynamicManager) RollbackResync() {
	d.status = Disconnected
	d.streams.UntrustMaster()
}

// CommitResync commits the tentative context as the trusted one.
func (d *DynamicManager) CommitResync() {
	if d.status != MasterUntrusted && d.status != RekeyingUntrusted {
		d.status = Disconnected
		d.streams.UntrustMaster()
		return
	}
	if d.status == MasterUntrusted {
		d.status = Connected
	} else {
		d.status = Rekeying
	}
	copy(d.masterKey[:], d.tempMasterKey[:])
	d.masterIndex = d.tempMasterIndex
	d.streams.TrustMaster()
}

// AttemptAdvance prepares for a master index advanced by one while
// Connected.  This can happen if the master rebooted or a resync raced a
// network rekeying.  The change is only committed after packet
// verification; Advancing is ephemeral within a single timesync slot, so
// only the timesync key is derived here.
func (d *DynamicManager) AttemptAdvance() {
	if d.status != Connected {
		return
	}
	d.masterHash.DigestBlock(d.tempMasterKey[:], d.masterKey[:])
	d.status = Advancing
	d.tempMasterIndex = d.masterIndex + 1

	d.timesyncHash.DigestBlock(d.timesyncKey[:], d.tempMasterKey[:])
	d.timesyncOCB.Rekey(&d.timesyncKey)
}

// CommitAdvance commits the advanced context after a verified timesync.
func (d *DynamicManager) CommitAdvance() {
	if d.status != Advancing {
		return
	}
	copy(d.masterKey[:], d.tempMasterKey[:])
	d.masterIndex = d.tempMasterIndex
	d.status = Connected

	// The timesync key is already in place; derive the others.
	d.uplinkHash.DigestBlock(d.uplinkKey[:], d.masterKey[:])
	d.downlinkHash.DigestBlock(d.downlinkKey[:], d.masterKey[:])
	d.uplinkOCB.Rekey(&d.uplinkKey)
	d.downlinkOCB.Rekey(&d.downlinkKey)
}

// RollbackAdvance restores the committed context after a failed
// verification.
func (d *DynamicManager) RollbackAdvance() {
	if d.status != Advancing {
		return
	}
	d.status = Connected
	d.timesyncHash.DigestBlock(d.timesyncKey[:], d.masterKey[:])
	d.timesyncOCB.Rekey(&d.timesyncKey)
}

// VerifyResponse checks a challenge response against the expected
// solution.  The solution cannot be precomputed: it depends on the
// master key, which can change between the challenge and the answer, so
// the check runs in the same tile the master answered.
func (d *DynamicManager) VerifyResponse(resp wire.DownlinkElement) bool {
	if d.status != MasterUntrusted && d.status != RekeyingUntrusted {
		panic("keys: DynamicManager: unexpected call to VerifyResponse")
	}
	if resp.NodeId != d.myId {
		return false
	}

	var key, solution, block [16]byte
	crypto.XorBytes(key[:], d.tempMasterKey[:], challengeSecret[:])
	copy(block[:4], d.chal[:])
	crypto.NewAes(&key).EcbEncrypt(solution[:], block[:])

	valid := true
	for i := 0; i < 8; i++ {
		if solution[i] != resp.Response[i] {
			valid = false
			break
		}
	}
	crypto.ClearBytes(key[:])
	crypto.ClearBytes(solution[:])

	// A failed verification forces the timesync to desync the MAC at
	// the next periodic update.
	if !valid {
		d.forceDesync = true
	}
	return valid
}

// Desync drops to the disconnected state.
func (d *DynamicManager) Desync() {
	d.status = Disconnected
	d.streams.UntrustMaster()
}

var _ Manager = (*DynamicManager)(nil)
