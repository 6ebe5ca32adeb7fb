// keys_test.go - key manager state machine tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tdmh/tdmh/core/wire"
)

// fakeSink records the stream manager interactions.
type fakeSink struct {
	smes      []wire.StreamManagementElement
	untrusted int
	trusted   int
	rekeyed   int
}

func (f *fakeSink) EnqueueSME(sme wire.StreamManagementElement) { f.smes = append(f.smes, sme) }
func (f *fakeSink) UntrustMaster()                              { f.untrusted++ }
func (f *fakeSink) TrustMaster()                                { f.trusted++ }
func (f *fakeSink) StartRekeying(*[16]byte)                     { f.rekeyed++ }

func TestMasterRekeyingAdvancesIndex(t *testing.T) {
	require := require.New(t)

	sink := &fakeSink{}
	m := NewMasterManager(sink)
	require.Equal(Connected, m.Status())
	require.Equal(uint32(0), m.MasterIndex())
	keyBefore := *m.MasterKey()

	m.StartRekeying()
	require.Equal(Rekeying, m.Status())
	require.Equal(1, sink.rekeyed)
	// The current key is still valid while rekeying.
	require.Equal(keyBefore, *m.MasterKey())

	m.ApplyRekeying()
	require.Equal(Connected, m.Status())
	require.Equal(uint32(1), m.MasterIndex())
	require.NotEqual(keyBefore, *m.MasterKey())
}

func TestMasterIllegalTransitionPanics(t *testing.T) {
	require := require.New(t)

	m := NewMasterManager(&fakeSink{})
	require.Panics(func() { m.ApplyRekeying() })
	require.Panics(func() { m.NextMasterKey() })
}

// A dynamic node following the master's chain converges to the same
// keys.
func TestResyncFollowsChain(t *testing.T) {
	require := require.New(t)

	masterSink := &fakeSink{}
	master := NewMasterManager(masterSink)
	for i := 0; i < 3; i++ {
		master.StartRekeying()
		master.ApplyRekeying()
	}
	require.Equal(uint32(3), master.MasterIndex())

	sink := &fakeSink{}
	d := NewDynamicManager(5, sink, false, 0)
	require.Equal(Disconnected, d.Status())

	require.True(d.AttemptResync(3))
	require.Equal(MasterUntrusted, d.Status())
	require.Equal(uint32(3), d.MasterIndex())
	require.Equal(1, sink.untrusted)

	d.CommitResync()
	require.Equal(Connected, d.Status())
	require.Equal(*master.MasterKey(), *d.MasterKey())
	require.Equal(1, sink.trusted)
}

func TestResyncIndexBounds(t *testing.T) {
	require := require.New(t)

	d := NewDynamicManager(5, &fakeSink{}, false, 0)
	// The index may never advance more than maxIndexDelta at once.
	require.False(d.AttemptResync(maxIndexDelta + 1))
	require.Equal(Disconnected, d.Status())
	require.True(d.AttemptResync(0))

	// The index is non-decreasing: after a desync at index 2 an index
	// of 1 is rejected.
	d.CommitResync()
	d.AttemptAdvance()
	d.CommitAdvance()
	d.AttemptAdvance()
	d.CommitAdvance()
	require.Equal(uint32(2), d.MasterIndex())
	d.Desync()
	require.False(d.AttemptResync(1))
	require.True(d.AttemptResync(2))
}

// Scenario S6: the master advances its index while a node is Connected;
// the node enters Advancing, commits after verification, and ends with
// the master's keys.
func TestHotRekeyingAdvance(t *testing.T) {
	require := require.New(t)

	master := NewMasterManager(&fakeSink{})
	sink := &fakeSink{}
	d := NewDynamicManager(7, sink, false, 0)
	require.True(d.AttemptResync(0))
	d.CommitResync()
	require.Equal(Connected, d.Status())

	// The master rotates to index 1.
	master.StartRekeying()
	master.ApplyRekeying()

	d.AttemptAdvance()
	require.Equal(Advancing, d.Status())
	require.Equal(uint32(1), d.MasterIndex())
	d.CommitAdvance()
	require.Equal(Connected, d.Status())
	require.Equal(uint32(1), d.MasterIndex())
	require.Equal(*master.MasterKey(), *d.MasterKey())
}

func TestRollbackAdvanceRestoresKeys(t *testing.T) {
	require := require.New(t)

	d := NewDynamicManager(7, &fakeSink{}, false, 0)
	require.True(d.AttemptResync(0))
	d.CommitResync()
	keyBefore := *d.MasterKey()
	indexBefore := d.MasterIndex()

	d.AttemptAdvance()
	d.RollbackAdvance()
	require.Equal(Connected, d.Status())
	require.Equal(keyBefore, *d.MasterKey())
	require.Equal(indexBefore, d.MasterIndex())
}

// The challenge-response protocol: the node sends 4 random bytes, the
// master answers with the truncated AES of them under the shared secret.
func TestChallengeResponseRoundTrip(t *testing.T) {
	require := require.New(t)

	masterSink := &fakeSink{}
	master := NewMasterManager(masterSink)

	sink := &fakeSink{}
	d := NewDynamicManager(9, sink, true, 100)
	require.True(d.AttemptResync(0))
	d.SendChallenge()
	require.Len(sink.smes, 1)
	require.Equal(wire.SMEChallenge, sink.smes[0].Type)

	// The master collects and solves the challenge.
	master.EnqueueChallenge(sink.smes[0])
	require.True(master.ChallengesPresent())
	responses := master.SolveChallengesAndGetResponses()
	require.Len(responses, 1)
	require.Equal(wire.DownlinkResponse, responses[0].Type)
	require.Equal(wire.NodeID(9), responses[0].NodeId)
	require.False(master.ChallengesPresent())

	require.True(d.VerifyResponse(responses[0]))
	d.CommitResync()
	require.Equal(Connected, d.Status())
}

func TestChallengeResponseFailureForcesDesync(t *testing.T) {
	require := require.New(t)

	sink := &fakeSink{}
	d := NewDynamicManager(9, sink, true, 100)
	require.True(d.AttemptResync(0))
	d.SendChallenge()

	var bogus [8]byte
	resp := wire.NewResponseElement(9, bogus)
	require.False(d.VerifyResponse(resp))
	// The failed verification demands a desync at the next tick.
	require.True(d.PeriodicUpdate())
}

func TestChallengeTimersResendAndTimeout(t *testing.T) {
	require := require.New(t)

	sink := &fakeSink{}
	d := NewDynamicManager(9, sink, true, 10)
	require.True(d.AttemptResync(0))
	d.SendChallenge()
	require.Len(sink.smes, 1)

	// The resend threshold is 2/5 of the timeout.
	for i := 0; i < 4; i++ {
		require.False(d.PeriodicUpdate())
	}
	require.Len(sink.smes, 2)

	// The overall timeout rolls back to Disconnected.
	desync := false
	for i := 0; i < 12 && !desync; i++ {
		desync = d.PeriodicUpdate()
	}
	require.True(desync)
	require.Equal(Disconnected, d.Status())
}

// Phase keys differ from each other and change with the master index.
func TestPhaseKeyDerivation(t *testing.T) {
	require := require.New(t)

	m := NewMasterManager(&fakeSink{})
	var tag0, tag1, tag2 [16]byte
	m.TimesyncOCB().SetNonce(1, 1, 0)
	m.TimesyncOCB().EncryptAndComputeTag(tag0[:], nil, nil, nil)
	m.UplinkOCB().SetNonce(1, 1, 0)
	m.UplinkOCB().EncryptAndComputeTag(tag1[:], nil, nil, nil)
	m.DownlinkOCB().SetNonce(1, 1, 0)
	m.DownlinkOCB().EncryptAndComputeTag(tag2[:], nil, nil, nil)
	require.NotEqual(tag0, tag1)
	require.NotEqual(tag0, tag2)
	require.NotEqual(tag1, tag2)

	m.StartRekeying()
	m.ApplyRekeying()
	var tag0b [16]byte
	m.TimesyncOCB().SetNonce(1, 1, 0)
	m.TimesyncOCB().EncryptAndComputeTag(tag0b[:], nil, nil, nil)
	require.NotEqual(tag0, tag0b)
}
