// dynamic_test.go - dynamic timesync state machine tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package timesync

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto/keys"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:              4,
		MaxNodes:             8,
		NetworkID:            2,
		PanID:                0xcafe,
		ClockSyncPeriod:      10_000_000_000,
		TileDuration:         100_000_000,
		MaxAdmittedRcvWindow: 150_000,
		GuaranteedTopologies: 2,
		NumUplinkPackets:     1,
		MaxMissedTimesyncs:   3,
		ControlSuperframe:    config.DefaultControlSuperframe(),
	}
}

type recordingDesyncable struct {
	resyncs int
	desyncs int
}

func (r *recordingDesyncable) Resync() { r.resyncs++ }
func (r *recordingDesyncable) Desync() { r.desyncs++ }

type nullClock struct{}

func (nullClock) Now() int64       { return 0 }
func (nullClock) SleepUntil(int64) {}

type fakeStreamSink struct{}

func (fakeStreamSink) EnqueueSME(wire.StreamManagementElement) {}
func (fakeStreamSink) UntrustMaster()                          {}
func (fakeStreamSink) TrustMaster()                            {}
func (fakeStreamSink) StartRekeying(*[16]byte)                 {}

func testDynamic(t *testing.T) (*DynamicTimesync, *recordingDesyncable) {
	cfg := testConfig()
	tl, err := slots.NewTimeline(cfg)
	require.NoError(t, err)
	km := keys.NewDynamicManager(cfg.NetworkID, fakeStreamSink{},
		cfg.DoMasterChallengeAuthentication, cfg.ChallengeTimeout)
	d := NewDynamic(cfg, tl, nil, nullClock{}, km,
		&NetworkTime{}, NewVirtualClock(cfg.ClockSyncPeriod),
		logging.MustGetLogger("test"))
	rec := &recordingDesyncable{}
	d.SetCollaborators(nil, rec)
	return d, rec
}

// The desync policy: after maxMissedTimesyncs consecutive misses the
// node desynchronizes, resets the clock correction and notifies every
// collaborator.
func TestMissedTimesyncsCauseDesync(t *testing.T) {
	require := require.New(t)

	d, rec := testDynamic(t)
	d.reset(0)
	require.Equal(Syncing, d.Status())

	require.Equal(uint8(1), d.missedPacket())
	require.Equal(uint8(2), d.missedPacket())
	require.Equal(Syncing, d.Status())
	require.Equal(0, rec.desyncs)

	require.Equal(uint8(3), d.missedPacket())
	require.Equal(Desynchronized, d.Status())
	require.Equal(1, rec.desyncs)
	require.Zero(d.clockCorrection)
	require.False(d.MacCanOperate())

	// With the correction reset the virtual clock round trip is exact.
	require.Equal(int64(12345), d.vt.Uncorrect(d.vt.Correct(12345)))
}

// Each miss widens the receiver window until the clamp.
func TestMissedTimesyncWidensWindow(t *testing.T) {
	require := require.New(t)

	d, _ := testDynamic(t)
	d.reset(0)
	// Converge the window first so the widening is observable.
	for i := 0; i < 6; i++ {
		d.synchronizer.ComputeCorrection(1_000)
	}
	d.receiverWindow = d.synchronizer.ReceiverWindow()
	before := d.receiverWindow

	d.missedPacket()
	require.GreaterOrEqual(d.receiverWindow, before)
	require.LessOrEqual(d.receiverWindow, wMax)
}

func TestForceDesyncNotifiesCollaborators(t *testing.T) {
	require := require.New(t)

	d, rec := testDynamic(t)
	d.reset(0)
	d.status = InSync

	d.ForceDesync()
	require.Equal(Desynchronized, d.Status())
	require.Equal(1, rec.desyncs)
}

// The beacon validation rejects malformed headers and wrong hops.
func TestSyncHeaderValidation(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	good := buildSyncHeader(cfg.PanID, 1, 42)
	require.True(validSyncHeader(good[:], cfg))

	bad := good
	bad[0] = 0x00
	require.False(validSyncHeader(bad[:], cfg))

	bad = good
	bad[3] = 0x00 // wrong pan id
	require.False(validSyncHeader(bad[:], cfg))

	bad = good
	bad[hopOffset] = 0 // hop below range
	require.False(validSyncHeader(bad[:], cfg))

	bad = good
	bad[hopOffset] = cfg.MaxHops + 1
	require.False(validSyncHeader(bad[:], cfg))
}
