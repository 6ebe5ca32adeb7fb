// flopsync2_test.go - FLOPSYNC-2 controller tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package timesync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Feeding a decreasing error ramp keeps the receiver window within its
// bounds and the correction magnitude bounded by twice the maximum window.
func TestFlopsyncErrorRamp(t *testing.T) {
	require := require.New(t)

	f := NewFlopsync2()
	errs := []int{200_000, 150_000, 100_000, 50_000, 0, -50_000}

	for _, e := range errs {
		u, w := f.ComputeCorrection(e)
		require.LessOrEqual(w, wMax)
		require.GreaterOrEqual(w, 1)
		require.LessOrEqual(abs(u), 2*wMax)
	}
	// The returned correction is consistent with the accessor.
	u, _ := f.ComputeCorrection(0)
	require.Equal(f.ClockCorrection(), u)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestFlopsyncDeadbeatPreinit(t *testing.T) {
	require := require.New(t)

	f := NewFlopsync2()
	u, w := f.ComputeCorrection(120_000)
	// First sample: one step of a deadbeat controller.
	require.Equal(2*(120_000/controllerScaleFactor)*controllerScaleFactor, u)
	require.Equal(wMax, w)
}

func TestFlopsyncWindowBounds(t *testing.T) {
	require := require.New(t)

	f := NewFlopsync2()
	// Run enough samples with moderate jitter to trigger the variance
	// window computation several times.
	errs := []int{10_000, -12_000, 8_000, -9_000, 11_000, -10_000,
		9_000, -8_000, 12_000, -11_000, 10_000, -9_000}
	for _, e := range errs {
		_, w := f.ComputeCorrection(e)
		require.GreaterOrEqual(w, 1)
		require.LessOrEqual(w, wMax)
	}
	// After a full variance window the receiver window respects the
	// clamp range.
	require.GreaterOrEqual(f.ReceiverWindow(), wMin)
	require.LessOrEqual(f.ReceiverWindow(), wMax)
}

// After a lost packet the receiver window widens by the 1.7 factor and
// stays within bounds, while the clock correction is reused.
func TestFlopsyncLostPacket(t *testing.T) {
	require := require.New(t)

	f := NewFlopsync2()
	for i := 0; i < 6; i++ {
		f.ComputeCorrection(5_000 * (i%2*2 - 1))
	}
	before := f.ReceiverWindow()
	uBefore := f.ClockCorrection()

	u, w := f.LostPacket()
	require.Equal(uBefore, u)
	expected := clamp(before*17/10, wMin, wMax)
	require.Equal(expected, w)

	// Repeated losses saturate at the maximum window.
	for i := 0; i < 20; i++ {
		_, w = f.LostPacket()
	}
	require.Equal(wMax, w)
}

func TestFlopsyncReset(t *testing.T) {
	require := require.New(t)

	f := NewFlopsync2()
	f.ComputeCorrection(100_000)
	f.ComputeCorrection(50_000)
	f.Reset()
	require.Equal(0, f.ClockCorrection())
	require.Equal(wMax, f.ReceiverWindow())
	require.Equal(0, f.SyncError())
}

func TestVirtualClockIdentityAfterReset(t *testing.T) {
	require := require.New(t)

	vt := NewVirtualClock(10_000_000_000)
	vt.Update(0, 500, 2_000)
	require.NotEqual(int64(1_000_000_000), vt.Correct(1_000_000_000)-500)

	vt.Reset()
	// After a desync both conversion factors are 1.0, so the round
	// trip is exact for arbitrary spans.
	for _, v := range []int64{0, 1, 1_000_000, 123_456_789_123} {
		require.Equal(v, vt.Uncorrect(vt.Correct(v)))
	}
}

func TestNetworkTimeOffset(t *testing.T) {
	require := require.New(t)

	var nt NetworkTime
	nt.SetOffset(5_000)
	require.Equal(int64(6_000), nt.FromLocal(1_000))
	require.Equal(int64(1_000), nt.ToLocal(6_000))
}
