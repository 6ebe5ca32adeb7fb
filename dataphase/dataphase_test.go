// dataphase_test.go - data phase tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package dataphase

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/radio"
	"github.com/tdmh/tdmh/stream"
)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:              4,
		MaxNodes:             8,
		NetworkID:            1,
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

// fakeTransceiver records sends and replays canned receive results.
type fakeTransceiver struct {
	sent  [][]byte
	queue []radio.RecvResult
	data  [][]byte
}

func (f *fakeTransceiver) Configure(radio.TransceiverConfig) {}
func (f *fakeTransceiver) Idle()                             {}
func (f *fakeTransceiver) TurnOn()                           {}
func (f *fakeTransceiver) TurnOff()                          {}

func (f *fakeTransceiver) SendAt(pkt []byte, when int64) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransceiver) Recv(buf []byte, timeout int64) radio.RecvResult {
	if len(f.queue) == 0 {
		return radio.RecvResult{Error: radio.Timeout}
	}
	res := f.queue[0]
	f.queue = f.queue[1:]
	if len(f.data) > 0 {
		res.Size = copy(buf, f.data[0])
		f.data = f.data[1:]
	}
	return res
}

// fakeClock never sleeps and always reports being early.
type fakeClock struct{ now int64 }

func (c *fakeClock) Now() int64        { return c.now }
func (c *fakeClock) SleepUntil(int64)  {}

func testPhase(t *testing.T) (*DataPhase, *stream.StreamManager, *fakeTransceiver) {
	cfg := testConfig()
	tl, err := slots.NewTimeline(cfg)
	require.NoError(t, err)
	trx := &fakeTransceiver{}
	streams := stream.NewStreamManager(cfg, cfg.NetworkID, logging.MustGetLogger("test"))
	d := New(cfg, tl, trx, &fakeClock{now: -1_000_000}, streams, logging.MustGetLogger("test"))
	return d, streams, trx
}

func TestDataPhaseIdleWithoutSchedule(t *testing.T) {
	d, _, trx := testPhase(t)
	require.False(t, d.HasSchedule())
	d.Execute(0)
	require.Empty(t, trx.sent)
}

func TestDataPhaseForwardsBuffer(t *testing.T) {
	require := require.New(t)

	d, _, trx := testPhase(t)
	id := wire.StreamId{Src: 0, Dst: 4, SrcPort: 1, DstPort: 1}
	buffer := &SharedBuffer{}

	explicit := []ExplicitScheduleElement{
		{Action: ActionRecvBuffer, Id: id, Buffer: buffer},
		{Action: ActionSendBuffer, Id: id, Buffer: buffer},
		{Action: ActionSleep},
	}
	d.ApplySchedule(explicit, map[wire.StreamId]int{id: 1})
	require.True(d.HasSchedule())

	frame := []byte{0x46, 0x08, 0xff, 0xca, 0xfe, 1, 2, 3}
	trx.queue = []radio.RecvResult{{Error: radio.OK, TimestampValid: true}}
	trx.data = [][]byte{frame}

	d.Execute(0) // receive into the buffer
	require.True(buffer.full)

	d.Execute(1_000_000) // forward from the buffer
	require.Len(trx.sent, 1)
	require.Equal(frame, trx.sent[0])
	// The only transmission share is consumed: the buffer is cleared
	// so no stale data crosses the period.
	require.False(buffer.full)

	d.Execute(2_000_000) // sleep
	require.Len(trx.sent, 1)
}

func TestDataPhaseRedundantBufferReception(t *testing.T) {
	require := require.New(t)

	buffer := &SharedBuffer{}
	buffer.Store([]byte{1, 1})
	// Redundant receptions only overwrite when the first was missed.
	buffer.Store([]byte{2, 2})
	require.Equal([]byte{1, 1}, buffer.Load())

	buffer.Clear()
	require.Nil(buffer.Load())
	buffer.Store([]byte{2, 2})
	require.Equal([]byte{2, 2}, buffer.Load())
}

func TestDataPhaseMissCountsAsMiss(t *testing.T) {
	require := require.New(t)

	d, streams, trx := testPhase(t)
	params := wire.StreamParameters{Period: wire.Period1, PayloadSize: 8}
	id := wire.StreamId{Src: 2, Dst: 1, SrcPort: 0, DstPort: 1}

	// Create the receiving endpoint via the schedule path.
	streams.ApplySchedule([]wire.DownlinkElement{
		wire.NewScheduleElement(id, params, 2, 1, 0),
	})

	explicit := []ExplicitScheduleElement{
		{Action: ActionRecvStream, Id: id, Params: params},
	}
	d.ApplySchedule(explicit, nil)

	// No frame on the air: the stream records a miss and the phase
	// moves on.
	trx.queue = nil
	d.Execute(0)
	require.Empty(trx.sent)
}

func TestAdvanceByWraps(t *testing.T) {
	require := require.New(t)

	d, _, _ := testPhase(t)
	explicit := make([]ExplicitScheduleElement, 10)
	d.ApplySchedule(explicit, nil)

	d.AdvanceBy(7)
	d.AdvanceBy(5)
	d.mu.Lock()
	idx := d.slotIndex
	d.mu.Unlock()
	require.Equal(2, idx)
}
