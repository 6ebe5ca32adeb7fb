// wire_test.go - wire element round-trip tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tdmh/tdmh/config"
)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:              2,
		MaxNodes:             32,
		PanID:                0xcafe,
		ClockSyncPeriod:      10_000_000_000,
		TileDuration:         100_000_000,
		GuaranteedTopologies: 4,
		NumUplinkPackets:     1,
		MaxMissedTimesyncs:   3,
		ControlSuperframe:    config.DefaultControlSuperframe(),
	}
}

func TestPacketPutGet(t *testing.T) {
	require := require.New(t)

	var p Packet
	require.Equal(0, p.Size())
	require.Equal(MaxPacketSize, p.Available())

	require.NoError(p.Put([]byte{1, 2, 3}))
	require.Equal(3, p.Size())

	out := make([]byte, 3)
	require.NoError(p.Get(out))
	require.Equal([]byte{1, 2, 3}, out)
	require.True(p.Empty())

	require.ErrorIs(p.Get(out), ErrUnderflow)
	big := make([]byte, MaxPacketSize+1)
	require.ErrorIs(p.Put(big), ErrOverflow)
}

func TestPacketPanHeader(t *testing.T) {
	require := require.New(t)

	var p Packet
	require.NoError(p.PutPanHeader(0xabcd))
	require.True(p.CheckPanHeader(0xabcd))
	require.False(p.CheckPanHeader(0xabce))
	require.NoError(p.RemovePanHeader())
	require.True(p.Empty())
}

func TestPacketTagReservation(t *testing.T) {
	require := require.New(t)

	var p Packet
	p.ReserveTag()
	require.Equal(MaxPacketSize-TagSize, p.Available())

	fill := make([]byte, p.Available())
	require.NoError(p.Put(fill))
	require.ErrorIs(p.Put([]byte{0}), ErrOverflow)
}

func TestStreamIdRoundTrip(t *testing.T) {
	require := require.New(t)

	id := StreamId{Src: 3, Dst: 7, SrcPort: 5, DstPort: 12}
	b := id.Bytes()
	require.Equal(id, StreamIdFromBytes(b[:]))

	server := id.ServerId()
	require.True(server.IsServer())
	require.Equal(NodeID(7), server.Src)
	require.Equal(uint8(12), server.DstPort)
	require.False(id.IsServer())
	require.NotEqual(id.Key(), server.Key())
}

func TestStreamParametersRoundTrip(t *testing.T) {
	require := require.New(t)

	p := StreamParameters{
		Redundancy:  RedundancyTripleSpatial,
		Period:      Period10,
		PayloadSize: 125 & 0x7f,
		Direction:   DirectionRx,
	}
	b := p.Bytes()
	require.Equal(p, StreamParametersFromBytes(b[:]))
	require.Equal(10, p.Period.Tiles())
	require.Equal(3, p.Redundancy.Count())
	require.True(p.Redundancy.Spatial())
}

func TestSMERoundTrip(t *testing.T) {
	require := require.New(t)

	sme := NewSME(StreamId{Src: 1, Dst: 2, SrcPort: 3, DstPort: 4},
		StreamParameters{Redundancy: RedundancyDouble, Period: Period2, PayloadSize: 8},
		SMEConnect)

	var p Packet
	require.NoError(sme.Serialize(&p))
	require.Equal(SMESize, p.Size())
	require.True(ValidateSMEInPacket(&p, 0, 32))

	out, err := DeserializeSME(&p)
	require.NoError(err)
	require.Equal(sme, out)
}

func TestSMEValidation(t *testing.T) {
	require := require.New(t)

	serialize := func(sme StreamManagementElement) *Packet {
		var p Packet
		require.NoError(sme.Serialize(&p))
		return &p
	}

	// Source out of range.
	bad := NewSME(StreamId{Src: 40, Dst: 2}, StreamParameters{}, SMEConnect)
	require.False(ValidateSMEInPacket(serialize(bad), 0, 32))

	// Listen must denote a server.
	bad = NewSME(StreamId{Src: 1, Dst: 2, SrcPort: 1, DstPort: 0}, StreamParameters{}, SMEListen)
	require.False(ValidateSMEInPacket(serialize(bad), 0, 32))

	// The master cannot request a schedule resend.
	require.False(ValidateSMEInPacket(serialize(NewResendSME(0)), 0, 32))
	require.True(ValidateSMEInPacket(serialize(NewResendSME(5)), 0, 32))

	// Unknown type.
	unknown := NewSME(StreamId{Src: 1, Dst: 2}, StreamParameters{}, SMEType(9))
	require.False(ValidateSMEInPacket(serialize(unknown), 0, 32))
}

func TestChallengeSMERoundTrip(t *testing.T) {
	require := require.New(t)

	chal := [4]byte{0xde, 0xad, 0xbe, 0xef}
	sme := NewChallengeSME(9, chal)
	require.Equal(chal, sme.ChallengeBytes())
	require.Equal(NodeID(9), sme.Id.Src)

	var p Packet
	require.NoError(sme.Serialize(&p))
	require.True(ValidateSMEInPacket(&p, 0, 32))
	out, err := DeserializeSME(&p)
	require.NoError(err)
	require.Equal(chal, out.ChallengeBytes())
}

func TestTopologyElementRoundTrip(t *testing.T) {
	require := require.New(t)

	e := NewTopologyElement(5, 32, false)
	e.Neighbors.Set(1, true)
	e.Neighbors.Set(17, true)

	var p Packet
	require.NoError(e.Serialize(&p))
	require.Equal(e.Size(), 5)
	require.True(ValidateTopologyElementInPacket(&p, 0, 32, false))

	out, err := DeserializeTopologyElement(&p, 32, false)
	require.NoError(err)
	require.Equal(e.Id, out.Id)
	require.True(e.Neighbors.Equal(out.Neighbors))
	require.Nil(out.WeakNeighbors)
}

func TestTopologyElementWeakRoundTrip(t *testing.T) {
	require := require.New(t)

	e := NewTopologyElement(5, 16, true)
	e.Neighbors.Set(2, true)
	e.WeakNeighbors.Set(3, true)

	var p Packet
	require.NoError(e.Serialize(&p))
	out, err := DeserializeTopologyElement(&p, 16, true)
	require.NoError(err)
	require.True(e.Neighbors.Equal(out.Neighbors))
	require.True(e.WeakNeighbors.Equal(out.WeakNeighbors))
}

func TestScheduleHeaderRoundTrip(t *testing.T) {
	require := require.New(t)

	h := ScheduleHeader{
		TotalPackets:   3,
		CurrentPacket:  1,
		ScheduleID:     0xdeadbeef,
		ActivationTile: 1234,
		ScheduleTiles:  20,
		Repetition:     2,
	}
	var p Packet
	require.NoError(h.Serialize(&p))
	require.Equal(ScheduleHeaderSize, p.Size())
	out, err := DeserializeScheduleHeader(&p)
	require.NoError(err)
	require.Equal(h, out)
	require.True(h.IsSchedulePacket())
}

func TestDownlinkElementRoundTrip(t *testing.T) {
	require := require.New(t)

	id := StreamId{Src: 1, Dst: 4, SrcPort: 2, DstPort: 3}
	params := StreamParameters{Redundancy: RedundancyDouble, Period: Period2, PayloadSize: 16}

	for _, e := range []DownlinkElement{
		NewScheduleElement(id, params, 1, 2, 0xabcde),
		NewInfoElement(id, InfoStreamReject),
		NewResponseElement(9, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}),
	} {
		var p Packet
		require.NoError(e.Serialize(&p))
		require.Equal(DownlinkElementSize, p.Size())
		out, err := DeserializeDownlinkElement(&p)
		require.NoError(err)
		require.Equal(e, out)
	}

	info := NewInfoElement(id, InfoServerOpened)
	require.Equal(InfoServerOpened, info.Info())
}

func TestSchedulePacketRoundTrip(t *testing.T) {
	require := require.New(t)

	id := StreamId{Src: 1, Dst: 2, SrcPort: 0, DstPort: 1}
	s := &SchedulePacket{
		Header: ScheduleHeader{TotalPackets: 1, ScheduleID: 7, ScheduleTiles: 2},
		Elements: []DownlinkElement{
			NewScheduleElement(id, StreamParameters{Period: Period1}, 1, 2, 11),
			NewInfoElement(id, InfoServerOpened),
		},
	}

	var p Packet
	require.NoError(s.Serialize(&p, 0xcafe))
	require.True(p.CheckPanHeader(0xcafe))

	out, err := DeserializeSchedulePacket(&p)
	require.NoError(err)
	require.Equal(s.Header, out.Header)
	require.Equal(s.Elements, out.Elements)
}

func TestUplinkHeaderRoundTrip(t *testing.T) {
	require := require.New(t)

	h := NewUplinkHeader(3, true, 7, 2, 5)
	require.Equal(uint8(3), h.Hop())
	require.True(h.BadAssignee())

	var p Packet
	require.NoError(h.Serialize(&p))
	out, err := DeserializeUplinkHeader(&p)
	require.NoError(err)
	require.Equal(h, out)
}

// A message containing guaranteedTopologies forwarded topologies fits in
// exactly one packet for maxNodes = 32.
func TestUplinkCapacityBoundary(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	require.NoError(cfg.Validate())
	require.NoError(ValidateUplinkCapacity(cfg))

	capacity := FirstUplinkPacketCapacity(cfg)
	topologySize := TopologyElementSize(cfg.NeighborBitmaskSize(), cfg.UseWeakTopologies)
	require.GreaterOrEqual(capacity, int(cfg.GuaranteedTopologies)*topologySize)

	// An absurd number of guaranteed topologies must be rejected.
	cfg.GuaranteedTopologies = 200
	require.Error(ValidateUplinkCapacity(cfg))
}

func TestSchedulePacketCapacity(t *testing.T) {
	require := require.New(t)

	require.Equal(8, SchedulePacketCapacity(true))
	require.Equal(10, SchedulePacketCapacity(false))
}
