// scheduler_test.go - router and slot assignment tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/uplink/topology"
)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:              6,
		MaxNodes:             16,
		PanID:                0xcafe,
		ClockSyncPeriod:      10_000_000_000,
		TileDuration:         100_000_000,
		MaxAdmittedRcvWindow: 150_000,
		GuaranteedTopologies: 4,
		NumUplinkPackets:     1,
		MaxMissedTimesyncs:   3,
		ControlSuperframe:    config.DefaultControlSuperframe(),
	}
}

func testScheduler(t *testing.T, cfg *config.NetworkConfiguration) *ScheduleComputation {
	tl, err := slots.NewTimeline(cfg)
	require.NoError(t, err)
	network := topology.NewNetworkTopology(cfg)
	return New(cfg, tl, network, logging.MustGetLogger("test"))
}

func lineGraph(nodes ...wire.NodeID) *topology.NetworkGraph {
	g := topology.NewNetworkGraph(16)
	for i := 0; i+1 < len(nodes); i++ {
		g.AddEdge(nodes[i], nodes[i+1])
	}
	return g
}

func streamInfo(src, dst wire.NodeID, period wire.Period, red wire.Redundancy) MasterStreamInfo {
	return MasterStreamInfo{
		Id:     wire.StreamId{Src: src, Dst: dst, SrcPort: 1, DstPort: 1},
		Params: wire.StreamParameters{Period: period, Redundancy: red, PayloadSize: 8},
		Status: StreamAccepted,
	}
}

func TestRouterSingleHop(t *testing.T) {
	require := require.New(t)

	r := &router{graph: lineGraph(1, 2), maxNodes: 16, maxHops: 6, moreHops: 1}
	routed := r.run([]MasterStreamInfo{streamInfo(1, 2, wire.Period1, wire.RedundancyNone)})
	require.Len(routed, 1)
	require.Len(routed[0], 1)
	require.Equal(wire.NodeID(1), routed[0][0].Tx)
	require.Equal(wire.NodeID(2), routed[0][0].Rx)
}

func TestRouterMultiHopBFS(t *testing.T) {
	require := require.New(t)

	r := &router{graph: lineGraph(0, 1, 2), maxNodes: 16, maxHops: 6, moreHops: 1}
	routed := r.run([]MasterStreamInfo{streamInfo(0, 2, wire.Period1, wire.RedundancyNone)})
	require.Len(routed, 1)
	require.Len(routed[0], 2)
	require.Equal(wire.NodeID(0), routed[0][0].Tx)
	require.Equal(wire.NodeID(1), routed[0][0].Rx)
	require.Equal(wire.NodeID(1), routed[0][1].Tx)
	require.Equal(wire.NodeID(2), routed[0][1].Rx)
}

func TestRouterHopLimit(t *testing.T) {
	require := require.New(t)

	r := &router{graph: lineGraph(0, 1, 2, 3, 4), maxNodes: 16, maxHops: 2, moreHops: 1}
	routed := r.run([]MasterStreamInfo{streamInfo(0, 4, wire.Period1, wire.RedundancyNone)})
	require.Empty(routed)
}

// Spatial redundancy on a graph with only one path downgrades to
// temporal and still succeeds.
func TestRouterSpatialDowngrade(t *testing.T) {
	require := require.New(t)

	r := &router{graph: lineGraph(0, 1, 2), maxNodes: 16, maxHops: 6, moreHops: 1}
	routed := r.run([]MasterStreamInfo{streamInfo(0, 2, wire.Period2, wire.RedundancyDoubleSpatial)})
	// Primary path plus one temporal copy.
	require.Len(routed, 2)
	require.Equal(routed[0], routed[1])
	require.Equal(wire.RedundancyDouble, routed[0][0].Params.Redundancy)
}

// With two disjoint paths the spatial copy takes the second one.
func TestRouterSpatialRedundantPath(t *testing.T) {
	require := require.New(t)

	g := lineGraph(0, 1, 2)
	g.AddEdge(0, 3)
	g.AddEdge(3, 2)
	r := &router{graph: g, maxNodes: 16, maxHops: 6, moreHops: 1}
	routed := r.run([]MasterStreamInfo{streamInfo(0, 2, wire.Period2, wire.RedundancyDoubleSpatial)})
	require.Len(routed, 2)

	intermediate := func(path []wire.DownlinkElement) wire.NodeID {
		return path[0].Rx
	}
	require.NotEqual(intermediate(routed[0]), intermediate(routed[1]))
}

// Scenario S5: two streams toward the same node must avoid the unicity
// conflict on it.
func TestSchedulerUnicityConflict(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	s := testScheduler(t, cfg)
	s.graph.AddEdge(1, 2)
	s.graph.AddEdge(3, 2)

	streams := []MasterStreamInfo{
		streamInfo(1, 2, wire.Period1, wire.RedundancyNone),
		streamInfo(3, 2, wire.Period1, wire.RedundancyNone),
	}
	elements, tiles := s.routeAndScheduleStreams(streams, nil, cfg.ControlSuperframe.Size())
	require.Len(elements, 2)
	require.Equal(2, tiles)

	// The unicity check must hold for every slot of the hyperperiod.
	tileSize := s.tl.SlotsPerTile
	a, b := elements[0], elements[1]
	require.True(slotConflictPossible(a, b, a.Offset, tileSize) == false ||
		!checkSlotConflict(a, b, a.Offset, tileSize))
	require.NotEqual(a.Offset, b.Offset)
}

func TestSchedulerAvoidsControlSlots(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	s := testScheduler(t, cfg)
	s.graph.AddEdge(1, 2)

	streams := []MasterStreamInfo{streamInfo(1, 2, wire.Period1, wire.RedundancyNone)}
	elements, _ := s.routeAndScheduleStreams(streams, nil, cfg.ControlSuperframe.Size())
	require.Len(elements, 1)

	tileSize := s.tl.SlotsPerTile
	offset := elements[0].Offset
	require.True(s.checkDataSlot(offset, tileSize, s.tl.DownlinkControlSlots(), s.tl.UplinkControlSlots()))
}

func TestScheduleLengthGrowsToLcm(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	s := testScheduler(t, cfg)
	s.graph.AddEdge(1, 2)
	s.graph.AddEdge(3, 4)

	streams := []MasterStreamInfo{
		streamInfo(1, 2, wire.Period2, wire.RedundancyNone),
		streamInfo(3, 4, wire.Period5, wire.RedundancyNone),
	}
	_, tiles := s.routeAndScheduleStreams(streams, nil, cfg.ControlSuperframe.Size())
	require.Equal(10, tiles)
}

// A multi-hop stream's transmissions are assigned strictly increasing
// offsets, preserving forwarding order.
func TestSchedulerSequentiality(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	s := testScheduler(t, cfg)
	s.graph.AddEdge(0, 1)
	s.graph.AddEdge(1, 2)

	streams := []MasterStreamInfo{streamInfo(0, 2, wire.Period1, wire.RedundancyNone)}
	elements, _ := s.routeAndScheduleStreams(streams, nil, cfg.ControlSuperframe.Size())
	require.Len(elements, 2)
	require.Less(elements[0].Offset, elements[1].Offset)
}

func TestStreamCollectionLifecycle(t *testing.T) {
	require := require.New(t)

	c := NewStreamCollection()
	smes := newSMEQueue()

	// A connect without a server is rejected.
	connect := wire.NewSME(wire.StreamId{Src: 1, Dst: 2, SrcPort: 0, DstPort: 1},
		wire.StreamParameters{Period: wire.Period2}, wire.SMEConnect)
	smes.Enqueue(connect.Key(), connect)
	c.ReceiveSMEs(smes, nil)
	require.Equal(1, c.NumInfo())
	infos := c.DequeueInfo(10)
	require.Equal(wire.InfoStreamReject, infos[0].Info())

	// Open the server, then connect again.
	listen := wire.NewSME(wire.StreamId{Src: 2, Dst: 2, SrcPort: 0, DstPort: 1},
		wire.StreamParameters{Period: wire.Period1, Redundancy: wire.RedundancyTriple},
		wire.SMEListen)
	smes.Enqueue(listen.Key(), listen)
	c.ReceiveSMEs(smes, nil)
	require.Equal(1, c.NumInfo())
	require.Equal(wire.InfoServerOpened, c.DequeueInfo(1)[0].Info())

	connect = wire.NewSME(wire.StreamId{Src: 1, Dst: 2, SrcPort: 0, DstPort: 1},
		wire.StreamParameters{Period: wire.Period2, Redundancy: wire.RedundancyDouble},
		wire.SMEConnect)
	smes.Enqueue(connect.Key(), connect)
	c.ReceiveSMEs(smes, nil)

	snapshot := c.Snapshot()
	require.True(snapshot.WasAdded())
	accepted := snapshot.StreamsWithStatus(StreamAccepted)
	require.Len(accepted, 1)
	// Negotiation: lowest redundancy, highest period.
	require.Equal(wire.RedundancyDouble, accepted[0].Params.Redundancy)
	require.Equal(wire.Period2, accepted[0].Params.Period)
}

func TestStreamCollectionResendFlag(t *testing.T) {
	require := require.New(t)

	c := NewStreamCollection()
	smes := newSMEQueue()
	resend := wire.NewResendSME(4)
	smes.Enqueue(resend.Key(), resend)
	c.ReceiveSMEs(smes, nil)

	op := c.Operation()
	require.True(op.Resend)
	require.False(op.Reschedule)
	// The flag is cleared by reading it.
	require.False(c.Operation().Resend)
}

func TestSnapshotStreamChanges(t *testing.T) {
	require := require.New(t)

	idA := wire.StreamId{Src: 1, Dst: 2, SrcPort: 0, DstPort: 1}
	idB := wire.StreamId{Src: 3, Dst: 2, SrcPort: 0, DstPort: 1}
	snapshot := StreamSnapshot{collection: map[wire.StreamId]MasterStreamInfo{
		idA: {Id: idA, Status: StreamAccepted},
		idB: {Id: idB, Status: StreamEstablished},
	}}
	schedule := []wire.DownlinkElement{
		wire.NewScheduleElement(idA, wire.StreamParameters{}, 1, 2, 5),
	}
	changes := snapshot.StreamChanges(schedule)
	require.Equal(ChangeEstablish, changes[idA])
	require.Equal(ChangeClose, changes[idB])
}

func newSMEQueue() *queue.Updatable[wire.SMEKey, wire.StreamManagementElement] {
	return queue.NewUpdatable[wire.SMEKey, wire.StreamManagementElement]()
}
