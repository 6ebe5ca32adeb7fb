// topology_test.go - neighbor table and graph tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/wire"
)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:                         6,
		MaxNodes:                        16,
		NetworkID:                       5,
		PanID:                           6,
		ClockSyncPeriod:                 10_000_000_000,
		TileDuration:                    100_000_000,
		MaxAdmittedRcvWindow:            150_000,
		GuaranteedTopologies:            4,
		NumUplinkPackets:                1,
		MaxMissedTimesyncs:              4,
		MaxRoundsUnavailableBecomesDead: 3,
		MaxRoundsWeakLinkBecomesDead:    3,
		MinNeighborRSSI:                 -75,
		MinWeakNeighborRSSI:             -90,
		ControlSuperframe:               config.DefaultControlSuperframe(),
	}
}

// Scenario from the original local uplink test: a predecessor heard
// below the RSSI threshold is tracked as forwarding parent but not
// announced as neighbor until heard strongly; three missed rounds drop
// both roles.
func TestNeighborTableScenario(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	nt := NewNeighborTable(cfg, 5, 2)

	empty := wire.NewTopologyElement(7, int(cfg.MaxNodes), false)

	nt.ReceivedMessage(7, 1, -99, false, empty)
	require.True(nt.HasPredecessor())
	require.Equal(wire.NodeID(7), nt.BestPredecessor())
	require.Equal("0000000000000000", nt.MyTopologyElement().Neighbors.String())

	nt.ReceivedMessage(7, 1, -50, false, empty)
	require.True(nt.HasPredecessor())
	require.Equal(wire.NodeID(7), nt.BestPredecessor())
	require.Equal("0000000100000000", nt.MyTopologyElement().Neighbors.String())

	nt.MissedMessage(7)
	require.True(nt.HasPredecessor())
	require.Equal("0000000100000000", nt.MyTopologyElement().Neighbors.String())

	nt.MissedMessage(7)
	require.True(nt.HasPredecessor())
	require.Equal("0000000100000000", nt.MyTopologyElement().Neighbors.String())

	nt.MissedMessage(7)
	require.False(nt.HasPredecessor())
	require.Equal("0000000000000000", nt.MyTopologyElement().Neighbors.String())
}

// A weak link is corroborated to strong when the sender reports hearing
// this node.
func TestNeighborTableCorroboration(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	nt := NewNeighborTable(cfg, 5, 2)

	hearsMe := wire.NewTopologyElement(3, int(cfg.MaxNodes), false)
	hearsMe.Neighbors.Set(5, true)

	nt.ReceivedMessage(3, 3, -99, false, hearsMe)
	require.Equal(NeighborStrong, nt.Status(3))
	require.True(nt.MyTopologyElement().Neighbors.Test(3))
	// Hop 3 is deeper than us: not a predecessor.
	require.False(nt.HasPredecessor())
}

func TestNeighborTableBadAssignee(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	nt := NewNeighborTable(cfg, 5, 2)
	require.True(nt.IsBadAssignee())

	empty := wire.NewTopologyElement(7, int(cfg.MaxNodes), false)
	// A bad-assignee predecessor gets its priority lowered by 128 and
	// leaves us a bad assignee too.
	nt.ReceivedMessage(7, 1, -50, true, empty)
	require.True(nt.HasPredecessor())
	require.True(nt.BestPredecessorIsBad())
	require.True(nt.IsBadAssignee())

	// A good predecessor takes over and clears our flag.
	nt.ReceivedMessage(8, 1, -60, false, empty)
	require.Equal(wire.NodeID(8), nt.BestPredecessor())
	require.False(nt.BestPredecessorIsBad())
	require.False(nt.IsBadAssignee())

	// The master is never a bad assignee.
	master := NewNeighborTable(cfg, 0, 0)
	master.ReceivedMessage(1, 1, -99, false, empty)
	require.False(master.IsBadAssignee())
}

func TestNetworkGraphEdges(t *testing.T) {
	require := require.New(t)

	g := NewNetworkGraph(16)
	require.True(g.AddEdge(0, 1))
	require.False(g.AddEdge(1, 0))
	require.True(g.HasEdge(1, 0))
	require.True(g.AddEdge(1, 2))

	edges := g.Edges()
	require.Len(edges, 2)

	require.True(g.RemoveEdge(0, 1))
	require.False(g.RemoveEdge(0, 1))
	require.False(g.HasEdge(1, 0))
	require.True(g.HasUnreachableNodes())
}

func TestNetworkGraphUnreachableRemoval(t *testing.T) {
	require := require.New(t)

	g := NewNetworkGraph(16)
	g.AddEdge(0, 1)
	g.AddEdge(1, 2)
	g.AddEdge(4, 5) // disconnected island

	require.True(g.RemoveUnreachableNodes())
	require.True(g.HasEdge(0, 1))
	require.True(g.HasEdge(1, 2))
	require.False(g.HasEdge(4, 5))
	require.False(g.HasNode(4))

	// A fully reachable graph removes nothing.
	require.False(g.RemoveUnreachableNodes())
}

func TestNetworkTopologyModifiedFlag(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	nt := NewNetworkTopology(cfg)

	q := queue.NewUpdatable[wire.NodeID, *wire.TopologyElement]()
	e1 := wire.NewTopologyElement(1, int(cfg.MaxNodes), false)
	e1.Neighbors.Set(0, true)
	e1.Neighbors.Set(2, true)
	q.Enqueue(1, e1)
	nt.HandleTopologies(q)

	// Plain edge additions without spatial reuse do not force a
	// reschedule by themselves.
	require.False(nt.PeekModified())

	// Pretend the scheduler used link 1-2, then let node 1 retract it.
	g := NewNetworkGraph(int(cfg.MaxNodes))
	nt.UpdateSchedulerNetworkGraph(g)
	require.True(g.HasEdge(1, 2))
	nt.UsedLinksChanged(map[Edge]bool{orderLink(1, 2): true})

	e2 := wire.NewTopologyElement(1, int(cfg.MaxNodes), false)
	e2.Neighbors.Set(0, true) // 2 no longer heard
	q.Enqueue(1, e2)
	nt.HandleTopologies(q)
	require.True(nt.WasModified())
}

// An edge removed while a scheduling round is in flight defers the
// used-link check until the round completes.
func TestNetworkTopologyDeferredRemoval(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	nt := NewNetworkTopology(cfg)

	q := queue.NewUpdatable[wire.NodeID, *wire.TopologyElement]()
	e1 := wire.NewTopologyElement(1, int(cfg.MaxNodes), false)
	e1.Neighbors.Set(2, true)
	q.Enqueue(1, e1)
	nt.HandleTopologies(q)

	g := NewNetworkGraph(int(cfg.MaxNodes))
	nt.UpdateSchedulerNetworkGraph(g) // round starts

	e2 := wire.NewTopologyElement(1, int(cfg.MaxNodes), false)
	q.Enqueue(1, e2)
	nt.HandleTopologies(q) // removal during the round
	require.False(nt.PeekModified())

	nt.UsedLinksChanged(map[Edge]bool{orderLink(1, 2): true})
	require.True(nt.WasModified())
}
