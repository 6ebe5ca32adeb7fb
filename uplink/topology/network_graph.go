// network_graph.go - master-side connectivity graph.
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

package topology

import (
	"github.com/tdmh/tdmh/core/bitset"
	"github.com/tdmh/tdmh/core/wire"
)

// Edge is an undirected link between two nodes.
type Edge struct {
	A, B wire.NodeID
}

// orderLink normalizes an edge so (a,b) and (b,a) compare equal.
func orderLink(a, b wire.NodeID) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// NetworkGraph is the undirected connectivity graph of the network,
// stored as an adjacency map of bitsets.
type NetworkGraph struct {
	maxNodes int
	graph    map[wire.NodeID]*bitset.RuntimeBitset

	possiblyNotConnected bool
}

// NewNetworkGraph creates an empty graph over maxNodes nodes.
func NewNetworkGraph(maxNodes int) *NetworkGraph {
	return &NetworkGraph{
		maxNodes: maxNodes,
		graph:    make(map[wire.NodeID]*bitset.RuntimeBitset),
	}
}

// HasNode reports whether the node has at least one edge.
func (g *NetworkGraph) HasNode(a wire.NodeID) bool {
	_, ok := g.graph[a]
	return ok
}

// HasEdge reports whether a and b are connected.
func (g *NetworkGraph) HasEdge(a, b wire.NodeID) bool {
	row, ok := g.graph[a]
	return ok && row.Test(int(b))
}

// Edges returns all edges (a,b) with b > a.
func (g *NetworkGraph) Edges() []Edge {
	var result []Edge
	for a, row := range g.graph {
		for b := int(a); b < g.maxNodes; b++ {
			if row.Test(b) {
				result = append(result, Edge{A: a, B: wire.NodeID(b)})
			}
		}
	}
	return result
}

// Neighbors returns the nodes adjacent to a.
func (g *NetworkGraph) Neighbors(a wire.NodeID) []wire.NodeID {
	row, ok := g.graph[a]
	if !ok {
		return nil
	}
	var result []wire.NodeID
	for b := 0; b < g.maxNodes; b++ {
		if row.Test(b) {
			result = append(result, wire.NodeID(b))
		}
	}
	return result
}

func (g *NetworkGraph) row(a wire.NodeID) *bitset.RuntimeBitset {
	row, ok := g.graph[a]
	if !ok {
		row = bitset.New(g.maxNodes)
		g.graph[a] = row
	}
	return row
}

// AddEdge connects a and b, returning true if the edge was new.
func (g *NetworkGraph) AddEdge(a, b wire.NodeID) bool {
	row := g.row(a)
	added := !row.Test(int(b))
	if added {
		row.Set(int(b), true)
		g.row(b).Set(int(a), true)
	}
	return added
}

// RemoveEdge disconnects a and b, returning true if the edge existed.
// Removing edges may leave nodes unreachable from the master; those are
// collected by RemoveUnreachableNodes.
func (g *NetworkGraph) RemoveEdge(a, b wire.NodeID) bool {
	row, ok := g.graph[a]
	if !ok || !row.Test(int(b)) {
		return false
	}
	row.Set(int(b), false)
	if row.Empty() {
		delete(g.graph, a)
	}
	if other, ok := g.graph[b]; ok {
		other.Set(int(a), false)
		if other.Empty() {
			delete(g.graph, b)
		}
	}
	g.possiblyNotConnected = true
	return true
}

// HasUnreachableNodes reports whether a removal may have disconnected
// part of the graph since the last garbage collection.
func (g *NetworkGraph) HasUnreachableNodes() bool { return g.possiblyNotConnected }

// RemoveUnreachableNodes drops every node not reachable from the master,
// returning whether anything was removed.
func (g *NetworkGraph) RemoveUnreachableNodes() bool {
	reachable := make(map[wire.NodeID]bool)
	openSet := []wire.NodeID{0}
	reachable[0] = true
	for len(openSet) > 0 {
		node := openSet[0]
		openSet = openSet[1:]
		for _, child := range g.Neighbors(node) {
			if !reachable[child] {
				reachable[child] = true
				openSet = append(openSet, child)
			}
		}
	}

	removed := false
	for node, row := range g.graph {
		if !reachable[node] {
			delete(g.graph, node)
			removed = true
			continue
		}
		for b := 0; b < g.maxNodes; b++ {
			if row.Test(b) && !reachable[wire.NodeID(b)] {
				row.Set(b, false)
				removed = true
			}
		}
		if row.Empty() {
			delete(g.graph, node)
		}
	}
	g.possiblyNotConnected = false
	return removed
}

// Clone returns a deep copy of the graph.
func (g *NetworkGraph) Clone() *NetworkGraph {
	c := NewNetworkGraph(g.maxNodes)
	for node, row := range g.graph {
		c.graph[node] = row.Clone()
	}
	c.possiblyNotConnected = g.possiblyNotConnected
	return c
}

// CopyFrom replaces this graph's contents with those of other.
func (g *NetworkGraph) CopyFrom(other *NetworkGraph) {
	g.graph = make(map[wire.NodeID]*bitset.RuntimeBitset)
	for node, row := range other.graph {
		g.graph[node] = row.Clone()
	}
	g.possiblyNotConnected = other.possiblyNotConnected
}
