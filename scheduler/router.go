// router.go - stream routing over the connectivity graph.
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

package scheduler

import (
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/uplink/topology"
)

// router expands streams into per-hop transmission lists over the
// current graph snapshot, handling temporal and spatial redundancy.
type router struct {
	graph    *topology.NetworkGraph
	maxNodes int
	maxHops  int
	// moreHops extends the DFS depth over the primary path length when
	// searching for a redundant path.
	moreHops int
}

// run routes every stream of the list.  Each element of the result is
// one path of one stream, as a list of per-hop schedule elements;
// redundant copies appear as additional paths.  Streams that cannot be
// routed are silently dropped: the caller detects them by their absence
// from the final schedule.
func (r *router) run(streams []MasterStreamInfo) [][]wire.DownlinkElement {
	var routed [][]wire.DownlinkElement
	for i := range streams {
		stream := &streams[i]
		src, dst := stream.Id.Src, stream.Id.Dst

		if r.graph.HasEdge(src, dst) {
			// Single-hop stream: spatial redundancy degenerates to
			// temporal.
			switch stream.Params.Redundancy {
			case wire.RedundancyDoubleSpatial:
				stream.Params.Redundancy = wire.RedundancyDouble
			case wire.RedundancyTripleSpatial:
				stream.Params.Redundancy = wire.RedundancyTriple
			}
			singleHop := []wire.DownlinkElement{
				wire.NewScheduleElement(stream.Id, stream.Params, src, dst, 0),
			}
			for i := 0; i < stream.Params.Redundancy.Count(); i++ {
				routed = append(routed, singleHop)
			}
			continue
		}

		path := r.breadthFirstSearch(src, dst)
		if len(path) == 0 {
			continue
		}
		if len(path)-1 > r.maxHops {
			continue
		}
		primary := r.pathToSchedule(path, stream)
		routed = append(routed, primary)

		redundancy := stream.Params.Redundancy
		// Temporal copies of the primary path.
		switch redundancy {
		case wire.RedundancyDouble, wire.RedundancyTripleSpatial:
			routed = append(routed, primary)
		case wire.RedundancyTriple:
			routed = append(routed, primary, primary)
		}
		if !redundancy.Spatial() {
			continue
		}

		// Spatial redundancy: search for an alternative path, preferring
		// one with no intermediate node in common with the primary.
		extraPaths := r.depthFirstSearch(src, dst, len(path)+r.moreHops)
		extraPaths = removePath(extraPaths, path)
		if len(extraPaths) == 0 {
			// The only path is the primary: downgrade from spatial to
			// temporal redundancy.
			switch redundancy {
			case wire.RedundancyDoubleSpatial:
				stream.Params.Redundancy = wire.RedundancyDouble
			case wire.RedundancyTripleSpatial:
				stream.Params.Redundancy = wire.RedundancyTriple
			}
			for i := range primary {
				primary[i].Params.Redundancy = stream.Params.Redundancy
			}
			routed = append(routed, primary)
			continue
		}
		independent := findIndependentPaths(extraPaths, path)
		var solution []wire.NodeID
		if len(independent) > 0 {
			solution = findShortestPath(independent)
		} else {
			solution = findShortestPath(extraPaths)
		}
		routed = append(routed, r.pathToSchedule(solution, stream))
	}
	return routed
}

// breadthFirstSearch returns the shortest path from root to dest, or nil
// when they are not connected.
func (r *router) breadthFirstSearch(root, dest wire.NodeID) []wire.NodeID {
	if !r.graph.HasNode(root) || !r.graph.HasNode(dest) {
		return nil
	}
	visited := make([]bool, r.maxNodes)
	parentOf := make(map[wire.NodeID]wire.NodeID)
	openSet := []wire.NodeID{root}
	visited[root] = true
	// The root is the only node with itself as predecessor.
	parentOf[root] = root

	for len(openSet) > 0 {
		subtreeRoot := openSet[0]
		openSet = openSet[1:]
		if subtreeRoot == dest {
			return constructPath(subtreeRoot, parentOf)
		}
		for _, child := range r.graph.Neighbors(subtreeRoot) {
			if visited[child] {
				continue
			}
			if _, queued := parentOf[child]; !queued {
				parentOf[child] = subtreeRoot
				openSet = append(openSet, child)
			}
		}
		visited[subtreeRoot] = true
	}
	return nil
}

func constructPath(node wire.NodeID, parentOf map[wire.NodeID]wire.NodeID) []wire.NodeID {
	path := []wire.NodeID{node}
	for parentOf[node] != node {
		node = parentOf[node]
		path = append(path, node)
	}
	// The walk built the path backwards.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// depthFirstSearch enumerates all paths from src to dst of at most limit
// hops.
func (r *router) depthFirstSearch(src, dst wire.NodeID, limit int) [][]wire.NodeID {
	visited := make([]bool, r.maxNodes)
	var path []wire.NodeID
	var allPaths [][]wire.NodeID
	// limit+1 nodes make limit hops.
	r.dfsRun(src, dst, limit+1, visited, path, &allPaths)
	return allPaths
}

func (r *router) dfsRun(start, target wire.NodeID, limit int,
	visited []bool, path []wire.NodeID, allPaths *[][]wire.NodeID) {
	visited[start] = true
	path = append(path, start)
	if start == target {
		cp := make([]wire.NodeID, len(path))
		copy(cp, path)
		*allPaths = append(*allPaths, cp)
	} else if len(path) < limit {
		for _, child := range r.graph.Neighbors(start) {
			if !visited[child] {
				r.dfsRun(child, target, limit, visited, path, allPaths)
			}
		}
	}
	visited[start] = false
}

// pathToSchedule converts a path into per-hop schedule elements,
// carrying the stream parameters on every hop.
func (r *router) pathToSchedule(path []wire.NodeID, stream *MasterStreamInfo) []wire.DownlinkElement {
	if len(path) == 0 {
		return nil
	}
	result := make([]wire.DownlinkElement, 0, len(path)-1)
	tx := path[0]
	for _, rx := range path[1:] {
		result = append(result, wire.NewScheduleElement(stream.Id, stream.Params, tx, rx, 0))
		tx = rx
	}
	return result
}

func pathsEqual(a, b []wire.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func removePath(paths [][]wire.NodeID, path []wire.NodeID) [][]wire.NodeID {
	var result [][]wire.NodeID
	for _, p := range paths {
		if !pathsEqual(p, path) {
			result = append(result, p)
		}
	}
	return result
}

// findIndependentPaths keeps the paths sharing no intermediate node with
// the primary.
func findIndependentPaths(paths [][]wire.NodeID, primary []wire.NodeID) [][]wire.NodeID {
	intermediate := make(map[wire.NodeID]bool)
	for i := 1; i < len(primary)-1; i++ {
		intermediate[primary[i]] = true
	}
	var result [][]wire.NodeID
	for _, p := range paths {
		disjoint := true
		for i := 1; i < len(p)-1; i++ {
			if intermediate[p[i]] {
				disjoint = false
				break
			}
		}
		if disjoint {
			result = append(result, p)
		}
	}
	return result
}

func findShortestPath(paths [][]wire.NodeID) []wire.NodeID {
	var best []wire.NodeID
	for _, p := range paths {
		if best == nil || len(p) < len(best) {
			best = p
		}
	}
	return best
}
