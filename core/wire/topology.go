// topology.go - topology elements carried in uplink messages.
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

package wire

import (
	"github.com/tdmh/tdmh/core/bitset"
)

// TopologyElement is the neighbor list of one node as observed by that
// node: the strong neighbors bitmap, optionally accompanied by the weak
// neighbors bitmap (nodes heard with any RSSI).
type TopologyElement struct {
	Id            NodeID
	Neighbors     *bitset.RuntimeBitset
	WeakNeighbors *bitset.RuntimeBitset
}

// NewTopologyElement creates an empty element for a node.
func NewTopologyElement(id NodeID, maxNodes int, useWeak bool) *TopologyElement {
	e := &TopologyElement{
		Id:        id,
		Neighbors: bitset.New(maxNodes),
	}
	if useWeak {
		e.WeakNeighbors = bitset.New(maxNodes)
	}
	return e
}

// TopologyElementSize returns the wire size of an element.
func TopologyElementSize(bitmaskSize int, useWeak bool) int {
	if useWeak {
		return 1 + 2*bitmaskSize
	}
	return 1 + bitmaskSize
}

// Size returns the wire size of this element.
func (e *TopologyElement) Size() int {
	n := 1 + e.Neighbors.ByteSize()
	if e.WeakNeighbors != nil {
		n += e.WeakNeighbors.ByteSize()
	}
	return n
}

// Clear empties both bitmaps.
func (e *TopologyElement) Clear() {
	e.Neighbors.SetAll(false)
	if e.WeakNeighbors != nil {
		e.WeakNeighbors.SetAll(false)
	}
}

// Clone returns a deep copy of the element.
func (e *TopologyElement) Clone() *TopologyElement {
	c := &TopologyElement{Id: e.Id, Neighbors: e.Neighbors.Clone()}
	if e.WeakNeighbors != nil {
		c.WeakNeighbors = e.WeakNeighbors.Clone()
	}
	return c
}

// Serialize appends the element to pkt.
func (e *TopologyElement) Serialize(pkt *Packet) error {
	if err := pkt.Put([]byte{e.Id}); err != nil {
		return err
	}
	if err := pkt.Put(e.Neighbors.Bytes()); err != nil {
		return err
	}
	if e.WeakNeighbors != nil {
		return pkt.Put(e.WeakNeighbors.Bytes())
	}
	return nil
}

// DeserializeTopologyElement consumes one element from pkt.
func DeserializeTopologyElement(pkt *Packet, maxNodes int, useWeak bool) (*TopologyElement, error) {
	var id [1]byte
	if err := pkt.Get(id[:]); err != nil {
		return nil, err
	}
	bitmaskSize := (maxNodes + 7) / 8
	buf := make([]byte, bitmaskSize)
	if err := pkt.Get(buf); err != nil {
		return nil, err
	}
	e := &TopologyElement{Id: id[0], Neighbors: bitset.FromBytes(maxNodes, buf)}
	if useWeak {
		if err := pkt.Get(buf); err != nil {
			return nil, err
		}
		e.WeakNeighbors = bitset.FromBytes(maxNodes, buf)
	}
	return e, nil
}

// ValidateTopologyElementInPacket checks the element serialized at offset
// without consuming it.
func ValidateTopologyElementInPacket(pkt *Packet, offset int, maxNodes uint16, useWeak bool) bool {
	size := TopologyElementSize(int(maxNodes+7)/8, useWeak)
	if pkt.Size()-offset < size {
		return false
	}
	return uint16(pkt.At(offset)) < maxNodes
}
