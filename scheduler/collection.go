// collection.go - master-side stream collection.
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

// Package scheduler implements the master's stream collection, the
// router and the conflict-free slot assignment.
package scheduler

import (
	"sync"

	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/wire"
)

// MasterStreamStatus is the master's view of a stream or server.
type MasterStreamStatus uint8

const (
	// StreamAccepted is a stream matched to its server, awaiting a
	// schedule.
	StreamAccepted MasterStreamStatus = iota
	// StreamEstablished is a stream present in the active schedule.
	StreamEstablished
	// StreamRejected is a stream the master refused or could not
	// schedule.
	StreamRejected
	// ServerListen is an open server.
	ServerListen
)

// MasterStreamInfo is one entry of the master's stream collection.
type MasterStreamInfo struct {
	Id     wire.StreamId
	Params wire.StreamParameters
	Status MasterStreamStatus
}

// StreamChange is the transition the scheduling round decided for a
// stream.
type StreamChange uint8

const (
	// ChangeEstablish promotes an accepted stream present in the new
	// schedule.
	ChangeEstablish StreamChange = iota
	// ChangeReject drops an accepted stream missing from the new
	// schedule.
	ChangeReject
	// ChangeClose drops an established stream missing from the new
	// schedule.
	ChangeClose
)

// Operation tells the scheduler what the collected SMEs ask for.
type Operation struct {
	Resend     bool
	Reschedule bool
}

// ChallengeSink receives master authentication challenges extracted from
// the SME flow.
type ChallengeSink interface {
	EnqueueChallenge(sme wire.StreamManagementElement)
}

// StreamSnapshot is an immutable copy of the collection handed to the
// scheduling round.
type StreamSnapshot struct {
	collection map[wire.StreamId]MasterStreamInfo
	modified   bool
	removed    bool
	added      bool
}

// StreamNumber returns the number of entries in the snapshot.
func (s *StreamSnapshot) StreamNumber() int { return len(s.collection) }

// WasModified reports whether anything changed since the last snapshot.
func (s *StreamSnapshot) WasModified() bool { return s.modified }

// WasRemoved reports whether a stream disappeared since the last
// snapshot.
func (s *StreamSnapshot) WasRemoved() bool { return s.removed }

// WasAdded reports whether a stream appeared since the last snapshot.
func (s *StreamSnapshot) WasAdded() bool { return s.added }

// Streams returns all entries.
func (s *StreamSnapshot) Streams() []MasterStreamInfo {
	result := make([]MasterStreamInfo, 0, len(s.collection))
	for _, info := range s.collection {
		result = append(result, info)
	}
	return result
}

// StreamsWithStatus returns the entries in the given state.
func (s *StreamSnapshot) StreamsWithStatus(status MasterStreamStatus) []MasterStreamInfo {
	var result []MasterStreamInfo
	for _, info := range s.collection {
		if info.Status == status {
			result = append(result, info)
		}
	}
	return result
}

// StreamChanges compares the snapshot against the freshly computed
// schedule: accepted streams present in it are established, accepted
// streams missing are rejected, established streams missing are closed.
func (s *StreamSnapshot) StreamChanges(schedule []wire.DownlinkElement) map[wire.StreamId]StreamChange {
	scheduled := make(map[wire.StreamId]bool)
	for _, e := range schedule {
		if e.Type == wire.DownlinkSchedule {
			scheduled[e.Id] = true
		}
	}
	changes := make(map[wire.StreamId]StreamChange)
	for id, info := range s.collection {
		switch info.Status {
		case StreamAccepted:
			if scheduled[id] {
				changes[id] = ChangeEstablish
			} else {
				changes[id] = ChangeReject
			}
		case StreamEstablished:
			if !scheduled[id] {
				changes[id] = ChangeClose
			}
		}
	}
	return changes
}

// StreamCollection tracks every stream and server of the network and the
// info elements queued for distribution.
type StreamCollection struct {
	mu sync.Mutex

	collection map[wire.StreamId]MasterStreamInfo
	infoQueue  *queue.Updatable[wire.StreamId, wire.DownlinkElement]

	modified bool
	removed  bool
	added    bool
	resend   bool
}

// NewStreamCollection creates an empty collection.
func NewStreamCollection() *StreamCollection {
	return &StreamCollection{
		collection: make(map[wire.StreamId]MasterStreamInfo),
		infoQueue:  queue.NewUpdatable[wire.StreamId, wire.DownlinkElement](),
	}
}

// ReceiveSMEs consumes the queued SMEs, updating the collection and
// routing challenges to the key manager.
func (c *StreamCollection) ReceiveSMEs(smes *queue.Updatable[wire.SMEKey, wire.StreamManagementElement],
	challenges ChallengeSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		sme, ok := smes.Dequeue()
		if !ok {
			return
		}
		switch sme.Type {
		case wire.SMEResendSchedule:
			c.resend = true
			continue
		case wire.SMEChallenge:
			if challenges != nil {
				challenges.EnqueueChallenge(sme)
			}
			continue
		}
		id := sme.Id
		if info, ok := c.collection[id]; ok {
			if id.IsServer() {
				c.updateServer(info, sme)
			} else {
				c.updateStream(info, sme)
			}
		} else {
			if id.IsServer() {
				c.createServer(sme)
			} else {
				c.createStream(sme)
			}
		}
	}
}

func (c *StreamCollection) updateStream(stream MasterStreamInfo, sme wire.StreamManagementElement) {
	if stream.Status == StreamRejected && sme.Type == wire.SMEConnect {
		// A new connect for a rejected stream is evaluated afresh.
		delete(c.collection, stream.Id)
		c.createStream(sme)
		return
	}
	if stream.Status == StreamEstablished && sme.Type == wire.SMEClosed {
		delete(c.collection, stream.Id)
		c.modified = true
		c.removed = true
	}
}

func (c *StreamCollection) updateServer(server MasterStreamInfo, sme wire.StreamManagementElement) {
	if server.Status != ServerListen {
		return
	}
	switch sme.Type {
	case wire.SMEClosed:
		delete(c.collection, server.Id)
		c.enqueueInfo(server.Id, wire.InfoServerClosed)
		c.modified = true
		c.removed = true
	case wire.SMEListen:
		// The node missed our answer: repeat it.
		c.enqueueInfo(server.Id, wire.InfoServerOpened)
	}
}

func (c *StreamCollection) createStream(sme wire.StreamManagementElement) {
	if sme.Type != wire.SMEConnect {
		return
	}
	id := sme.Id
	clientParams := sme.Parameters
	serverId := id.ServerId()
	server, ok := c.collection[serverId]
	if !ok || server.Params.Direction != clientParams.Direction {
		// No server on (dst, dstPort), or mismatched direction.
		c.collection[id] = MasterStreamInfo{Id: id, Params: clientParams, Status: StreamRejected}
		c.enqueueInfo(id, wire.InfoStreamReject)
		return
	}
	newParams := negotiateParameters(server.Params, clientParams)
	c.collection[id] = MasterStreamInfo{Id: id, Params: newParams, Status: StreamAccepted}
	c.modified = true
	c.added = true
}

func (c *StreamCollection) createServer(sme wire.StreamManagementElement) {
	id := sme.Id
	switch sme.Type {
	case wire.SMEListen:
		c.collection[id] = MasterStreamInfo{Id: id, Params: sme.Parameters, Status: ServerListen}
		c.enqueueInfo(id, wire.InfoServerOpened)
	case wire.SMEClosed:
		// The node missed our answer: repeat it.
		c.enqueueInfo(id, wire.InfoServerClosed)
	}
}

// negotiateParameters combines client and server wishes: the lowest
// redundancy, the longest period and the smallest payload win.
func negotiateParameters(serverParams, clientParams wire.StreamParameters) wire.StreamParameters {
	result := wire.StreamParameters{Direction: clientParams.Direction}
	result.Redundancy = serverParams.Redundancy
	if clientParams.Redundancy < result.Redundancy {
		result.Redundancy = clientParams.Redundancy
	}
	result.Period = serverParams.Period
	if clientParams.Period > result.Period {
		result.Period = clientParams.Period
	}
	result.PayloadSize = serverParams.PayloadSize
	if clientParams.PayloadSize < result.PayloadSize {
		result.PayloadSize = clientParams.PayloadSize
	}
	return result
}

func (c *StreamCollection) enqueueInfo(id wire.StreamId, info wire.InfoType) {
	c.infoQueue.Enqueue(id, wire.NewInfoElement(id, info))
}

// ApplyChanges installs the outcome of a scheduling round.
func (c *StreamCollection) ApplyChanges(changes map[wire.StreamId]StreamChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, change := range changes {
		info, ok := c.collection[id]
		if !ok {
			continue
		}
		switch change {
		case ChangeEstablish:
			info.Status = StreamEstablished
			c.collection[id] = info
		case ChangeReject:
			delete(c.collection, id)
			c.enqueueInfo(id, wire.InfoStreamReject)
		case ChangeClose:
			delete(c.collection, id)
		}
	}
}

// Operation returns what the collected SMEs asked of the scheduler and
// clears the resend request; the reschedule flag is cleared by Snapshot.
func (c *StreamCollection) Operation() Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := Operation{Resend: c.resend, Reschedule: c.modified}
	c.resend = false
	return op
}

// HasSchedulableStreams reports whether any accepted stream awaits a
// schedule.
func (c *StreamCollection) HasSchedulableStreams() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range c.collection {
		if info.Status == StreamAccepted {
			return true
		}
	}
	return false
}

// Streams returns the current entries.
func (c *StreamCollection) Streams() []MasterStreamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]MasterStreamInfo, 0, len(c.collection))
	for _, info := range c.collection {
		result = append(result, info)
	}
	return result
}

// NumInfo returns the number of queued info elements.
func (c *StreamCollection) NumInfo() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoQueue.Len()
}

// DequeueInfo removes and returns up to num queued info elements.
func (c *StreamCollection) DequeueInfo(num int) []wire.DownlinkElement {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []wire.DownlinkElement
	for i := 0; i < num; i++ {
		info, ok := c.infoQueue.Dequeue()
		if !ok {
			break
		}
		result = append(result, info)
	}
	return result
}

// Snapshot copies the collection for a scheduling round, clearing the
// change flags.
func (c *StreamCollection) Snapshot() StreamSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[wire.StreamId]MasterStreamInfo, len(c.collection))
	for id, info := range c.collection {
		copied[id] = info
	}
	s := StreamSnapshot{
		collection: copied,
		modified:   c.modified,
		removed:    c.removed,
		added:      c.added,
	}
	c.modified = false
	c.removed = false
	c.added = false
	return s
}
