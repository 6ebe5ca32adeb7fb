// scheduler.go - schedule computation at the master.
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
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/uplink/topology"
)

// Schedule is one computed schedule: the implicit element list, its
// monotonically increasing identifier and its length in tiles.
type Schedule struct {
	Elements []wire.DownlinkElement
	ID       uint32
	Tiles    int
}

// ScheduleComputation runs the router and the slot assignment on its own
// goroutine, woken up whenever the stream collection or the topology
// changes.
type ScheduleComputation struct {
	cfg *config.NetworkConfiguration
	tl  *slots.Timeline
	log *logging.Logger

	network *topology.NetworkTopology
	// graph is the scheduler's private snapshot of the connectivity.
	graph *topology.NetworkGraph

	Streams *StreamCollection

	mu                 sync.Mutex
	cond               *sync.Cond
	halted             bool
	scheduleNotApplied bool
	schedule           Schedule

	snapshot StreamSnapshot
}

// New creates the schedule computation.
func New(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	network *topology.NetworkTopology, log *logging.Logger) *ScheduleComputation {
	s := &ScheduleComputation{
		cfg:     cfg,
		tl:      tl,
		log:     log,
		network: network,
		graph:   topology.NewNetworkGraph(int(cfg.MaxNodes)),
		Streams: NewStreamCollection(),
		// The schedule always starts as long as the control
		// superframe, with the null identifier never distributed.
		schedule: Schedule{ID: 0, Tiles: cfg.ControlSuperframe.Size()},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the scheduler thread.
func (s *ScheduleComputation) Start() {
	go s.run()
}

// Shutdown terminates the scheduler thread.
func (s *ScheduleComputation) Shutdown() {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// BeginScheduling wakes the scheduler thread; called by the MAC loop
// before every schedule distribution downlink.
func (s *ScheduleComputation) BeginScheduling() {
	s.cond.Broadcast()
}

// ScheduleApplied tells the scheduler the distributed schedule has been
// activated, unblocking the next computation.
func (s *ScheduleComputation) ScheduleApplied() {
	s.mu.Lock()
	s.scheduleNotApplied = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// ScheduleID returns the identifier of the last computed schedule.
func (s *ScheduleComputation) ScheduleID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.ID
}

// GetSchedule copies out the last computed schedule.
func (s *ScheduleComputation) GetSchedule() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	elements := make([]wire.DownlinkElement, len(s.schedule.Elements))
	copy(elements, s.schedule.Elements)
	return Schedule{Elements: elements, ID: s.schedule.ID, Tiles: s.schedule.Tiles}
}

func (s *ScheduleComputation) run() {
	for {
		forceResend := false
		for {
			s.mu.Lock()
			if s.halted {
				s.mu.Unlock()
				return
			}
			// A new schedule may only be computed once the previous one
			// has been applied, otherwise the activation time of the
			// next one cannot be aligned to it.
			if !s.scheduleNotApplied {
				if s.network.PeekModified() {
					s.mu.Unlock()
					break
				}
				op := s.Streams.Operation()
				if op.Resend {
					forceResend = true
				}
				if op.Reschedule || op.Resend {
					s.mu.Unlock()
					break
				}
			}
			s.cond.Wait()
			s.mu.Unlock()
		}

		s.computeRound(forceResend)
	}
}

func (s *ScheduleComputation) computeRound(forceResend bool) {
	// Snapshot the stream requests and the graph; everything below uses
	// only the snapshots.
	s.snapshot = s.Streams.Snapshot()
	graphChanged := s.network.UpdateSchedulerNetworkGraph(s.graph)

	// Drop nodes unreachable from the master before routing.
	if s.graph.HasUnreachableNodes() {
		if s.graph.RemoveUnreachableNodes() {
			if s.network.WriteBackNetworkGraph(s.graph) {
				s.log.Debugf("[SC] removed unreachable nodes, graph written back")
			}
		}
	}

	scheduleChanged := false
	var newSchedule Schedule
	// Established streams take priority over new ones: when the
	// topology changed or a stream disappeared, they are rescheduled
	// from scratch; otherwise scheduling continues from the previous
	// schedule.
	if graphChanged || s.snapshot.WasRemoved() {
		newSchedule = s.scheduleEstablishedStreams(s.schedule.ID + 1)
		scheduleChanged = true
	} else {
		elements := make([]wire.DownlinkElement, len(s.schedule.Elements))
		copy(elements, s.schedule.Elements)
		newSchedule = Schedule{Elements: elements, ID: s.schedule.ID + 1, Tiles: s.schedule.Tiles}
	}

	if s.snapshot.WasAdded() {
		s.scheduleAcceptedStreams(&newSchedule)
		scheduleChanged = true
	}

	if scheduleChanged {
		changes := s.snapshot.StreamChanges(newSchedule.Elements)
		s.Streams.ApplyChanges(changes)

		s.mu.Lock()
		s.schedule = newSchedule
		s.scheduleNotApplied = true
		s.mu.Unlock()

		s.network.UsedLinksChanged(usedLinks(newSchedule.Elements))
		s.log.Infof("[SC] new schedule id=%d tiles=%d elements=%d",
			newSchedule.ID, newSchedule.Tiles, len(newSchedule.Elements))
	} else {
		if forceResend {
			// Redistribute the same schedule under a fresh id, so the
			// nodes that asked for the resend pick it up.
			s.mu.Lock()
			s.schedule.ID++
			s.scheduleNotApplied = true
			s.mu.Unlock()
		}
		s.network.UsedLinksNotChanged()
	}
}

func usedLinks(elements []wire.DownlinkElement) map[topology.Edge]bool {
	links := make(map[topology.Edge]bool)
	for _, e := range elements {
		if e.Type == wire.DownlinkSchedule {
			a, b := e.Tx, e.Rx
			if a > b {
				a, b = b, a
			}
			links[topology.Edge{A: a, B: b}] = true
		}
	}
	return links
}

func (s *ScheduleComputation) scheduleEstablishedStreams(id uint32) Schedule {
	established := s.snapshot.StreamsWithStatus(StreamEstablished)
	// Starting from an empty schedule, sized to the control superframe.
	elements, tiles := s.routeAndScheduleStreams(established, nil, s.cfg.ControlSuperframe.Size())
	return Schedule{Elements: elements, ID: id, Tiles: tiles}
}

func (s *ScheduleComputation) scheduleAcceptedStreams(current *Schedule) {
	accepted := s.snapshot.StreamsWithStatus(StreamAccepted)
	// Longest period first.
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Params.Period.Tiles() > accepted[j].Params.Period.Tiles()
	})
	extra, tiles := s.routeAndScheduleStreams(accepted, current.Elements, current.Tiles)
	current.Elements = append(current.Elements, extra...)
	current.Tiles = tiles
}

func (s *ScheduleComputation) routeAndScheduleStreams(streams []MasterStreamInfo,
	currentSchedule []wire.DownlinkElement, schedSize int) ([]wire.DownlinkElement, int) {
	if len(streams) == 0 {
		return nil, schedSize
	}
	r := &router{
		graph:    s.graph,
		maxNodes: int(s.cfg.MaxNodes),
		maxHops:  int(s.cfg.MaxHops),
		moreHops: 1,
	}
	routed := r.run(streams)
	return s.scheduleStreams(routed, currentSchedule, schedSize)
}

// scheduleStreams assigns a conflict-free offset to every transmission
// of every routed stream, growing the schedule length to the least
// common multiple of the involved periods.
func (s *ScheduleComputation) scheduleStreams(routedStreams [][]wire.DownlinkElement,
	currentSchedule []wire.DownlinkElement, schedSize int) ([]wire.DownlinkElement, int) {
	tileSize := s.tl.SlotsPerTile
	downlinkSize := s.tl.DownlinkControlSlots()
	uplinkSize := s.tl.UplinkControlSlots()

	var scheduled []wire.DownlinkElement
	newSize := schedSize

	for _, stream := range routedStreams {
		blockSize := 0
		streamErr := false
		// The last used offset enforces sequentiality inside a stream.
		lastOffset := uint32(0)
		lastSize := newSize

		for _, transmission := range stream {
			tx, rx := transmission.Tx, transmission.Rx
			if !s.graph.HasEdge(tx, rx) {
				streamErr = true
			}
			if streamErr {
				// A failed transmission undoes the whole stream.
				scheduled = scheduled[:len(scheduled)-blockSize]
				newSize = lastSize
				break
			}
			// The offset must stay below period*tileSize so the
			// resulting stream remains periodic.
			maxOffset := uint32(transmission.Params.Period.Tiles()*tileSize) - 1
			assigned := false
			for offset := lastOffset; offset < maxOffset; offset++ {
				if !s.checkDataSlot(offset, tileSize, downlinkSize, uplinkSize) {
					continue
				}
				conflict := s.checkAllConflicts(currentSchedule, transmission, offset, tileSize)
				conflict = conflict || s.checkAllConflicts(scheduled, transmission, offset, tileSize)
				if conflict {
					continue
				}
				lastOffset = offset
				blockSize++
				newSize = lcm(newSize, transmission.Params.Period.Tiles())
				transmission.Offset = offset
				scheduled = append(scheduled, transmission)
				assigned = true
				break
			}
			// The next transmission starts from the following slot.
			lastOffset++
			if !assigned || lastOffset >= maxOffset {
				if !assigned {
					streamErr = true
					scheduled = scheduled[:len(scheduled)-blockSize]
					newSize = lastSize
					s.log.Debugf("[SC] cannot schedule stream %d->%d: no free data slots",
						transmission.Id.Src, transmission.Id.Dst)
					break
				}
			}
		}
	}
	return scheduled, newSize
}

// checkDataSlot keeps data transmissions out of the control slots.
func (s *ScheduleComputation) checkDataSlot(offset uint32, tileSize, downlinkSize, uplinkSize int) bool {
	tile := int(offset) / tileSize
	tilePos := tile % s.cfg.ControlSuperframe.Size()
	slot := int(offset) % tileSize
	if s.cfg.ControlSuperframe.IsControlDownlink(tilePos) && slot < downlinkSize {
		return false
	}
	if s.cfg.ControlSuperframe.IsControlUplink(tilePos) && slot < uplinkSize {
		return false
	}
	return true
}

func (s *ScheduleComputation) checkAllConflicts(others []wire.DownlinkElement,
	transmission wire.DownlinkElement, offset uint32, tileSize int) bool {
	for _, elem := range others {
		// The cheap in-tile comparison prunes most pairs before the
		// expensive slot enumeration.
		if !slotConflictPossible(transmission, elem, offset, tileSize) {
			continue
		}
		if !checkSlotConflict(transmission, elem, offset, tileSize) {
			continue
		}
		if !s.cfg.ChannelSpatialReuse {
			// Without spatial reuse two transmissions sharing a slot
			// always conflict.
			return true
		}
		if checkUnicityConflict(transmission, elem) {
			return true
		}
		if s.checkInterferenceConflict(transmission, elem) {
			return true
		}
	}
	return false
}

// slotConflictPossible is a necessary condition for a conflict, cheap
// enough to gate the full check.
func slotConflictPossible(a, b wire.DownlinkElement, offsetA uint32, tileSize int) bool {
	return offsetA%uint32(tileSize) == b.Offset%uint32(tileSize)
}

// checkSlotConflict enumerates the slots used by both transmissions over
// the common hyperperiod looking for an overlap.
func checkSlotConflict(a, b wire.DownlinkElement, offsetA uint32, tileSize int) bool {
	periodSlotsA := uint32(a.Params.Period.Tiles() * tileSize)
	periodSlotsB := uint32(b.Params.Period.Tiles() * tileSize)
	scheduleSlots := uint32(lcm(a.Params.Period.Tiles(), b.Params.Period.Tiles()) * tileSize)
	for slotA := offsetA; slotA < scheduleSlots; slotA += periodSlotsA {
		for slotB := b.Offset; slotB < scheduleSlots; slotB += periodSlotsB {
			if slotA == slotB {
				return true
			}
		}
	}
	return false
}

// checkUnicityConflict rejects any node taking part in two transmissions
// in the same slot.
func checkUnicityConflict(a, b wire.DownlinkElement) bool {
	return a.Tx == b.Tx || a.Tx == b.Rx || a.Rx == b.Tx || a.Rx == b.Rx
}

// checkInterferenceConflict rejects TX and RX at one hop distance in the
// same slot.
func (s *ScheduleComputation) checkInterferenceConflict(a, b wire.DownlinkElement) bool {
	return s.graph.HasEdge(a.Tx, b.Rx) || s.graph.HasEdge(a.Rx, b.Tx)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
