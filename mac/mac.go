// mac.go - slotframe scheduler and component wiring.
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

// Package mac assembles the MAC engine: it wires the timesync, uplink,
// schedule distribution and data phases together and drives them from
// the single slotframe loop.
package mac

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto/keys"
	"github.com/tdmh/tdmh/core/log"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/dataphase"
	"github.com/tdmh/tdmh/downlink"
	"github.com/tdmh/tdmh/radio"
	"github.com/tdmh/tdmh/scheduler"
	"github.com/tdmh/tdmh/stream"
	"github.com/tdmh/tdmh/timesync"
	"github.com/tdmh/tdmh/uplink"
	topo "github.com/tdmh/tdmh/uplink/topology"
)

// controlPhase is the capability shared by all control slot phases.
type controlPhase interface {
	Execute(slotStart int64)
}

// Context owns the radio and the wall clock deadlines, and runs the
// slotframe loop on one goroutine.  Application threads interact only
// through the stream manager API.
type Context struct {
	cfg *config.NetworkConfiguration
	tl  *slots.Timeline
	trx *instrumentedTransceiver
	clk radio.Clock
	log *logging.Logger

	nt *timesync.NetworkTime
	vt *timesync.VirtualClock

	km              keys.Manager
	masterKm        *keys.MasterManager
	dynamicKm       *keys.DynamicManager
	timesyncPhase   timesync.Phase
	masterTimesync  *timesync.MasterTimesync
	dynamicTimesync *timesync.DynamicTimesync

	uplinkPhase   controlPhase
	downlinkPhase controlPhase

	data    *dataphase.DataPhase
	streams *stream.StreamManager
	wakeup  *stream.WakeupScheduler

	schedComp *scheduler.ScheduleComputation
	network   *topo.NetworkTopology

	// Rekeying pacing at the master, in clock sync periods.
	rekeyCounter   uint32
	rekeyPrepared  bool
	lastSeenIndex  uint32
	pendingRekey   bool

	mu      sync.Mutex
	running bool
	ready   bool
	stopCh  chan struct{}
}

// New builds the MAC engine for a node.  The master or dynamic variant
// of each phase is selected by the configured network id.
func New(cfg *config.NetworkConfiguration, trx radio.Transceiver, clk radio.Clock,
	backend *log.Backend) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := wire.ValidateUplinkCapacity(cfg); err != nil {
		return nil, err
	}
	tl, err := slots.NewTimeline(cfg)
	if err != nil {
		return nil, err
	}

	c := &Context{
		cfg:    cfg,
		tl:     tl,
		trx:    &instrumentedTransceiver{Transceiver: trx},
		clk:    clk,
		log:    backend.GetLogger("mac"),
		nt:     &timesync.NetworkTime{},
		vt:     timesync.NewVirtualClock(cfg.ClockSyncPeriod),
		stopCh: make(chan struct{}),
	}
	RegisterMetrics(nil)

	c.streams = stream.NewStreamManager(cfg, cfg.NetworkID, backend.GetLogger("stream"))
	c.wakeup = stream.NewWakeupScheduler(c.streams, clk)
	c.data = dataphase.New(cfg, tl, c.trx, clk, c.streams, backend.GetLogger("data"))

	if cfg.IsMaster() {
		c.buildMaster(backend)
	} else {
		c.buildDynamic(backend)
	}

	if cfg.AuthenticateDataMessages || cfg.EncryptDataMessages {
		// Seed the per-stream derivation with the chain origin; resync
		// and rekeying rotate it from there.
		initial := keys.InitialMasterKey()
		c.streams.InitHash(&initial)
	}
	c.lastSeenIndex = c.km.MasterIndex()
	return c, nil
}

func (c *Context) buildMaster(backend *log.Backend) {
	cfg, tl := c.cfg, c.tl
	c.masterKm = keys.NewMasterManager(c.streams)
	c.km = c.masterKm

	c.network = topo.NewNetworkTopology(cfg)
	c.schedComp = scheduler.New(cfg, tl, c.network, backend.GetLogger("scheduler"))

	c.masterTimesync = timesync.NewMaster(cfg, tl, c.trx, c.clk, c.km,
		c.nt, backend.GetLogger("timesync"))
	c.timesyncPhase = c.masterTimesync

	c.uplinkPhase = uplink.NewMaster(cfg, tl, c.trx, c.clk, c.km, c.nt,
		c.timesyncPhase, c.streams, c.network, c.schedComp.Streams,
		c.masterKm, backend.GetLogger("uplink"))

	c.downlinkPhase = downlink.NewMaster(cfg, tl, c.trx, c.clk, c.km, c.nt,
		c.streams, c.data, c.wakeup, c.schedComp, c.masterKm,
		backend.GetLogger("downlink"))
}

func (c *Context) buildDynamic(backend *log.Backend) {
	cfg, tl := c.cfg, c.tl
	c.dynamicKm = keys.NewDynamicManager(cfg.NetworkID, c.streams,
		cfg.DoMasterChallengeAuthentication, cfg.ChallengeTimeout)
	c.km = c.dynamicKm

	dts := timesync.NewDynamic(cfg, tl, c.trx, c.clk, c.dynamicKm,
		c.nt, c.vt, backend.GetLogger("timesync"))
	c.dynamicTimesync = dts
	c.timesyncPhase = dts

	up := uplink.NewDynamic(cfg, tl, c.trx, c.clk, c.km, c.nt,
		c.timesyncPhase, c.streams, dts, backend.GetLogger("uplink"))
	c.uplinkPhase = up

	down := downlink.NewDynamic(cfg, tl, c.trx, c.clk, c.dynamicKm, c.nt,
		c.streams, c.data, c.wakeup, backend.GetLogger("downlink"))
	c.downlinkPhase = down

	dts.SetCollaborators(up, up, down, c.data, c.streams)
}

// Streams exposes the application stream API.
func (c *Context) Streams() *stream.StreamManager { return c.streams }

// Timeline exposes the derived slot durations.
func (c *Context) Timeline() *slots.Timeline { return c.tl }

// Ready reports whether the MAC may serve control and data slots.
func (c *Context) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Stop terminates the slotframe loop after the current tile.
func (c *Context) Stop() {
	c.mu.Lock()
	if c.running {
		c.running = false
		close(c.stopCh)
	}
	c.mu.Unlock()
	c.wakeup.Halt()
	if c.schedComp != nil {
		c.schedComp.Shutdown()
	}
}

// Run executes the slotframe loop until Stop is called.  It owns the
// radio and never blocks on application I/O.
func (c *Context) Run() {
	c.trx.TurnOn()
	defer c.trx.TurnOff()

	if c.masterTimesync != nil {
		c.masterTimesync.MacStartHook()
	}
	if c.schedComp != nil {
		c.schedComp.Start()
	}

	var currentNextDeadline int64
	tileCounter := 0
	controlSuperframeCounter := 0
	cs := c.cfg.ControlSuperframe

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		c.ready = c.timesyncPhase.MacCanOperate()
		c.mu.Unlock()

		var dataSlots int
		if cs.IsControlDownlink(tileCounter) {
			if tileCounter == 0 && controlSuperframeCounter == 0 {
				c.masterRekeyTick()
				c.timesyncPhase.Execute(currentNextDeadline)
				currentNextDeadline = c.timesyncPhase.SlotframeStart()
			} else {
				if c.schedComp != nil {
					// Give the scheduler a chance to run before the
					// distribution slot.
					c.schedComp.BeginScheduling()
				}
				c.executeIfOperating(c.downlinkPhase, currentNextDeadline)
			}
			currentNextDeadline += c.tl.DownlinkSlotDuration
			dataSlots = c.tl.DataSlotsInDownlinkTile
			c.data.AdvanceBy(c.tl.DownlinkControlSlots())
		} else {
			c.executeIfOperating(c.uplinkPhase, currentNextDeadline)
			currentNextDeadline += c.tl.UplinkSlotDuration
			dataSlots = c.tl.DataSlotsInUplinkTile
			c.data.AdvanceBy(c.tl.UplinkControlSlots())
		}

		for i := 0; i < dataSlots; i++ {
			if c.timesyncPhase.MacCanOperate() {
				c.data.Execute(currentNextDeadline)
			}
			currentNextDeadline += c.tl.DataSlotDuration
		}

		// The tile slack pads the tile to its nominal length; the
		// periodic housekeeping runs in it.
		c.periodicTick()
		currentNextDeadline += c.tl.TileSlack

		if now := c.clk.Now(); now > currentNextDeadline {
			// A phase overran its deadline: the overrun is counted
			// and logged, and the loop continues with the deadlines
			// unchanged.
			slotOverruns.Inc()
			c.log.Warningf("[MAC] tile overrun by %d ns", now-currentNextDeadline)
		}
		tilesExecuted.Inc()

		tileCounter++
		if tileCounter >= cs.Size() {
			tileCounter = 0
			controlSuperframeCounter++
			if controlSuperframeCounter >= c.cfg.NumSuperframesPerClockSync() {
				controlSuperframeCounter = 0
			}
		}
	}
}

// executeIfOperating runs a control phase only while the node is
// synchronized; while desynchronized only the timesync phase runs.
func (c *Context) executeIfOperating(p controlPhase, slotStart int64) {
	if !c.timesyncPhase.MacCanOperate() {
		return
	}
	p.Execute(slotStart)
}

// periodicTick runs the once-per-tile housekeeping: endpoint timers,
// challenge timers and the dynamic rekeying follow-up.
func (c *Context) periodicTick() {
	c.streams.PeriodicUpdate()
	if c.km.PeriodicUpdate() {
		// The key manager demands a desync, typically after a failed
		// challenge verification or a challenge timeout.
		if c.dynamicTimesync != nil {
			desyncs.Inc()
			c.dynamicTimesync.ForceDesync()
		}
	}
	c.dynamicRekeyTick()
}

// masterRekeyTick advances the hash chain at the configured pace: the
// key change is prepared one clock sync period ahead and applied right
// before the beacon announcing the new index.
func (c *Context) masterRekeyTick() {
	if c.masterKm == nil || c.cfg.RekeyingPeriod == 0 {
		return
	}
	if c.rekeyPrepared {
		c.streams.ApplyRekeying()
		c.masterKm.ApplyRekeying()
		c.rekeyPrepared = false
		c.rekeyCounter = 0
		return
	}
	c.rekeyCounter++
	if c.rekeyCounter >= c.cfg.RekeyingPeriod && c.masterKm.Status() == keys.Connected {
		c.masterKm.StartRekeying()
		c.rekeyPrepared = true
	}
}

// dynamicRekeyTick tracks master index changes committed by the
// timesync and rotates the per-stream keys accordingly.
func (c *Context) dynamicRekeyTick() {
	if c.dynamicKm == nil {
		return
	}
	switch c.dynamicKm.Status() {
	case keys.Connected:
	default:
		return
	}
	index := c.dynamicKm.MasterIndex()
	if c.pendingRekey {
		c.streams.ApplyRekeying()
		c.pendingRekey = false
		c.lastSeenIndex = index
		return
	}
	if index != c.lastSeenIndex {
		// The chain advanced (hot rekeying or resync): rotate the
		// per-stream keys over the following tiles.
		c.streams.StartRekeying(c.dynamicKm.MasterKey())
		c.pendingRekey = true
	}
}
