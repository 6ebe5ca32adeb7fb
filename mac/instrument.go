// instrument.go - MAC instrumentation.
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

package mac

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tdmh/tdmh/radio"
)

var (
	packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "packets_sent_total",
		Help:      "Number of frames handed to the transceiver.",
	})
	packetsSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "packet_send_errors_total",
		Help:      "Number of frames the transceiver failed to send.",
	})
	packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "packets_received_total",
		Help:      "Number of receive operations that returned a frame.",
	})
	packetsRecvErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "packet_recv_errors_total",
		Help:      "Number of receive operations that failed or timed out.",
	})
	tilesExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "tiles_executed_total",
		Help:      "Number of tiles processed by the slotframe loop.",
	})
	slotOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "slot_overruns_total",
		Help:      "Number of phases that returned after their deadline.",
	})
	desyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "desyncs_total",
		Help:      "Number of transitions to the desynchronized state.",
	})
	schedulesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tdmh",
		Name:      "schedules_applied_total",
		Help:      "Number of schedules activated.",
	})
)

var registerOnce sync.Once

// RegisterMetrics registers the MAC collectors with the given registry,
// or the default one when nil.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(packetsSent, packetsSendErrors,
			packetsReceived, packetsRecvErrors,
			tilesExecuted, slotOverruns, desyncs, schedulesApplied)
	})
}

// instrumentedTransceiver wraps the radio driver with the send and
// receive counters.  The totals are periodically halved together with
// the error counts so the ratio survives counter wrap.
type instrumentedTransceiver struct {
	radio.Transceiver

	mu         sync.Mutex
	sendTotal  uint32
	sendErrors uint32
	rcvTotal   uint32
	rcvErrors  uint32
}

func (t *instrumentedTransceiver) SendAt(pkt []byte, when int64) error {
	err := t.Transceiver.SendAt(pkt, when)
	packetsSent.Inc()
	t.mu.Lock()
	if err != nil {
		t.sendErrors++
	}
	t.sendTotal++
	if t.sendTotal&(1<<31) != 0 {
		t.sendTotal >>= 1
		t.sendErrors >>= 1
	}
	t.mu.Unlock()
	if err != nil {
		packetsSendErrors.Inc()
	}
	return err
}

func (t *instrumentedTransceiver) Recv(buf []byte, timeout int64) radio.RecvResult {
	res := t.Transceiver.Recv(buf, timeout)
	t.mu.Lock()
	if res.Error != radio.OK {
		t.rcvErrors++
	}
	t.rcvTotal++
	if t.rcvTotal&(1<<31) != 0 {
		t.rcvTotal >>= 1
		t.rcvErrors >>= 1
	}
	t.mu.Unlock()
	if res.Error != radio.OK {
		packetsRecvErrors.Inc()
	} else {
		packetsReceived.Inc()
	}
	return res
}

// Counters returns the running send and receive totals and error
// counts.
func (t *instrumentedTransceiver) Counters() (sendTotal, sendErrors, rcvTotal, rcvErrors uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendTotal, t.sendErrors, t.rcvTotal, t.rcvErrors
}
