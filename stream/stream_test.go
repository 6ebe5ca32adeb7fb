// stream_test.go - stream manager and endpoint tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/wire"
)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:              4,
		MaxNodes:             8,
		NetworkID:            1,
		PanID:                0xcafe,
		ClockSyncPeriod:      10_000_000_000,
		TileDuration:         100_000_000,
		MaxAdmittedRcvWindow: 150_000,
		GuaranteedTopologies: 2,
		NumUplinkPackets:     1,
		MaxMissedTimesyncs:   3,
		ControlSuperframe:    config.DefaultControlSuperframe(),
	}
}

func testManager(id wire.NodeID) *StreamManager {
	m := NewStreamManager(testConfig(), id, logging.MustGetLogger("test"))
	// The tests run as if the resync already committed.
	m.TrustMaster()
	return m
}

func drainSMEs(m *StreamManager) []wire.StreamManagementElement {
	q := queue.NewUpdatable[wire.SMEKey, wire.StreamManagementElement]()
	m.DequeueSMEs(q)
	var result []wire.StreamManagementElement
	for {
		sme, ok := q.Dequeue()
		if !ok {
			return result
		}
		result = append(result, sme)
	}
}

func establish(t *testing.T, m *StreamManager, id wire.StreamId, params wire.StreamParameters) int {
	t.Helper()
	fdCh := make(chan int, 1)
	go func() {
		fdCh <- m.Connect(id.Dst, id.DstPort, params)
	}()

	// Wait for the CONNECT SME, then simulate the master scheduling
	// the stream.
	var smes []wire.StreamManagementElement
	require.Eventually(t, func() bool {
		smes = drainSMEs(m)
		return len(smes) > 0
	}, time.Second, time.Millisecond)
	require.Equal(t, wire.SMEConnect, smes[0].Type)

	schedule := []wire.DownlinkElement{
		wire.NewScheduleElement(smes[0].Id, params, smes[0].Id.Src, smes[0].Id.Dst, 10),
	}
	m.ApplySchedule(schedule)

	fd := <-fdCh
	require.Greater(t, fd, 0)
	return fd
}

func TestConnectLifecycle(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	params := wire.StreamParameters{Period: wire.Period2, PayloadSize: 16}
	fd := establish(t, m, wire.StreamId{Src: 1, Dst: 2, DstPort: 1}, params)

	info := m.GetInfo(fd)
	require.Equal(StatusEstablished, info.Status)
	require.Equal(wire.NodeID(2), info.Id.Dst)
}

func TestConnectUntrustedMaster(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	m.UntrustMaster()
	require.Equal(ErrMasterUntrusted, m.Connect(2, 1, wire.StreamParameters{}))
	require.Equal(ErrMasterUntrusted, m.Listen(1, wire.StreamParameters{}))
}

func TestClientPortExhaustion(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	// Exhaust the 16 client ports with streams stuck in Connecting.
	for i := 0; i < maxPorts; i++ {
		go m.Connect(2, uint8(i%16), wire.StreamParameters{})
	}
	require.Eventually(func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.streams) == maxPorts
	}, time.Second, time.Millisecond)

	require.Equal(ErrInvalid, m.Connect(3, 1, wire.StreamParameters{}))
}

func TestWriteReadHandoff(t *testing.T) {
	require := require.New(t)

	tx := testManager(1)
	rx := testManager(2)
	params := wire.StreamParameters{Period: wire.Period2, PayloadSize: 16}
	id := wire.StreamId{Src: 1, Dst: 2, SrcPort: 0, DstPort: 1}

	fd := establish(t, tx, id, params)

	// The receiving side: a server plus the auto-created stream from
	// the schedule.
	listenDone := make(chan int, 1)
	go func() { listenDone <- rx.Listen(1, params) }()
	require.Eventually(func() bool { return len(drainSMEs(rx)) > 0 }, time.Second, time.Millisecond)
	rx.ApplyInfoElements([]wire.DownlinkElement{
		wire.NewInfoElement(wire.StreamId{Src: 2, Dst: 2, SrcPort: 0, DstPort: 1}, wire.InfoServerOpened),
	})
	serverFd := <-listenDone
	require.Greater(serverFd, 0)

	schedule := []wire.DownlinkElement{
		wire.NewScheduleElement(id, params, 1, 2, 10),
	}
	rx.ApplySchedule(schedule)

	acceptDone := make(chan int, 1)
	go func() { acceptDone <- rx.Accept(serverFd) }()
	rxFd := <-acceptDone
	require.Greater(rxFd, 0)

	// Write on the TX side and run the data phase hand-off.
	payload := []byte{0xAA, 0xBB}
	require.Equal(2, tx.Write(fd, payload))

	var pkt wire.Packet
	require.True(tx.SendPacket(id, &pkt))

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n := rx.Read(rxFd, buf)
		readDone <- buf[:n]
	}()

	require.True(rx.ReceivePacket(id, &pkt))
	got := <-readDone
	require.Equal(payload, got)
}

func TestRedundantTransmissionRepeatsPayload(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	params := wire.StreamParameters{Period: wire.Period2, PayloadSize: 8,
		Redundancy: wire.RedundancyDouble}
	id := wire.StreamId{Src: 1, Dst: 2, DstPort: 1}
	fd := establish(t, m, id, params)

	require.Equal(3, m.Write(fd, []byte{1, 2, 3}))

	var pkt1, pkt2 wire.Packet
	require.True(m.SendPacket(id, &pkt1))
	require.True(m.SendPacket(id, &pkt2))
	require.True(pkt1.Equal(&pkt2))

	// Third call starts a new period with no pending payload.
	var pkt3 wire.Packet
	require.False(m.SendPacket(id, &pkt3))
}

func TestRedundantReceptionKeepsFirstCopy(t *testing.T) {
	require := require.New(t)

	m := testManager(2)
	params := wire.StreamParameters{Period: wire.Period2, PayloadSize: 8,
		Redundancy: wire.RedundancyDouble}
	id := wire.StreamId{Src: 1, Dst: 2, DstPort: 1}

	// Receiving side endpoint created by the schedule.
	m.ApplySchedule([]wire.DownlinkElement{
		wire.NewScheduleElement(id, params, 1, 2, 10),
	})
	// Without a server the stream is forced to CloseWait, so open one
	// first for a realistic established endpoint.
	m2 := testManager(2)
	go m2.Listen(1, params)
	require.Eventually(func() bool { return len(drainSMEs(m2)) > 0 }, time.Second, time.Millisecond)
	m2.ApplyInfoElements([]wire.DownlinkElement{
		wire.NewInfoElement(wire.StreamId{Src: 2, Dst: 2, SrcPort: 0, DstPort: 1}, wire.InfoServerOpened),
	})
	m2.ApplySchedule([]wire.DownlinkElement{
		wire.NewScheduleElement(id, params, 1, 2, 10),
	})

	build := func(payload []byte) *wire.Packet {
		var p wire.Packet
		require.NoError(p.PutPanHeader(0xcafe))
		require.NoError(p.Put(payload))
		return &p
	}

	// First copy received, second overwrites nothing.
	require.False(m2.ReceivePacket(id, build([]byte{1, 1})))
	require.True(m2.ReceivePacket(id, build([]byte{2, 2})))

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	go func() {
		defer wg.Done()
		m2.mu.Lock()
		stream := m2.streams[id]
		m2.mu.Unlock()
		buf := make([]byte, 8)
		n := stream.Read(buf)
		got = buf[:n]
	}()
	wg.Wait()
	require.Equal([]byte{1, 1}, got)
}

func TestPeriodicUpdateTimeouts(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	done := make(chan int, 1)
	go func() { done <- m.Connect(2, 1, wire.StreamParameters{}) }()

	require.Eventually(func() bool { return len(drainSMEs(m)) > 0 }, time.Second, time.Millisecond)

	// The SME timer re-enqueues the CONNECT request.
	for i := 0; i < smeTimeoutMax; i++ {
		m.PeriodicUpdate()
	}
	smes := drainSMEs(m)
	require.NotEmpty(smes)
	require.Equal(wire.SMEConnect, smes[0].Type)

	// The overall timer fails the endpoint and unblocks Connect.
	for i := 0; i < failTimeoutMax; i++ {
		m.PeriodicUpdate()
	}
	require.Equal(ErrInvalid, <-done)
}

func TestDesyncAbortsStreams(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	params := wire.StreamParameters{Period: wire.Period1, PayloadSize: 8}
	fd := establish(t, m, wire.StreamId{Src: 1, Dst: 2, DstPort: 1}, params)

	m.Desync()
	info := m.GetInfo(fd)
	require.Equal(StatusRemotelyClosed, info.Status)
	// The SME queue is cleared so no stale element survives resync.
	require.Empty(drainSMEs(m))
}

func TestScheduleRemovalClosesStream(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	params := wire.StreamParameters{Period: wire.Period1, PayloadSize: 8}
	fd := establish(t, m, wire.StreamId{Src: 1, Dst: 2, DstPort: 1}, params)

	// The next schedule no longer contains the stream.
	m.ApplySchedule(nil)
	require.Equal(StatusRemotelyClosed, m.GetInfo(fd).Status)

	// Re-accepted by the master afterwards: Reopened.
	info := m.GetInfo(fd)
	m.ApplySchedule([]wire.DownlinkElement{
		wire.NewScheduleElement(info.Id, params, info.Id.Src, info.Id.Dst, 10),
	})
	require.Equal(StatusReopened, m.GetInfo(fd).Status)
}

func TestRejectedStream(t *testing.T) {
	require := require.New(t)

	m := testManager(1)
	done := make(chan int, 1)
	go func() { done <- m.Connect(2, 1, wire.StreamParameters{}) }()

	var smes []wire.StreamManagementElement
	require.Eventually(func() bool {
		smes = drainSMEs(m)
		return len(smes) > 0
	}, time.Second, time.Millisecond)

	m.ApplyInfoElements([]wire.DownlinkElement{
		wire.NewInfoElement(smes[0].Id, wire.InfoStreamReject),
	})
	require.Equal(ErrInvalid, <-done)
}

func TestRekeyingRotatesStreamKeys(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.AuthenticateDataMessages = true
	m := NewStreamManager(cfg, 1, logging.MustGetLogger("test"))
	m.TrustMaster()
	var master [16]byte
	copy(master[:], []byte("master key 00000"))
	m.InitHash(&master)

	params := wire.StreamParameters{Period: wire.Period1, PayloadSize: 8}
	id := wire.StreamId{Src: 1, Dst: 2, SrcPort: 0, DstPort: 1}
	fd := establish(t, m, id, params)

	require.Equal(3, m.Write(fd, []byte{9, 9, 9}))
	var before wire.Packet
	require.True(m.SendPacket(id, &before))

	var next [16]byte
	copy(next[:], []byte("master key 00001"))
	m.StartRekeying(&next)
	m.ApplyRekeying()

	require.Equal(3, m.Write(fd, []byte{9, 9, 9}))
	var after wire.Packet
	require.True(m.SendPacket(id, &after))
	// Same payload, different key: the tags differ.
	require.False(before.Equal(&after))
}
