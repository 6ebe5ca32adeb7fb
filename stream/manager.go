// manager.go - stream manager.
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

package stream

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/wire"
)

const maxPorts = 16

// maxHashesPerSlot bounds the per-stream key derivations performed in
// one tile during a rekeying.
const maxHashesPerSlot = 5

// StreamManager owns every stream and server endpoint of a node,
// mediating between the application threads and the MAC thread.  The
// maps are protected by a coarse mutex; the per-endpoint state has its
// own locking.
type StreamManager struct {
	cfg  *config.NetworkConfiguration
	myId wire.NodeID
	log  *logging.Logger

	mu        sync.Mutex
	fdCounter int
	fdt       map[int]interface{}
	streams   map[wire.StreamId]*Stream
	servers   map[uint8]*Server

	clientPorts [maxPorts]bool

	masterTrusted bool

	smeMu    sync.Mutex
	smeQueue *queue.Updatable[wire.SMEKey, wire.StreamManagementElement]

	// Per-stream key derivation: the first chain block (the digest of
	// the master key) is cached so only the second block is evaluated
	// per stream.
	secondBlockHash     *crypto.SingleBlockMPHash
	secondBlockHashNext *crypto.SingleBlockMPHash
	rekeyingInProgress  bool
	rekeyingQueue       []wire.StreamId
}

// NewStreamManager creates the stream manager of a node.
func NewStreamManager(cfg *config.NetworkConfiguration, myId wire.NodeID, log *logging.Logger) *StreamManager {
	return &StreamManager{
		cfg:       cfg,
		myId:      myId,
		log:       log,
		fdCounter: 1,
		fdt:       make(map[int]interface{}),
		streams:   make(map[wire.StreamId]*Stream),
		servers:   make(map[uint8]*Server),
		// The master trusts itself; dynamic nodes start untrusted.
		masterTrusted: myId == 0,
		smeQueue:      queue.NewUpdatable[wire.SMEKey, wire.StreamManagementElement](),
	}
}

// InitHash caches the first chain block of the per-stream key
// derivation.
func (m *StreamManager) InitHash(masterKey *[16]byte) {
	var iv [16]byte
	first := crypto.NewSingleBlockMPHash(&keyRotationIv)
	first.DigestBlock(iv[:], masterKey[:])
	m.mu.Lock()
	m.secondBlockHash = crypto.NewSingleBlockMPHash(&iv)
	m.mu.Unlock()
	crypto.ClearBytes(iv[:])
}

// keyRotationIv seeds the per-stream key derivation chain.  The value is
// arbitrary and not secret; it must match the key manager's.
var keyRotationIv = [16]byte{
	0x73, 0x54, 0x72, 0x45, 0x61, 0x4d, 0x6d, 0x41,
	0x6e, 0x61, 0x47, 0x65, 0x72, 0x49, 0x76, 0x30,
}

// streamKey derives the key of a stream as the second block of the MP
// chain over (masterKey, streamId).
func (m *StreamManager) streamKey(h *crypto.SingleBlockMPHash, id wire.StreamId) [16]byte {
	var block, key [16]byte
	idb := id.Bytes()
	copy(block[:], idb[:])
	h.DigestBlock(key[:], block[:])
	return key
}

// Connect opens a stream toward (dst, dstPort) and blocks until the
// master answers.  It returns the new file descriptor, or a negative
// error code.
func (m *StreamManager) Connect(dst wire.NodeID, dstPort uint8, params wire.StreamParameters) int {
	var stream *Stream
	var fd int
	{
		m.mu.Lock()
		if !m.masterTrusted {
			m.mu.Unlock()
			return ErrMasterUntrusted
		}
		srcPort := m.allocateClientPort()
		if srcPort < 0 {
			m.mu.Unlock()
			return ErrInvalid
		}
		id := wire.StreamId{Src: m.myId, Dst: dst, SrcPort: uint8(srcPort), DstPort: dstPort}
		if _, dup := m.streams[id]; dup {
			m.freeClientPort(uint8(srcPort))
			m.mu.Unlock()
			return ErrInvalid
		}
		info := Info{Id: id, Params: params, Status: StatusConnecting}
		fd, stream = m.addStream(info)
		m.mu.Unlock()
	}

	if err := stream.connect(m); err != 0 {
		m.mu.Lock()
		m.removeStream(stream.Id())
		m.mu.Unlock()
		return ErrInvalid
	}
	m.log.Debugf("[S] stream (%d,%d,%d,%d): %s", stream.Id().Src, stream.Id().Dst,
		stream.Id().SrcPort, stream.Id().DstPort, stream.Info().Status)
	return fd
}

// Listen opens a server on port and blocks until the master answers.
func (m *StreamManager) Listen(port uint8, params wire.StreamParameters) int {
	if port >= maxPorts {
		return ErrInvalid
	}
	var server *Server
	var fd int
	{
		m.mu.Lock()
		if !m.masterTrusted {
			m.mu.Unlock()
			return ErrMasterUntrusted
		}
		if _, dup := m.servers[port]; dup {
			m.mu.Unlock()
			return ErrInvalid
		}
		id := wire.StreamId{Src: m.myId, Dst: m.myId, SrcPort: 0, DstPort: port}
		info := Info{Id: id, Params: params, Status: StatusListenWait}
		fd, server = m.addServer(info)
		m.mu.Unlock()
	}

	if err := server.listen(m); err != 0 {
		m.mu.Lock()
		m.removeServer(port)
		m.mu.Unlock()
		return ErrInvalid
	}
	m.log.Debugf("[S] server port %d: %s", port, server.Info().Status)
	return fd
}

// Accept blocks until a stream is pending on the server and returns its
// file descriptor.
func (m *StreamManager) Accept(serverFd int) int {
	m.mu.Lock()
	if !m.masterTrusted {
		m.mu.Unlock()
		return ErrMasterUntrusted
	}
	ep, ok := m.fdt[serverFd]
	server, isServer := ep.(*Server)
	m.mu.Unlock()
	if !ok || !isServer {
		return ErrInvalid
	}

	stream := server.accept()
	if stream == nil {
		return ErrInvalid
	}
	stream.acceptedStream()
	return stream.Fd()
}

// Write copies up to one period's payload into the stream.
func (m *StreamManager) Write(fd int, data []byte) int {
	stream := m.lookupStream(fd)
	if stream == nil {
		return ErrInvalid
	}
	return stream.Write(data)
}

// Read blocks until one period's payload is received.
func (m *StreamManager) Read(fd int, data []byte) int {
	stream := m.lookupStream(fd)
	if stream == nil {
		return ErrInvalid
	}
	return stream.Read(data)
}

// Wait blocks the caller until the next scheduled send slot of the
// stream.
func (m *StreamManager) Wait(fd int) int {
	stream := m.lookupStream(fd)
	if stream == nil {
		return ErrInvalid
	}
	if stream.Info().Params.Direction == wire.DirectionRx {
		return ErrWrongDirection
	}
	return stream.Wait()
}

// SetSendCallback installs the application send callback of a stream.
func (m *StreamManager) SetSendCallback(fd int, cb func() []byte) bool {
	if m.cfg.CallbacksExecutionTime == 0 {
		m.log.Debugf("[S] SetSendCallback: invalid callback execution time")
		return false
	}
	stream := m.lookupStream(fd)
	if stream == nil {
		return false
	}
	stream.SetSendCallback(cb)
	return true
}

// SetReceiveCallback installs the application receive callback of a
// stream.
func (m *StreamManager) SetReceiveCallback(fd int, cb func([]byte)) bool {
	if m.cfg.CallbacksExecutionTime == 0 {
		m.log.Debugf("[S] SetReceiveCallback: invalid callback execution time")
		return false
	}
	stream := m.lookupStream(fd)
	if stream == nil {
		return false
	}
	stream.SetReceiveCallback(cb)
	return true
}

// SetWakeupAdvance configures the wakeup advance of a stream, rounded to
// whole data slots by the caller.
func (m *StreamManager) SetWakeupAdvance(fd int, advance int64) bool {
	stream := m.lookupStream(fd)
	if stream == nil {
		return false
	}
	stream.SetWakeupAdvance(advance)
	return true
}

// GetInfo returns the endpoint description.
func (m *StreamManager) GetInfo(fd int) Info {
	m.mu.Lock()
	ep, ok := m.fdt[fd]
	m.mu.Unlock()
	if !ok {
		return Info{}
	}
	switch e := ep.(type) {
	case *Stream:
		return e.Info()
	case *Server:
		return e.Info()
	}
	return Info{}
}

// Close closes a stream or server on the application side.  The
// endpoint stays in the manager until the master confirms the close.
func (m *StreamManager) Close(fd int) {
	m.mu.Lock()
	ep, ok := m.fdt[fd]
	m.mu.Unlock()
	if !ok {
		return
	}
	switch e := ep.(type) {
	case *Stream:
		if e.close(m) {
			m.mu.Lock()
			m.removeStream(e.Id())
			m.mu.Unlock()
		}
	case *Server:
		if e.close(m) {
			m.mu.Lock()
			m.removeServer(e.Id().DstPort)
			m.mu.Unlock()
		}
	}
}

func (m *StreamManager) lookupStream(fd int) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.masterTrusted {
		return nil
	}
	ep, ok := m.fdt[fd]
	if !ok {
		return nil
	}
	stream, isStream := ep.(*Stream)
	if !isStream {
		return nil
	}
	return stream
}

// addStream allocates a descriptor and registers a stream.  Callers hold
// the mutex.
func (m *StreamManager) addStream(info Info) (int, *Stream) {
	fd := m.fdCounter
	m.fdCounter++
	var key *[16]byte
	if m.secondBlockHash != nil {
		k := m.streamKey(m.secondBlockHash, info.Id)
		key = &k
	}
	stream := newStream(m.cfg, fd, info, key)
	m.fdt[fd] = stream
	m.streams[info.Id] = stream
	return fd, stream
}

// addServer allocates a descriptor and registers a server.  Callers hold
// the mutex.
func (m *StreamManager) addServer(info Info) (int, *Server) {
	fd := m.fdCounter
	m.fdCounter++
	server := newServer(m.cfg, fd, info)
	m.fdt[fd] = server
	m.servers[info.Id.DstPort] = server
	return fd, server
}

// removeStream drops a stream, freeing its client port when this node
// opened it.  Callers hold the mutex.
func (m *StreamManager) removeStream(id wire.StreamId) {
	stream, ok := m.streams[id]
	if !ok {
		return
	}
	delete(m.streams, id)
	delete(m.fdt, stream.Fd())
	if id.Src == m.myId {
		m.freeClientPort(id.SrcPort)
	}
}

// removeServer drops a server.  Callers hold the mutex.
func (m *StreamManager) removeServer(port uint8) {
	server, ok := m.servers[port]
	if !ok {
		return
	}
	delete(m.servers, port)
	delete(m.fdt, server.Fd())
}

func (m *StreamManager) allocateClientPort() int {
	for i := 0; i < maxPorts; i++ {
		if !m.clientPorts[i] {
			m.clientPorts[i] = true
			return i
		}
	}
	return -1
}

func (m *StreamManager) freeClientPort(port uint8) {
	if int(port) < maxPorts {
		m.clientPorts[port] = false
	}
}

// EnqueueSME queues a stream management element for uplink forwarding.
func (m *StreamManager) EnqueueSME(sme wire.StreamManagementElement) {
	m.smeMu.Lock()
	m.smeQueue.Enqueue(sme.Key(), sme)
	m.smeMu.Unlock()
}

// DequeueSMEs drains the queued elements into the uplink queue.
func (m *StreamManager) DequeueSMEs(q *queue.Updatable[wire.SMEKey, wire.StreamManagementElement]) {
	m.smeMu.Lock()
	defer m.smeMu.Unlock()
	for {
		sme, ok := m.smeQueue.Dequeue()
		if !ok {
			return
		}
		q.Enqueue(sme.Key(), sme)
	}
}

// PeriodicUpdate runs once per tile: endpoint timers tick, and a
// rekeying in progress advances by a bounded number of key derivations.
func (m *StreamManager) PeriodicUpdate() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	servers := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.periodicUpdate(m)
	}
	for _, s := range servers {
		s.periodicUpdate(m)
	}
	m.ContinueRekeying()
}

// ReceivePacket hands a received data packet to its stream.
func (m *StreamManager) ReceivePacket(id wire.StreamId, pkt *wire.Packet) bool {
	m.mu.Lock()
	stream, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return stream.ReceivePacket(pkt)
}

// MissPacket records a missed reception for a stream.
func (m *StreamManager) MissPacket(id wire.StreamId) bool {
	m.mu.Lock()
	stream, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return stream.MissPacket()
}

// SendPacket asks a stream to fill the outgoing packet for its slot.
func (m *StreamManager) SendPacket(id wire.StreamId, pkt *wire.Packet) bool {
	m.mu.Lock()
	stream, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return stream.SendPacket(pkt)
}

// Wakeup fires the pre-slot wakeup of a stream.
func (m *StreamManager) Wakeup(id wire.StreamId) bool {
	m.mu.Lock()
	stream, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	stream.Wakeup()
	return true
}

// WakeupAdvance returns the wakeup advance of a stream, zero when the
// stream is unknown.
func (m *StreamManager) WakeupAdvance(id wire.StreamId) int64 {
	m.mu.Lock()
	stream, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return stream.WakeupAdvance()
}

// ApplySchedule aligns the endpoints with a freshly activated schedule:
// streams present in it are established (auto-opening the server side),
// streams absent from it are closed.
func (m *StreamManager) ApplySchedule(elements []wire.DownlinkElement) {
	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[wire.StreamId]bool)
	for _, e := range elements {
		if e.Type != wire.DownlinkSchedule {
			continue
		}
		id := e.Id
		if id.Src != m.myId && id.Dst != m.myId {
			continue
		}
		present[id] = true
		if stream, ok := m.streams[id]; ok {
			stream.addedStream(e.Params)
			stream.ResetCounters()
			stream.ResetSequenceNumber()
			continue
		}
		if id.Dst != m.myId {
			continue
		}
		// Incoming stream accepted by the master: create the server
		// side endpoint.  Without a server on the port the stream is
		// forcibly closed.
		info := Info{Id: id, Params: e.Params, Status: StatusAcceptWait}
		_, stream := m.addStream(info)
		if server, ok := m.servers[id.DstPort]; ok && server.Info().Status == StatusListen {
			server.addPendingStream(stream)
		} else {
			stream.closedServer(m)
		}
	}

	var toRemove []wire.StreamId
	for id, stream := range m.streams {
		if present[id] {
			continue
		}
		if stream.removedStream() {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		m.removeStream(id)
	}
}

// ApplyInfoElements reacts to the info elements of a schedule packet.
func (m *StreamManager) ApplyInfoElements(infos []wire.DownlinkElement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range infos {
		if info.Type != wire.DownlinkInfo {
			continue
		}
		id := info.Id
		switch info.Info() {
		case wire.InfoServerOpened:
			if id.Dst == m.myId {
				if server, ok := m.servers[id.DstPort]; ok {
					server.acceptedServer()
				}
			}
		case wire.InfoServerClosed:
			if id.Dst == m.myId {
				if server, ok := m.servers[id.DstPort]; ok {
					server.rejectedServer()
					if server.Info().Status == StatusClosed {
						m.removeServer(id.DstPort)
					}
				}
			}
		case wire.InfoStreamReject:
			if stream, ok := m.streams[id]; ok {
				stream.rejectedStream()
			}
		}
	}
}

// TrustMaster resumes the application API after the master proved its
// identity.
func (m *StreamManager) TrustMaster() {
	m.mu.Lock()
	m.masterTrusted = true
	m.mu.Unlock()
}

// UntrustMaster suspends the application API; blocked and future calls
// fail with ErrMasterUntrusted.
func (m *StreamManager) UntrustMaster() {
	m.mu.Lock()
	m.masterTrusted = false
	m.mu.Unlock()
}

// StartRekeying snapshots the streams and precomputes the second chain
// block of the next epoch; the per-stream derivations are amortized over
// the following tiles.
func (m *StreamManager) StartRekeying(nextMasterKey *[16]byte) {
	var iv [16]byte
	first := crypto.NewSingleBlockMPHash(&keyRotationIv)
	first.DigestBlock(iv[:], nextMasterKey[:])

	m.mu.Lock()
	m.secondBlockHashNext = crypto.NewSingleBlockMPHash(&iv)
	m.rekeyingInProgress = true
	m.rekeyingQueue = m.rekeyingQueue[:0]
	for id := range m.streams {
		m.rekeyingQueue = append(m.rekeyingQueue, id)
	}
	m.mu.Unlock()
	crypto.ClearBytes(iv[:])
}

// ContinueRekeying derives at most maxHashesPerSlot stream keys of the
// next epoch.
func (m *StreamManager) ContinueRekeying() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rekeyingInProgress {
		return
	}
	n := maxHashesPerSlot
	for n > 0 && len(m.rekeyingQueue) > 0 {
		id := m.rekeyingQueue[0]
		m.rekeyingQueue = m.rekeyingQueue[1:]
		if stream, ok := m.streams[id]; ok {
			key := m.streamKey(m.secondBlockHashNext, id)
			stream.SetNewKey(&key)
		}
		n--
	}
}

// ApplyRekeying rotates every stream to the keys of the new epoch.
func (m *StreamManager) ApplyRekeying() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rekeyingInProgress {
		return
	}
	// Finish any leftover derivations before rotating.
	for len(m.rekeyingQueue) > 0 {
		id := m.rekeyingQueue[0]
		m.rekeyingQueue = m.rekeyingQueue[1:]
		if stream, ok := m.streams[id]; ok {
			key := m.streamKey(m.secondBlockHashNext, id)
			stream.SetNewKey(&key)
		}
	}
	for _, stream := range m.streams {
		stream.ApplyNewKey()
	}
	m.secondBlockHash = m.secondBlockHashNext
	m.secondBlockHashNext = nil
	m.rekeyingInProgress = false
}

// Resync is called when the node reacquires the network time.
func (m *StreamManager) Resync() {}

// Desync aborts all in-flight stream operations and clears the SME
// queue, so no stale element survives the next resync.
func (m *StreamManager) Desync() {
	m.mu.Lock()
	var toRemove []wire.StreamId
	for id, stream := range m.streams {
		if stream.desync() {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		m.removeStream(id)
	}
	var serversToRemove []uint8
	for port, server := range m.servers {
		if server.desync() {
			serversToRemove = append(serversToRemove, port)
		}
	}
	for _, port := range serversToRemove {
		m.removeServer(port)
	}
	m.mu.Unlock()

	m.smeMu.Lock()
	m.smeQueue.Clear()
	m.smeMu.Unlock()
}
