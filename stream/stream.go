// stream.go - stream endpoint.
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

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto"
	"github.com/tdmh/tdmh/core/wire"
)

// Stream is one end of a point-to-point data stream.  The application
// thread interacts through Write, Read, Wait and Close; the MAC thread
// through SendPacket, ReceivePacket, MissPacket and the state machine
// callbacks.  Each side owns its packet double-buffer so the two threads
// only meet at the hand-off points.
type Stream struct {
	cfg *config.NetworkConfiguration
	fd  int

	mu        sync.Mutex
	statusCv  *sync.Cond
	txCv      *sync.Cond
	rxCv      *sync.Cond
	wakeupCv  *sync.Cond
	wakeupGen uint64

	info Info

	smeTimeout  int
	failTimeout int

	// Redundancy bookkeeping, MAC thread only.
	redundancyCount int
	txCount         int
	rxCount         int
	received        bool
	txPacketReady   bool

	txPayload []byte
	rxPayload []byte

	// Buffers shared across the MAC/application boundary.
	nextTxPayload      []byte
	nextTxPacketReady  bool
	rxPayloadShared    []byte
	receivedShared     bool
	alreadyReceivedSet bool

	seqNo uint64

	ocb      *crypto.AesOcb
	ocbNext  *crypto.AesOcb
	authData bool

	// Application callbacks run just before the radio slot, within the
	// configured execution time.
	sendCallback func() []byte
	recvCallback func([]byte)

	// wakeupAdvance is how early before its TX slot the stream wants
	// its waiters woken.
	wakeupAdvance int64
}

func newStream(cfg *config.NetworkConfiguration, fd int, info Info, key *[16]byte) *Stream {
	s := &Stream{
		cfg:         cfg,
		fd:          fd,
		info:        info,
		smeTimeout:  smeTimeoutMax,
		failTimeout: failTimeoutMax,
		authData:    cfg.AuthenticateDataMessages || cfg.EncryptDataMessages,
		seqNo:       1,
	}
	s.statusCv = sync.NewCond(&s.mu)
	s.txCv = sync.NewCond(&s.mu)
	s.rxCv = sync.NewCond(&s.mu)
	s.wakeupCv = sync.NewCond(&s.mu)
	s.redundancyCount = info.Params.Redundancy.Count()
	// The very first read must wait for data.
	s.alreadyReceivedSet = true
	if s.authData && key != nil {
		s.ocb = crypto.NewAesOcb(key)
	}
	return s
}

// Fd returns the endpoint's file descriptor.
func (s *Stream) Fd() int { return s.fd }

// Id returns the stream identifier.
func (s *Stream) Id() wire.StreamId { return s.info.Id }

// Info returns a copy of the endpoint description.
func (s *Stream) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// setStatus changes the lifecycle state, resetting the timers and waking
// every blocked caller so they can observe the transition.
func (s *Stream) setStatus(status Status) {
	s.info.Status = status
	s.smeTimeout = smeTimeoutMax
	s.failTimeout = failTimeoutMax
	s.statusCv.Broadcast()
	s.txCv.Broadcast()
	s.rxCv.Broadcast()
	s.wakeupCv.Broadcast()
}

// connect blocks until the master answers the CONNECT request.
func (s *Stream) connect(m *StreamManager) int {
	m.EnqueueSME(wire.NewSME(s.info.Id, s.info.Params, wire.SMEConnect))
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.info.Status == StatusConnecting {
		s.statusCv.Wait()
	}
	if s.info.Status != StatusEstablished {
		return ErrInvalid
	}
	return 0
}

// Write hands one period's payload to the MAC.  It blocks while the
// previous payload has not yet been consumed by the data phase.
func (s *Stream) Write(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		switch s.info.Status {
		case StatusEstablished, StatusReopened:
		default:
			return ErrNotEstablished
		}
		if !s.nextTxPacketReady {
			break
		}
		s.txCv.Wait()
	}
	n := len(data)
	if max := int(s.info.Params.PayloadSize); n > max {
		n = max
	}
	s.nextTxPayload = append(s.nextTxPayload[:0], data[:n]...)
	s.nextTxPacketReady = true
	return n
}

// Read blocks until one period's payload arrives and returns it.
func (s *Stream) Read(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.receivedShared {
		switch s.info.Status {
		case StatusEstablished, StatusReopened:
		default:
			return ErrNotEstablished
		}
		s.rxCv.Wait()
	}
	n := copy(data, s.rxPayloadShared)
	s.receivedShared = false
	return n
}

// Wait blocks the caller until the wakeup scheduler fires for this
// stream, just before its next transmission slot.
func (s *Stream) Wait() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.wakeupGen
	for s.wakeupGen == gen {
		switch s.info.Status {
		case StatusEstablished, StatusReopened:
		default:
			return ErrNotEstablished
		}
		s.wakeupCv.Wait()
	}
	return 0
}

// Wakeup releases the callers blocked in Wait and runs the send
// callback, whose product becomes the next payload if none is pending.
func (s *Stream) Wakeup() {
	var cb func() []byte
	s.mu.Lock()
	s.wakeupGen++
	s.wakeupCv.Broadcast()
	if s.sendCallback != nil && !s.nextTxPacketReady {
		cb = s.sendCallback
	}
	s.mu.Unlock()
	if cb == nil {
		return
	}
	payload := cb()
	s.mu.Lock()
	if !s.nextTxPacketReady {
		n := len(payload)
		if max := int(s.info.Params.PayloadSize); n > max {
			n = max
		}
		s.nextTxPayload = append(s.nextTxPayload[:0], payload[:n]...)
		s.nextTxPacketReady = true
	}
	s.mu.Unlock()
}

// SetSendCallback installs the application callback producing outgoing
// payloads.
func (s *Stream) SetSendCallback(cb func() []byte) {
	s.mu.Lock()
	s.sendCallback = cb
	s.mu.Unlock()
}

// SetReceiveCallback installs the application callback consuming
// incoming payloads.
func (s *Stream) SetReceiveCallback(cb func([]byte)) {
	s.mu.Lock()
	s.recvCallback = cb
	s.mu.Unlock()
}

// SetWakeupAdvance fixes how early the stream wants its waiters woken
// before the TX slot.
func (s *Stream) SetWakeupAdvance(advance int64) {
	s.mu.Lock()
	s.wakeupAdvance = advance
	s.mu.Unlock()
}

// WakeupAdvance returns the configured wakeup advance.
func (s *Stream) WakeupAdvance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakeupAdvance
}

// SendPacket loads one transmission of the current period into pkt.  The
// first transmission of a period takes the pending payload; the
// redundant ones repeat it.  A false return means there is nothing to
// send.
func (s *Stream) SendPacket(pkt *wire.Packet) bool {
	s.mu.Lock()
	if s.txCount == 0 {
		// Start of a period: rotate the application buffer in.
		if s.nextTxPacketReady {
			s.txPayload = append(s.txPayload[:0], s.nextTxPayload...)
			s.nextTxPacketReady = false
			s.txPacketReady = true
			s.txCv.Broadcast()
		} else {
			s.txPacketReady = false
		}
	}
	s.txCount++
	endOfPeriod := s.txCount >= s.redundancyCount
	if endOfPeriod {
		s.txCount = 0
	}
	ready := s.txPacketReady
	payload := append([]byte(nil), s.txPayload...)
	seqNo := s.seqNo
	if endOfPeriod {
		s.seqNo++
	}
	ocb := s.ocb
	s.mu.Unlock()

	if !ready {
		return false
	}
	pkt.Clear()
	if s.authData && ocb != nil {
		pkt.ReserveTag()
	}
	if err := pkt.PutPanHeader(s.cfg.PanID); err != nil {
		return false
	}
	if err := pkt.Put(payload); err != nil {
		return false
	}
	if s.authData && ocb != nil {
		ocb.SetNonce(0, seqNo, 0)
		if s.cfg.EncryptDataMessages {
			pkt.EncryptAndPutTag(ocb)
		} else {
			pkt.PutTag(ocb)
		}
	}
	return true
}

// ReceivePacket accepts one reception of the current period.  Later
// redundant copies overwrite the buffer only when the first one was
// missed.  It returns true at the end of each period.
func (s *Stream) ReceivePacket(pkt *wire.Packet) bool {
	s.mu.Lock()
	ocb := s.ocb
	seqNo := s.seqNo
	s.mu.Unlock()

	ok := true
	if s.authData && ocb != nil {
		ocb.SetNonce(0, seqNo, 0)
		var valid bool
		var err error
		if s.cfg.EncryptDataMessages {
			valid, err = pkt.VerifyAndDecrypt(ocb)
		} else {
			valid, err = pkt.Verify(ocb)
		}
		if err != nil || !valid {
			// An unauthentic packet counts as a miss.
			return s.MissPacket()
		}
	}
	if pkt.CheckPanHeader(s.cfg.PanID) {
		_ = pkt.RemovePanHeader()
	} else {
		ok = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok && !s.received {
		s.rxPayload = append(s.rxPayload[:0], pkt.Bytes()...)
		s.received = true
	}
	return s.updateRxPacket()
}

// MissPacket records a missed reception.  It returns true at the end of
// each period.
func (s *Stream) MissPacket() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRxPacket()
}

// updateRxPacket advances the redundancy counter and, at the end of the
// period, publishes the received payload to the application side.
// Callers hold the mutex.
func (s *Stream) updateRxPacket() bool {
	s.rxCount++
	if s.rxCount < s.redundancyCount {
		return false
	}
	s.rxCount = 0
	if s.received {
		s.rxPayloadShared = append(s.rxPayloadShared[:0], s.rxPayload...)
		s.receivedShared = true
		s.alreadyReceivedSet = false
		s.received = false
		s.rxCv.Broadcast()
		if s.recvCallback != nil {
			payload := make([]byte, len(s.rxPayloadShared))
			copy(payload, s.rxPayloadShared)
			cb := s.recvCallback
			go cb(payload)
		}
	}
	// The receive side mirrors the sender's per-period sequence.
	s.seqNo++
	return true
}

// ResetCounters clears the redundancy counters after a new schedule is
// applied.
func (s *Stream) ResetCounters() {
	s.mu.Lock()
	s.txCount = 0
	s.rxCount = 0
	s.mu.Unlock()
}

// ResetSequenceNumber restarts the authentication sequence at schedule
// activation.
func (s *Stream) ResetSequenceNumber() {
	s.mu.Lock()
	s.seqNo = 1
	s.mu.Unlock()
}

// addedStream reacts to the stream being present in a received schedule.
func (s *Stream) addedStream(newParams wire.StreamParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Params = newParams
	s.redundancyCount = newParams.Redundancy.Count()
	switch s.info.Status {
	case StatusConnecting, StatusAcceptWait:
		s.setStatus(StatusEstablished)
	case StatusRemotelyClosed:
		// The master re-accepted after a temporary close.
		s.setStatus(StatusReopened)
	}
}

// acceptedStream marks the server-side stream as accepted by the
// application.
func (s *Stream) acceptedStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == StatusAcceptWait {
		s.setStatus(StatusEstablished)
	}
}

// removedStream reacts to the stream being absent from a received
// schedule.  A true return means the endpoint can be deleted.
func (s *Stream) removedStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.info.Status {
	case StatusConnecting:
		// Keep waiting: the stream may appear in a later schedule.
		return false
	case StatusEstablished, StatusReopened:
		s.setStatus(StatusRemotelyClosed)
		return false
	case StatusAcceptWait:
		s.setStatus(StatusClosed)
		return true
	case StatusCloseWait:
		s.setStatus(StatusClosed)
		return true
	default:
		return false
	}
}

// rejectedStream reacts to a STREAM_REJECT info element.
func (s *Stream) rejectedStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == StatusConnecting {
		s.setStatus(StatusConnectFailed)
	}
}

// closedServer forces the stream into CloseWait when its server
// disappears.
func (s *Stream) closedServer(m *StreamManager) {
	s.mu.Lock()
	if s.info.Status == StatusAcceptWait || s.info.Status == StatusEstablished {
		s.setStatus(StatusCloseWait)
		id, params := s.info.Id, s.info.Params
		s.mu.Unlock()
		m.EnqueueSME(wire.NewSME(id, params, wire.SMEClosed))
		return
	}
	s.mu.Unlock()
}

// close handles the application side close.  A true return means the
// endpoint can be deleted right away.
func (s *Stream) close(m *StreamManager) bool {
	s.mu.Lock()
	switch s.info.Status {
	case StatusConnectFailed, StatusClosed, StatusRemotelyClosed:
		s.setStatus(StatusClosed)
		s.mu.Unlock()
		return true
	default:
		s.setStatus(StatusCloseWait)
		id, params := s.info.Id, s.info.Params
		s.mu.Unlock()
		m.EnqueueSME(wire.NewSME(id, params, wire.SMEClosed))
		return false
	}
}

// periodicUpdate runs once per tile: the SME timer re-enqueues the
// pending request, the overall timer fails the endpoint.
func (s *Stream) periodicUpdate(m *StreamManager) {
	s.mu.Lock()
	var resend *wire.StreamManagementElement
	switch s.info.Status {
	case StatusConnecting, StatusCloseWait:
		s.smeTimeout--
		s.failTimeout--
		if s.smeTimeout <= 0 {
			s.smeTimeout = smeTimeoutMax
			t := wire.SMEConnect
			if s.info.Status == StatusCloseWait {
				t = wire.SMEClosed
			}
			sme := wire.NewSME(s.info.Id, s.info.Params, t)
			resend = &sme
		}
		if s.failTimeout <= 0 {
			if s.info.Status == StatusConnecting {
				s.setStatus(StatusConnectFailed)
			} else {
				s.setStatus(StatusClosed)
			}
		}
	}
	s.mu.Unlock()
	if resend != nil {
		m.EnqueueSME(*resend)
	}
}

// desync aborts the stream when synchronization is lost.  A true return
// means the endpoint can be deleted.
func (s *Stream) desync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.info.Status {
	case StatusConnecting:
		s.setStatus(StatusConnectFailed)
		return false
	case StatusEstablished, StatusReopened, StatusAcceptWait:
		s.setStatus(StatusRemotelyClosed)
		return false
	case StatusCloseWait:
		s.setStatus(StatusClosed)
		return true
	default:
		return false
	}
}

// SetNewKey precomputes the post-rekeying stream key.
func (s *Stream) SetNewKey(key *[16]byte) {
	s.mu.Lock()
	s.ocbNext = crypto.NewAesOcb(key)
	s.mu.Unlock()
}

// ApplyNewKey rotates to the precomputed key.
func (s *Stream) ApplyNewKey() {
	s.mu.Lock()
	if s.ocbNext != nil {
		s.ocb = s.ocbNext
		s.ocbNext = nil
	}
	s.mu.Unlock()
}
