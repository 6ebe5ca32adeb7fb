// server.go - server endpoint.
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
	"github.com/tdmh/tdmh/core/wire"
)

// Server accepts incoming streams on a port.  Streams opened toward the
// port appear in the pending list until the application accepts them.
type Server struct {
	cfg *config.NetworkConfiguration
	fd  int

	mu       sync.Mutex
	statusCv *sync.Cond
	listenCv *sync.Cond

	info Info

	smeTimeout  int
	failTimeout int

	pendingAccept []*Stream
}

func newServer(cfg *config.NetworkConfiguration, fd int, info Info) *Server {
	s := &Server{
		cfg:         cfg,
		fd:          fd,
		info:        info,
		smeTimeout:  smeTimeoutMax,
		failTimeout: failTimeoutMax,
	}
	s.statusCv = sync.NewCond(&s.mu)
	s.listenCv = sync.NewCond(&s.mu)
	return s
}

// Fd returns the endpoint's file descriptor.
func (s *Server) Fd() int { return s.fd }

// Id returns the server identifier.
func (s *Server) Id() wire.StreamId { return s.info.Id }

// Info returns a copy of the endpoint description.
func (s *Server) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Server) setStatus(status Status) {
	s.info.Status = status
	s.smeTimeout = smeTimeoutMax
	s.failTimeout = failTimeoutMax
	s.statusCv.Broadcast()
	s.listenCv.Broadcast()
}

// listen blocks until the master answers the LISTEN request.
func (s *Server) listen(m *StreamManager) int {
	m.EnqueueSME(wire.NewSME(s.info.Id, s.info.Params, wire.SMEListen))
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.info.Status == StatusListenWait {
		s.statusCv.Wait()
	}
	if s.info.Status != StatusListen {
		return ErrInvalid
	}
	return 0
}

// accept blocks until a stream is pending and returns it.
func (s *Server) accept() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pendingAccept) == 0 {
		switch s.info.Status {
		case StatusListenWait, StatusListen:
		default:
			return nil
		}
		s.listenCv.Wait()
	}
	stream := s.pendingAccept[0]
	s.pendingAccept = s.pendingAccept[1:]
	return stream
}

// addPendingStream queues an incoming stream for accept().
func (s *Server) addPendingStream(stream *Stream) {
	s.mu.Lock()
	s.pendingAccept = append(s.pendingAccept, stream)
	s.listenCv.Broadcast()
	s.mu.Unlock()
}

// acceptedServer reacts to a SERVER_OPENED info element.
func (s *Server) acceptedServer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == StatusListenWait {
		s.setStatus(StatusListen)
	}
}

// rejectedServer reacts to a SERVER_CLOSED info element.
func (s *Server) rejectedServer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.info.Status {
	case StatusListenWait:
		s.setStatus(StatusListenFailed)
	case StatusCloseWait:
		s.setStatus(StatusClosed)
	}
}

// close handles the application side close.  A true return means the
// endpoint can be deleted right away; closing the server also drops the
// pending streams.
func (s *Server) close(m *StreamManager) bool {
	s.mu.Lock()
	pending := s.pendingAccept
	s.pendingAccept = nil
	var deletable bool
	switch s.info.Status {
	case StatusListenFailed, StatusClosed:
		s.setStatus(StatusClosed)
		deletable = true
	default:
		s.setStatus(StatusCloseWait)
	}
	id, params := s.info.Id, s.info.Params
	s.mu.Unlock()

	for _, stream := range pending {
		stream.closedServer(m)
	}
	if !deletable {
		m.EnqueueSME(wire.NewSME(id, params, wire.SMEClosed))
	}
	return deletable
}

// periodicUpdate runs once per tile.
func (s *Server) periodicUpdate(m *StreamManager) {
	s.mu.Lock()
	var resend *wire.StreamManagementElement
	switch s.info.Status {
	case StatusListenWait, StatusCloseWait:
		s.smeTimeout--
		s.failTimeout--
		if s.smeTimeout <= 0 {
			s.smeTimeout = smeTimeoutMax
			t := wire.SMEListen
			if s.info.Status == StatusCloseWait {
				t = wire.SMEClosed
			}
			sme := wire.NewSME(s.info.Id, s.info.Params, t)
			resend = &sme
		}
		if s.failTimeout <= 0 {
			if s.info.Status == StatusListenWait {
				s.setStatus(StatusListenFailed)
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

// desync aborts the server when synchronization is lost.  A true return
// means the endpoint can be deleted.
func (s *Server) desync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.info.Status {
	case StatusListenWait:
		s.setStatus(StatusListenFailed)
		return false
	case StatusCloseWait:
		s.setStatus(StatusClosed)
		return true
	default:
		return false
	}
}
