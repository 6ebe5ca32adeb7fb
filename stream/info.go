// info.go - stream endpoint status.
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

// Package stream provides the file-descriptor style stream API offered
// to applications and the manager mediating between the application
// threads and the MAC thread.
package stream

import (
	"github.com/tdmh/tdmh/core/wire"
)

// Status is the lifecycle state of a stream or server endpoint.
type Status uint8

const (
	// StatusConnecting: client stream waiting for the master to accept.
	StatusConnecting Status = iota
	// StatusConnectFailed: the master rejected the stream or the
	// request timed out.
	StatusConnectFailed
	// StatusAcceptWait: server-side stream waiting for accept().
	StatusAcceptWait
	// StatusEstablished: the stream appears in the active schedule.
	StatusEstablished
	// StatusRemotelyClosed: the stream disappeared from the schedule.
	StatusRemotelyClosed
	// StatusReopened: the master re-accepted after a temporary close.
	StatusReopened
	// StatusCloseWait: the application closed, awaiting confirmation.
	StatusCloseWait
	// StatusClosed: terminal state.
	StatusClosed
	// StatusListenWait: server waiting for the master to accept.
	StatusListenWait
	// StatusListenFailed: the master rejected the server or the request
	// timed out.
	StatusListenFailed
	// StatusListen: open server.
	StatusListen
)

// String returns the state name for logging.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnectFailed:
		return "CONNECT_FAILED"
	case StatusAcceptWait:
		return "ACCEPT_WAIT"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusRemotelyClosed:
		return "REMOTELY_CLOSED"
	case StatusReopened:
		return "REOPENED"
	case StatusCloseWait:
		return "CLOSE_WAIT"
	case StatusClosed:
		return "CLOSED"
	case StatusListenWait:
		return "LISTEN_WAIT"
	case StatusListenFailed:
		return "LISTEN_FAILED"
	case StatusListen:
		return "LISTEN"
	default:
		return "UNKNOWN"
	}
}

// Info describes an endpoint to the application.
type Info struct {
	Id     wire.StreamId
	Params wire.StreamParameters
	Status Status
}

// Error codes of the numeric stream API.
const (
	// ErrMasterUntrusted is returned while the master's identity is
	// not established.
	ErrMasterUntrusted = -10
	// ErrInvalid is returned on bad arguments or exhausted resources.
	ErrInvalid = -1
	// ErrWrongDirection is returned by Wait on a receive-only stream.
	ErrWrongDirection = -2
	// ErrNotEstablished is returned by Write and Read outside the
	// established state.
	ErrNotEstablished = -3
)

// Timeouts of the endpoint state machines, in tiles.
const (
	smeTimeoutMax  = 600
	failTimeoutMax = 1800
)
