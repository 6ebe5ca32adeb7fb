// status.go - MAC diagnostics snapshot.
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
	"github.com/fxamacker/cbor/v2"
)

// Status is a point-in-time diagnostics snapshot of a node, exposed to
// management tooling in CBOR.
type Status struct {
	NodeID       uint8  `cbor:"node_id"`
	Master       bool   `cbor:"master"`
	Synchronized bool   `cbor:"synchronized"`
	Hop          uint8  `cbor:"hop"`
	MasterIndex  uint32 `cbor:"master_index"`
	NetworkTime  int64  `cbor:"network_time"`

	SendTotal  uint32 `cbor:"send_total"`
	SendErrors uint32 `cbor:"send_errors"`
	RcvTotal   uint32 `cbor:"rcv_total"`
	RcvErrors  uint32 `cbor:"rcv_errors"`
}

// statusAlias has the same fields as Status without its MarshalBinary and
// UnmarshalBinary methods, so cbor does not recurse back into them.
type statusAlias Status

// MarshalBinary encodes the snapshot.
func (s *Status) MarshalBinary() ([]byte, error) {
	return cbor.Marshal((*statusAlias)(s))
}

// UnmarshalBinary decodes a snapshot.
func (s *Status) UnmarshalBinary(data []byte) error {
	return cbor.Unmarshal(data, (*statusAlias)(s))
}

// Status returns the current diagnostics snapshot.
func (c *Context) Status() Status {
	sendTotal, sendErrors, rcvTotal, rcvErrors := c.trx.Counters()
	s := Status{
		NodeID:       c.cfg.NetworkID,
		Master:       c.cfg.IsMaster(),
		Synchronized: c.timesyncPhase.MacCanOperate(),
		MasterIndex:  c.km.MasterIndex(),
		NetworkTime:  c.nt.FromLocal(c.clk.Now()),
		SendTotal:    sendTotal,
		SendErrors:   sendErrors,
		RcvTotal:     rcvTotal,
		RcvErrors:    rcvErrors,
	}
	if c.dynamicTimesync != nil {
		s.Hop = c.dynamicTimesync.Hop()
	}
	return s
}
