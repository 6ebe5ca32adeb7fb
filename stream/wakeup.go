// wakeup.go - pre-slot stream wakeup scheduling.
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
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/core/worker"
	"github.com/tdmh/tdmh/radio"
)

// WakeupInfo is one entry of the stream wakeup list computed by the
// schedule expansion: the absolute local time a transmitting stream's
// waiters must be woken, and the period at which the wakeup repeats.
type WakeupInfo struct {
	Id         wire.StreamId
	WakeupTime int64
	Period     int64
}

// WakeupScheduler wakes transmitting streams just before their radio
// slot, so application callbacks and Wait() returns line up with the
// schedule.  Entries are kept in a time-ordered AVL tree and re-armed at
// their period after each firing.
type WakeupScheduler struct {
	worker.Worker

	manager *StreamManager
	clk     radio.Clock

	mu      sync.Mutex
	cmp     avl.CompareFunc
	entries *avl.Tree
	seq     uint64
	updated chan struct{}
}

type wakeupEntry struct {
	info WakeupInfo
	// seq breaks ties between entries with the same wakeup time.
	seq uint64
}

// NewWakeupScheduler creates the scheduler and starts its goroutine.
func NewWakeupScheduler(manager *StreamManager, clk radio.Clock) *WakeupScheduler {
	w := &WakeupScheduler{
		manager: manager,
		clk:     clk,
		updated: make(chan struct{}, 1),
	}
	w.cmp = func(a, b interface{}) int {
		ea, eb := a.(*wakeupEntry), b.(*wakeupEntry)
		switch {
		case ea.info.WakeupTime < eb.info.WakeupTime:
			return -1
		case ea.info.WakeupTime > eb.info.WakeupTime:
			return 1
		case ea.seq < eb.seq:
			return -1
		case ea.seq > eb.seq:
			return 1
		default:
			return 0
		}
	}
	w.entries = avl.New(w.cmp)
	w.Go(w.run)
	return w
}

// SetWakeupList replaces the scheduled wakeups, typically at schedule
// activation.
func (w *WakeupScheduler) SetWakeupList(list []WakeupInfo) {
	w.mu.Lock()
	w.entries = avl.New(w.cmp)
	for _, info := range list {
		w.seq++
		w.entries.Insert(&wakeupEntry{info: info, seq: w.seq})
	}
	w.mu.Unlock()
	select {
	case w.updated <- struct{}{}:
	default:
	}
}

// Clear drops all scheduled wakeups, typically at desync.
func (w *WakeupScheduler) Clear() {
	w.SetWakeupList(nil)
}

func (w *WakeupScheduler) run() {
	for {
		w.mu.Lock()
		var next *wakeupEntry
		iter := w.entries.Iterator(avl.Forward)
		if node := iter.First(); node != nil {
			next = node.Value.(*wakeupEntry)
		}
		w.mu.Unlock()

		if next == nil {
			select {
			case <-w.HaltCh():
				return
			case <-w.updated:
			}
			continue
		}

		if delay := time.Duration(next.info.WakeupTime - w.clk.Now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-w.HaltCh():
				timer.Stop()
				return
			case <-w.updated:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		w.manager.Wakeup(next.info.Id)

		// Re-arm the entry at its next period.
		w.mu.Lock()
		iter = w.entries.Iterator(avl.Forward)
		if node := iter.First(); node != nil && node.Value.(*wakeupEntry) == next {
			w.entries.Remove(node)
			if next.info.Period > 0 {
				next.info.WakeupTime += next.info.Period
				w.seq++
				next.seq = w.seq
				w.entries.Insert(next)
			}
		}
		w.mu.Unlock()
	}
}
