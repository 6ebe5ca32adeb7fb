// worker.go - worker goroutine lifecycle management.
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

// Package worker provides helpers for managing long-lived goroutines.
package worker

import (
	"sync"
)

// Worker is a set of managed background goroutines.  It is intended to be
// embedded in structs that own one or more long-lived goroutines, and
// provides a uniform termination mechanism.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once

	wg     sync.WaitGroup
	haltCh chan struct{}
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go spawns fn in a new goroutine tracked by the Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.  Worker
// goroutines must select on this channel and return when it is closed.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Halt signals all goroutines spawned via Go to terminate, and blocks
// until they have all returned.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.wg.Wait()
}

// Wait blocks until all goroutines spawned via Go have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
