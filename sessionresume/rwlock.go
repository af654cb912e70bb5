// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessionresume

import "sync"

// writerPreferringLock is a readers-writer lock that favors the writer:
// once a writer is waiting, new readers block behind it rather than being
// allowed to keep starving it out. Go's sync.RWMutex makes no such
// promise, and spec.md §4.B requires one ("If the platform's default RW
// lock favors readers, the implementation MUST select a writer-preferring
// variant") because handshake callbacks (readers) vastly outnumber
// maintainer writes under sustained load.
//
// The scheme: a mutex guards the counters; readers increment/decrement an
// active-reader count and wait on a condition variable whenever a writer
// is pending or active; a writer sets pending, waits for active readers
// to drain, then holds the lock exclusively.
type writerPreferringLock struct {
	mu            sync.Mutex
	cond          *sync.Cond
	activeReaders int
	writerPending bool
	writerActive  bool
}

func newWriterPreferringLock() *writerPreferringLock {
	l := &writerPreferringLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *writerPreferringLock) RLock() {
	l.mu.Lock()
	for l.writerPending || l.writerActive {
		l.cond.Wait()
	}
	l.activeReaders++
	l.mu.Unlock()
}

func (l *writerPreferringLock) RUnlock() {
	l.mu.Lock()
	l.activeReaders--
	if l.activeReaders == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

func (l *writerPreferringLock) Lock() {
	l.mu.Lock()
	l.writerPending = true
	for l.activeReaders > 0 || l.writerActive {
		l.cond.Wait()
	}
	l.writerPending = false
	l.writerActive = true
	l.mu.Unlock()
}

func (l *writerPreferringLock) Unlock() {
	l.mu.Lock()
	l.writerActive = false
	l.cond.Broadcast()
	l.mu.Unlock()
}
