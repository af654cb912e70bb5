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

import "sort"

// Store is the ordered, in-memory collection of ticket keys, shared by
// every handshake callback invocation and written only by the process's
// single maintainer goroutine. It mirrors the certificateCache pattern in
// caddytls/certificates.go (an RWMutex-guarded cache all site configs
// share), generalized to a writer-preferring lock per spec.md §4.B/§5.
type Store struct {
	lock    *writerPreferringLock
	tickets []*Ticket
}

// NewStore returns an empty ticket store.
func NewStore() *Store {
	return &Store{lock: newWriterPreferringLock()}
}

// sortTickets sorts tickets into the store's total order in place:
// not_before descending, ties broken by name ascending (spec.md §3).
func sortTickets(tickets []*Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].less(tickets[j])
	})
}

// Read acquires the shared lock, runs fn with a read-only view of the
// current tickets, and releases the lock. fn must not retain the slice
// beyond the call, since a subsequent Write may replace it.
func (s *Store) Read(fn func(tickets []*Ticket)) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	fn(s.tickets)
}

// Snapshot returns a copy of the current ticket pointers, safe to use
// after the call returns. A ticket that a maintainer later removes from the
// store is destroyed, so its key bytes seen through an older snapshot may
// have been zeroed.
func (s *Store) Snapshot() []*Ticket {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]*Ticket, len(s.tickets))
	copy(out, s.tickets)
	return out
}

// Len returns the number of tickets currently in the store.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.tickets)
}

// InsertFront inserts t into the store under the exclusive lock and
// re-establishes the total order. In the normal rotation case t is newer
// than every existing key and lands at index 0, as spec.md §4.D describes
// ("insert k at index 0, shifting the rest"); re-sorting (cheap at the
// handful of keys a store ever holds) keeps the invariant airtight even
// if that assumption is ever violated.
func (s *Store) InsertFront(t *Ticket) {
	s.lock.Lock()
	defer s.lock.Unlock()
	next := make([]*Ticket, 0, len(s.tickets)+1)
	next = append(next, t)
	next = append(next, s.tickets...)
	sortTickets(next)
	s.tickets = next
	resumptionMetrics.storeSize.Set(float64(len(s.tickets)))
}

// PopBackIfExpired removes and returns the last (oldest) ticket if its
// not_after is before now, reporting whether a ticket was popped. The
// caller is responsible for calling Destroy on the returned ticket once
// it has released the exclusive lock (spec.md §5: "wipe and free each
// popped key outside the lock").
func (s *Store) PopBackIfExpired(now int64) (*Ticket, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := len(s.tickets)
	if n == 0 {
		return nil, false
	}
	last := s.tickets[n-1]
	if !last.Expired(now) {
		return nil, false
	}
	s.tickets = s.tickets[:n-1]
	resumptionMetrics.storeSize.Set(float64(len(s.tickets)))
	return last, true
}

// Swap atomically replaces the store's entire contents with newTickets
// (which must already be sorted; callers building a document from
// ParseTickets get this for free) and returns the old contents so the
// caller can wipe them (spec.md §4.B: "the old contents must be securely
// wiped").
func (s *Store) Swap(newTickets []*Ticket) []*Ticket {
	s.lock.Lock()
	defer s.lock.Unlock()
	old := s.tickets
	s.tickets = newTickets
	resumptionMetrics.storeSize.Set(float64(len(s.tickets)))
	return old
}

// DestroyAll wipes and releases every ticket in tickets. Used to retire an
// old store contents after a Swap, and to wipe tickets that were parsed or
// minted but never installed in the store.
func DestroyAll(tickets []*Ticket) {
	for _, t := range tickets {
		t.Destroy()
	}
}
