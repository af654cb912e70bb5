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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInsertFrontMaintainsTotalOrder(t *testing.T) {
	s := NewStore()

	older, err := NewTicket(CipherAES256CBC, HashSHA256, 100, 300, true)
	require.NoError(t, err)
	newer, err := NewTicket(CipherAES256CBC, HashSHA256, 200, 300, true)
	require.NoError(t, err)

	s.InsertFront(older)
	s.InsertFront(newer)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, newer.Name, snap[0].Name)
	assert.Equal(t, older.Name, snap[1].Name)
}

func TestStorePopBackIfExpired(t *testing.T) {
	s := NewStore()

	expired, err := NewTicket(CipherAES256CBC, HashSHA256, 0, 100, true)
	require.NoError(t, err)
	fresh, err := NewTicket(CipherAES256CBC, HashSHA256, 200, 300, true)
	require.NoError(t, err)

	s.InsertFront(expired)
	s.InsertFront(fresh)

	popped, ok := s.PopBackIfExpired(150)
	require.True(t, ok)
	assert.Equal(t, expired.Name, popped.Name)
	assert.Equal(t, 1, s.Len())

	_, ok = s.PopBackIfExpired(150)
	assert.False(t, ok)
}

func TestStoreSwapReturnsOldContents(t *testing.T) {
	s := NewStore()
	a, err := NewTicket(CipherAES256CBC, HashSHA256, 100, 200, true)
	require.NoError(t, err)
	s.InsertFront(a)

	b, err := NewTicket(CipherAES256CBC, HashSHA256, 300, 400, true)
	require.NoError(t, err)

	old := s.Swap([]*Ticket{b})
	require.Len(t, old, 1)
	assert.Equal(t, a.Name, old[0].Name)
	assert.Equal(t, []*Ticket{b}, s.Snapshot())
}

func TestStoreReadSeesConsistentSnapshot(t *testing.T) {
	s := NewStore()
	a, err := NewTicket(CipherAES256CBC, HashSHA256, 100, 200, true)
	require.NoError(t, err)
	s.InsertFront(a)

	var seen int
	s.Read(func(tickets []*Ticket) {
		seen = len(tickets)
	})
	assert.Equal(t, 1, seen)
}
