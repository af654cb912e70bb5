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
	"sync/atomic"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCacheClient is an in-memory stand-in for *memcache.Client, giving
// the cluster rotator's CAS semantics without a real memcached instance.
type fakeCacheClient struct {
	key   string
	value []byte
	cas   uint64
	exist bool

	getErr error
}

func (f *fakeCacheClient) Get(key string) (*memcache.Item, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if !f.exist || key != f.key {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: append([]byte(nil), f.value...), CasID: f.cas}, nil
}

func (f *fakeCacheClient) Add(item *memcache.Item) error {
	if f.exist {
		return memcache.ErrNotStored
	}
	f.key = item.Key
	f.value = item.Value
	f.cas = 1
	f.exist = true
	return nil
}

func (f *fakeCacheClient) Set(item *memcache.Item) error {
	f.key = item.Key
	f.value = item.Value
	f.cas++
	f.exist = true
	return nil
}

func (f *fakeCacheClient) CompareAndSwap(item *memcache.Item) error {
	if !f.exist || item.CasID != f.cas {
		return memcache.ErrCASConflict
	}
	f.key = item.Key
	f.value = item.Value
	f.cas++
	return nil
}

func newTestClusterMaintainer(store *Store, client CacheClient) *ClusterMaintainer {
	m := NewClusterMaintainer(store, CipherAES256CBC, HashSHA256, time.Hour, "127.0.0.1", 11211, 1, "test:")
	m.client = client
	return m
}

func TestClusterReconcileMintsWhenCacheEmpty(t *testing.T) {
	s := NewStore()
	client := &fakeCacheClient{}
	m := newTestClusterMaintainer(s, client)

	retry, err := m.reconcile(1000)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.True(t, client.exist)

	tickets, err := ParseTickets(client.value)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, int64(1000), tickets[0].NotBefore)
}

func TestClusterReconcileInstallsFetchedWhenRotationNotDue(t *testing.T) {
	s := NewStore()
	now := int64(1000)

	fresh, err := NewTicket(CipherAES256CBC, HashSHA256, now, now+int64(time.Hour/time.Second), true)
	require.NoError(t, err)
	data, err := MarshalTickets([]*Ticket{fresh})
	require.NoError(t, err)

	client := &fakeCacheClient{key: ticketKeysCacheKey("test:"), value: data, cas: 1, exist: true}
	m := newTestClusterMaintainer(s, client)

	retry, err := m.reconcile(now)
	require.NoError(t, err)
	assert.False(t, retry)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, fresh.Name, snap[0].Name)
}

func TestClusterReconcileRotatesWithSkewWhenValidKeyIsStale(t *testing.T) {
	s := NewStore()
	now := int64(100000)
	lifetime := int64(time.Hour / time.Second)

	stale, err := NewTicket(CipherAES256CBC, HashSHA256, now-lifetime, now+1000, true)
	require.NoError(t, err)
	data, err := MarshalTickets([]*Ticket{stale})
	require.NoError(t, err)

	client := &fakeCacheClient{key: ticketKeysCacheKey("test:"), value: data, cas: 1, exist: true}
	m := newTestClusterMaintainer(s, client)

	retry, err := m.reconcile(now)
	require.NoError(t, err)
	assert.True(t, retry)

	tickets, err := ParseTickets(client.value)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	// The newly minted key is offset by the skew because a valid key
	// already existed in the fetched document.
	assert.Equal(t, now+int64(clusterNotBeforeSkew/time.Second), tickets[0].NotBefore)
}

func TestClusterReconcileErrorsOnProtocolFailure(t *testing.T) {
	s := NewStore()
	client := &fakeCacheClient{getErr: assertTestErr{}}
	m := newTestClusterMaintainer(s, client)

	_, err := m.reconcile(1000)
	assert.Error(t, err)
}

type assertTestErr struct{}

func (assertTestErr) Error() string { return "simulated protocol error" }

func TestClusterReconcileErrorsOnParseFailure(t *testing.T) {
	s := NewStore()
	client := &fakeCacheClient{key: ticketKeysCacheKey("test:"), value: []byte("not: [valid"), cas: 1, exist: true}
	m := newTestClusterMaintainer(s, client)

	_, err := m.reconcile(1000)
	assert.Error(t, err)
}

// TestClusterRunBacksOffAfterReconcileFailure guards against a busy loop: a
// reconcile failure must send Run through the same clusterDisconnectedRetry
// sleep as a dial failure (spec.md §4.F), not straight back into dial.
func TestClusterRunBacksOffAfterReconcileFailure(t *testing.T) {
	s := NewStore()
	client := &fakeCacheClient{getErr: assertTestErr{}}
	m := NewClusterMaintainer(s, CipherAES256CBC, HashSHA256, time.Hour, "127.0.0.1", 11211, 1, "test:")

	var dialCount int32
	m.dial = func(host string, port, numThreads int) (CacheClient, error) {
		atomic.AddInt32(&dialCount, 1)
		return client, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(stop)
		close(done)
	}()

	// clusterDisconnectedRetry is 10s; well within that window, a fixed
	// busy loop would have dialed many times, while the backoff leaves
	// the count at 1 (the initial dial) until the sleep elapses.
	time.Sleep(100 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&dialCount))
}
