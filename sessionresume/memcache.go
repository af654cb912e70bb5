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
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"
)

// CacheClient is the connection-oriented key/value store with CAS that
// both the cluster rotator (F) and the cache-resumption glue (G) consume
// (spec.md §1: "the distributed cache client (consumed as a
// connection-oriented key/value store with CAS)"). It is exactly the
// subset of *memcache.Client's method set this package needs, so a real
// *memcache.Client satisfies it without an adapter, and tests can supply a
// fake.
type CacheClient interface {
	// Get fetches key. It returns memcache.ErrCacheMiss if the key is
	// absent. The returned *memcache.Item carries the CAS token needed by
	// CompareAndSwap.
	Get(key string) (*memcache.Item, error)
	// Add inserts item only if key is absent; it returns
	// memcache.ErrNotStored if it already exists.
	Add(item *memcache.Item) error
	// Set unconditionally stores item, overwriting any existing value.
	Set(item *memcache.Item) error
	// CompareAndSwap replaces item's key only if its CAS token (as
	// returned by a prior Get) is still current; it returns
	// memcache.ErrCASConflict or memcache.ErrNotStored otherwise.
	CompareAndSwap(item *memcache.Item) error
}

var _ CacheClient = (*memcache.Client)(nil)

// MemcachedConfig parameterizes a connection to the shared cache
// (spec.md §3: the memcached sub-record).
type MemcachedConfig struct {
	Host        string
	Port        int
	NumThreads  int
	KeyPrefix   string
	CacheTTL    int // cache.lifetime_s, for session-ID cache resumption (component G)
	TicketTTL   int // ticket.lifetime_s, for the cluster rotator (component F)
}

// NewMemcachedClient dials host:port and configures the client's
// connection pool from numThreads, the way
// original_source/src/ssl.c's spawn_memcached_clients spins up
// num_threads client connections to the same memcached pool.
func NewMemcachedClient(host string, port int, numThreads int) (*memcache.Client, error) {
	if host == "" {
		return nil, fmt.Errorf("sessionresume: memcached host is required")
	}
	if numThreads < 1 {
		numThreads = 1
	}
	c := memcache.New(fmt.Sprintf("%s:%d", host, port))
	c.MaxIdleConns = numThreads
	return c, nil
}

// ticketKeysCacheKey is the fixed key under which the cluster rotator
// stores the shared ticket-key document (spec.md §6: "Fixed key:
// <prefix>session-tickets").
func ticketKeysCacheKey(prefix string) string {
	return prefix + "session-tickets"
}
