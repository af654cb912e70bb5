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
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"
)

// SessionCacheStrategy selects the session-ID cache backend, independent
// of the ticket-key strategy (spec.md §4.G).
type SessionCacheStrategy string

const (
	SessionCacheOff       SessionCacheStrategy = "off"
	SessionCacheInternal  SessionCacheStrategy = "internal"
	SessionCacheMemcached SessionCacheStrategy = "memcached"
)

// TLSContext is the subset of a server's per-listener TLS configuration
// that the cache-resumption glue needs to touch. A concrete TLS binding
// (not part of this package, per spec.md's non-goal "implementing TLS
// itself") adapts its real context to this interface, the way
// TicketKeyCallback's CipherContext/MacContext adapt crypto/cipher and
// crypto/hmac.
type TLSContext interface {
	// SetSessionCacheDisabled turns the session-ID cache off entirely.
	SetSessionCacheDisabled(disabled bool)
	// SetSessionCache installs cache as the context's session-ID store.
	// Not called when the strategy is internal: the TLS library's own
	// default in-process cache is left in place (spec.md §4.G).
	SetSessionCache(cache ServerSessionCache)
}

// ServerSessionCache is a server-side TLS session-ID cache, the
// session-resumption analog of crypto/tls.ClientSessionCache but for the
// accepting side of the handshake.
type ServerSessionCache interface {
	Get(sessionID []byte) (data []byte, ok bool)
	Put(sessionID []byte, data []byte)
}

// InstallSessionCache wires strategy into ctx (spec.md §4.G):
//
//   - off: disable the session cache entirely.
//   - internal: no-op; the TLS library's built-in cache applies.
//   - memcached: install an async cache-resumption handler backed by
//     client, keyed by the client's own scheme, with entries expiring
//     after lifetime.
func InstallSessionCache(ctx TLSContext, strategy SessionCacheStrategy, client CacheClient, lifetime time.Duration, keyPrefix string) {
	switch strategy {
	case SessionCacheOff:
		ctx.SetSessionCacheDisabled(true)
	case SessionCacheInternal:
		// Leave the TLS library's default cache in place.
	case SessionCacheMemcached:
		ctx.SetSessionCache(newMemcachedSessionCache(client, lifetime, keyPrefix))
	}
}

// memcachedSessionCache is the async cache-resumption handler of
// spec.md §4.G: Get is synchronous (a handshake blocked on a miss just
// proceeds with a full handshake), but Put is fire-and-forget so a slow
// or unreachable cache never adds handshake latency.
type memcachedSessionCache struct {
	client    CacheClient
	lifetime  time.Duration
	keyPrefix string
}

func newMemcachedSessionCache(client CacheClient, lifetime time.Duration, keyPrefix string) *memcachedSessionCache {
	return &memcachedSessionCache{client: client, lifetime: lifetime, keyPrefix: keyPrefix}
}

func (c *memcachedSessionCache) cacheKey(sessionID []byte) string {
	return c.keyPrefix + string(sessionID)
}

func (c *memcachedSessionCache) Get(sessionID []byte) ([]byte, bool) {
	item, err := c.client.Get(c.cacheKey(sessionID))
	if err != nil {
		if err != memcache.ErrCacheMiss {
			Log().Warn("session cache: get failed", zap.Error(err))
		}
		return nil, false
	}
	return item.Value, true
}

func (c *memcachedSessionCache) Put(sessionID []byte, data []byte) {
	go func() {
		err := c.client.Set(&memcache.Item{
			Key:        c.cacheKey(sessionID),
			Value:      data,
			Expiration: int32(c.lifetime / time.Second),
		})
		if err != nil {
			Log().Warn("session cache: put failed", zap.Error(err))
		}
	}()
}
