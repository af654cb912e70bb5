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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveModeOffEnablesNothing(t *testing.T) {
	r, err := Resolve([]byte("mode: off\n"))
	require.NoError(t, err)
	assert.False(t, r.CacheEnabled)
	assert.False(t, r.TicketEnabled)
}

func TestResolveModeTicketWithInternalStore(t *testing.T) {
	doc := `
mode: ticket
ticket-store: internal
ticket-lifetime: 7200
`
	r, err := Resolve([]byte(doc))
	require.NoError(t, err)
	assert.True(t, r.TicketEnabled)
	assert.False(t, r.CacheEnabled)
	assert.Equal(t, StoreInternal, r.TicketStore)
	assert.Equal(t, 2*time.Hour, r.TicketLifetime)
	assert.Equal(t, CipherAES256CBC, r.TicketCipher)
	assert.Equal(t, HashSHA256, r.TicketHash)
}

func TestResolveModeCacheWithInternalStoreDefaultsLifetime(t *testing.T) {
	doc := `
mode: cache
cache-store: internal
`
	r, err := Resolve([]byte(doc))
	require.NoError(t, err)
	assert.True(t, r.CacheEnabled)
	assert.False(t, r.TicketEnabled)
	assert.Equal(t, StoreInternal, r.CacheStore)
	assert.Equal(t, time.Hour, r.CacheLifetime)
	assert.Equal(t, int(time.Hour/time.Second), r.Memcached.CacheTTL)
}

func TestResolveModeCacheWithExplicitLifetime(t *testing.T) {
	doc := `
mode: cache
cache-store: memcached
cache-lifetime: 1800
memcached:
  host: cache.internal
`
	r, err := Resolve([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, r.CacheLifetime)
	assert.Equal(t, 1800, r.Memcached.CacheTTL)
}

func TestResolveModeAllEnablesBothSubsystems(t *testing.T) {
	doc := `
mode: all
cache-store: internal
ticket-store: internal
`
	r, err := Resolve([]byte(doc))
	require.NoError(t, err)
	assert.True(t, r.CacheEnabled)
	assert.True(t, r.TicketEnabled)
}

func TestResolveRejectsMissingMode(t *testing.T) {
	_, err := Resolve([]byte("ticket-store: internal\n"))
	assert.Error(t, err)
}

func TestResolveRejectsUnknownMode(t *testing.T) {
	_, err := Resolve([]byte("mode: bogus\n"))
	assert.Error(t, err)
}

func TestResolveRejectsMissingTicketStoreWhenEnabled(t *testing.T) {
	_, err := Resolve([]byte("mode: ticket\n"))
	assert.Error(t, err)
}

func TestResolveRequiresTicketFileWhenStoreIsFile(t *testing.T) {
	doc := `
mode: ticket
ticket-store: file
`
	_, err := Resolve([]byte(doc))
	assert.Error(t, err)

	doc = `
mode: ticket
ticket-store: file
ticket-file: /etc/resumption/tickets.yaml
`
	r, err := Resolve([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "/etc/resumption/tickets.yaml", r.TicketFile)
}

func TestResolveMemcachedSubMapping(t *testing.T) {
	doc := `
mode: ticket
ticket-store: memcached
memcached:
  host: cache.internal
  port: 11300
  num-threads: 4
  prefix: "myapp:"
`
	r, err := Resolve([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "cache.internal", r.Memcached.Host)
	assert.Equal(t, 11300, r.Memcached.Port)
	assert.Equal(t, 4, r.Memcached.NumThreads)
	assert.Equal(t, "myapp:", r.Memcached.KeyPrefix)
}

func TestResolveMemcachedDefaults(t *testing.T) {
	doc := `
mode: ticket
ticket-store: memcached
memcached:
  host: cache.internal
`
	r, err := Resolve([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, defaultMemcachedPort, r.Memcached.Port)
	assert.Equal(t, defaultMemcachedThreads, r.Memcached.NumThreads)
	assert.Equal(t, defaultKeyPrefix, r.Memcached.KeyPrefix)
}

func TestResolveFailsWhenMemcachedSelectedWithoutHost(t *testing.T) {
	doc := `
mode: ticket
ticket-store: memcached
`
	_, err := Resolve([]byte(doc))
	assert.Error(t, err)
}

func TestResolveRejectsNonPositiveLifetime(t *testing.T) {
	doc := `
mode: ticket
ticket-store: internal
ticket-lifetime: -5
`
	_, err := Resolve([]byte(doc))
	assert.Error(t, err)
}

func TestResolveErrorIdentifiesNode(t *testing.T) {
	_, err := Resolve([]byte("mode: bogus\n"))
	require.Error(t, err)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "mode", cerr.Path)
	assert.Greater(t, cerr.Line, 0)
}
