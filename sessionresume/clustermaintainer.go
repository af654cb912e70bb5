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
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"
)

// clusterDisconnectedRetry is how long the cluster rotator waits between
// connection attempts while disconnected (spec.md §4.F).
const clusterDisconnectedRetry = 10 * time.Second

// clusterReconcileInterval is how long the cluster rotator waits between
// reconcile passes once a round returns "not retry" (spec.md §4.F).
const clusterReconcileInterval = 60 * time.Second

// clusterNotBeforeSkew is the offset applied to a newly minted key's
// not_before when a currently-valid key already exists in the shared
// document, preventing the new key from immediately supplanting a still-
// usable peer key during staggered fleet rotation (spec.md §4.F, open
// question b — the value is preserved verbatim from the source; an
// operator should validate it against their fleet's clock-skew tolerance,
// per spec.md §9).
const clusterNotBeforeSkew = 60 * time.Second

var _ Maintainer = (*ClusterMaintainer)(nil)

// ClusterMaintainer coordinates ticket-key rotation across a fleet via
// CAS rounds against a shared memcached-protocol cache, generalizing the
// connect-retry-with-backoff shape of caddytls/filestoragesync.go's
// file-lock coordination to a networked CAS round (spec.md §4.F).
type ClusterMaintainer struct {
	Store      *Store
	Cipher     Cipher
	Mac        Hash
	Lifetime   time.Duration
	Host       string
	Port       int
	NumThreads int
	KeyPrefix  string

	// dial is overridable in tests; it defaults to NewMemcachedClient.
	dial func(host string, port, numThreads int) (CacheClient, error)

	client           CacheClient
	loggedDisconnect bool
}

// NewClusterMaintainer returns a cluster rotator coordinating against the
// memcached instance at host:port.
func NewClusterMaintainer(store *Store, cipher Cipher, mac Hash, lifetime time.Duration, host string, port, numThreads int, keyPrefix string) *ClusterMaintainer {
	return &ClusterMaintainer{
		Store:      store,
		Cipher:     cipher,
		Mac:        mac,
		Lifetime:   lifetime,
		Host:       host,
		Port:       port,
		NumThreads: numThreads,
		KeyPrefix:  keyPrefix,
		dial: func(host string, port, numThreads int) (CacheClient, error) {
			return NewMemcachedClient(host, port, numThreads)
		},
	}
}

// Run implements Maintainer: the Disconnected/Connected state machine of
// spec.md §4.F. Dialing a memcached client is not itself a network round
// trip (memcache.New only validates its argument), so the only reliable
// signal of a down or unreachable cache is a failing reconcile; both dial
// failures and reconcile failures therefore fall through to the same
// clusterDisconnectedRetry backoff before the next attempt, so a down
// cache is retried on a 10-second schedule rather than busy-looping
// (spec.md §4.F: "On failure, log once, sleep 10 s, retry"; §7: transient
// I/O is "retried on schedule").
func (m *ClusterMaintainer) Run(stop <-chan struct{}) {
	for {
		if m.client == nil {
			c, err := m.dial(m.Host, m.Port, m.NumThreads)
			if err != nil {
				if !m.loggedDisconnect {
					Log().Error("cluster maintainer: connect failed", zap.String("host", m.Host), zap.Error(err))
					m.loggedDisconnect = true
				}
				if sleepOrStop(clusterDisconnectedRetry, stop) {
					return
				}
				continue
			}
			m.client = c
		}

		retry, err := m.reconcile(time.Now().Unix())
		if err != nil {
			if !m.loggedDisconnect {
				Log().Error("cluster maintainer: reconcile failed, disconnecting", zap.String("host", m.Host), zap.Error(err))
				m.loggedDisconnect = true
			}
			m.client = nil
			if sleepOrStop(clusterDisconnectedRetry, stop) {
				return
			}
			continue
		}

		if m.loggedDisconnect {
			Log().Info("cluster maintainer: reconnected", zap.String("host", m.Host))
			m.loggedDisconnect = false
		}

		if retry {
			continue
		}

		if sleepOrStop(clusterReconcileInterval, stop) {
			return
		}
	}
}

// sleepOrStop waits for d or for stop to close, whichever comes first,
// reporting whether stop fired.
func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-time.After(d):
		return false
	}
}

// reconcile runs one CAS round against the shared cache (spec.md §4.F).
// It returns retry=true when the caller should immediately reconcile
// again (every path except "installed the fetched sequence because
// rotation isn't due yet"), and a non-nil error only for conditions that
// require disconnecting (protocol error, parse failure, or a GET that
// can't be made sense of).
func (m *ClusterMaintainer) reconcile(now int64) (retry bool, err error) {
	key := ticketKeysCacheKey(m.KeyPrefix)

	item, getErr := m.client.Get(key)
	var fetched []*Ticket
	found := getErr == nil
	if getErr != nil && !errors.Is(getErr, memcache.ErrCacheMiss) {
		return false, fmt.Errorf("sessionresume: cluster GET: %w", getErr)
	}
	if found {
		fetched, err = ParseTickets(item.Value)
		if err != nil {
			return false, fmt.Errorf("sessionresume: cluster document parse: %w", err)
		}
	}

	valid := findEncryptionEligible(fetched, now)
	hasValid := valid != nil
	if hasValid && valid.NotBefore+int64(m.Lifetime/4/time.Second) >= now {
		old := m.Store.Swap(fetched)
		DestroyAll(old)
		return false, nil
	}

	// Rotation due: mint a new key and attempt to win the CAS race.
	notBefore := now
	if hasValid {
		notBefore = now + int64(clusterNotBeforeSkew/time.Second)
	}
	k, err := NewTicket(m.Cipher, m.Mac, notBefore, notBefore+int64(m.Lifetime/time.Second), true)
	if err != nil {
		return false, fmt.Errorf("sessionresume: cluster minting ticket key: %w", err)
	}

	next := make([]*Ticket, 0, len(fetched)+1)
	next = append(next, k)
	next = append(next, fetched...)
	sortTickets(next)

	serialized, err := MarshalTickets(next)
	if err != nil {
		DestroyAll(next)
		return false, fmt.Errorf("sessionresume: cluster serializing document: %w", err)
	}

	newItem := &memcache.Item{
		Key:        key,
		Value:      serialized,
		Expiration: int32(m.Lifetime / time.Second),
	}

	var writeErr error
	if !found {
		writeErr = m.client.Add(newItem)
	} else {
		newItem.CasID = item.CasID
		writeErr = m.client.CompareAndSwap(newItem)
	}
	// The write's success or failure is not consulted here: a loss just
	// means another node won the race, and the next reconcile re-reads
	// the authoritative state (spec.md §4.F, §7).
	if writeErr == nil {
		resumptionMetrics.clusterCASWins.Inc()
		resumptionMetrics.keysMinted.WithLabelValues("cluster").Inc()
	} else {
		resumptionMetrics.clusterCASLosses.Inc()
	}
	// Neither the minted key nor the fetched ones were installed locally.
	DestroyAll(next)

	return true, nil
}
