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
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Maintainer is the sealed set of ticket-key maintainer strategies
// spec.md §9's design notes call for: exactly one variant runs per
// process, chosen at startup by the configuration resolver (component H).
type Maintainer interface {
	// Run blocks, maintaining the store for the lifetime of the process.
	// It returns only when stop is closed (spec.md §5: maintainers have
	// no required graceful shutdown protocol, but Run accepts one for
	// tests and for embedders that want it).
	Run(stop <-chan struct{})
}

var _ Maintainer = (*LocalMaintainer)(nil)

// localRotateInterval is the base sleep between local-rotator ticks
// (spec.md §4.D: "Sleep 120 seconds minus a small jitter").
const localRotateInterval = 120 * time.Second

// localJitterMax is the upper bound (exclusive) of the jitter subtracted
// from localRotateInterval, drawn from a non-crypto PRNG to stagger
// rotations among processes (spec.md §4.D).
const localJitterMax = 6 * time.Second

// LocalMaintainer is the purely local rotator (spec.md §4.D): it mints
// new keys on a lifetime/4 cadence and prunes expired ones, with no
// coordination with any other process. It generalizes
// caddytls/crypto.go's standaloneTLSTicketKeyRotation, replacing that
// function's fixed-size [32]byte ring buffer with the ordered Store.
type LocalMaintainer struct {
	Store    *Store
	Cipher   Cipher
	Mac      Hash
	Lifetime time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewLocalMaintainer returns a local rotator minting keys with the given
// cipher, MAC, and lifetime.
func NewLocalMaintainer(store *Store, cipher Cipher, mac Hash, lifetime time.Duration) *LocalMaintainer {
	return &LocalMaintainer{
		Store:    store,
		Cipher:   cipher,
		Mac:      mac,
		Lifetime: lifetime,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run implements Maintainer. It loops tick-sleep-tick until stop is
// closed, the way caddytls/maintain.go's maintainAssets loops on tickers
// inside a select guarded by a stop channel.
func (m *LocalMaintainer) Run(stop <-chan struct{}) {
	for {
		m.tick(time.Now().Unix())

		select {
		case <-stop:
			return
		case <-time.After(m.jitteredInterval()):
		}
	}
}

func (m *LocalMaintainer) jitteredInterval() time.Duration {
	m.rngMu.Lock()
	jitter := time.Duration(m.rng.Int63n(int64(localJitterMax)))
	m.rngMu.Unlock()
	return localRotateInterval - jitter
}

// tick runs one maintenance cycle at the given time: mint a new key if
// the newest is stale, then prune expired keys one at a time
// (spec.md §4.D steps 1-3).
func (m *LocalMaintainer) tick(now int64) {
	var newestNotBefore int64
	var oldestNotAfter int64
	empty := true

	m.Store.Read(func(tickets []*Ticket) {
		if len(tickets) == 0 {
			return
		}
		empty = false
		newestNotBefore = tickets[0].NotBefore
		oldestNotAfter = tickets[len(tickets)-1].NotAfter
	})

	if empty || newestNotBefore+int64(m.Lifetime/4/time.Second) <= now {
		k, err := NewTicket(m.Cipher, m.Mac, now, now+int64(m.Lifetime/time.Second)-1, true)
		if err != nil {
			Log().Error("local maintainer: minting ticket key", zap.Error(err))
		} else {
			m.Store.InsertFront(k)
			resumptionMetrics.keysMinted.WithLabelValues("local").Inc()
		}
	}

	if !empty && oldestNotAfter < now {
		for {
			popped, ok := m.Store.PopBackIfExpired(now)
			if !ok {
				break
			}
			popped.Destroy()
			resumptionMetrics.keysExpired.WithLabelValues("local").Inc()
		}
	}
}
