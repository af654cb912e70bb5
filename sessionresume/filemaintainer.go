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
	"os"
	"time"

	"go.uber.org/zap"
)

// fileMaintainerPollInterval is how often the file rotator stats its
// ticket-key file (spec.md §4.E: "Polls every 10 seconds").
const fileMaintainerPollInterval = 10 * time.Second

// neverLoadedMtime is the sentinel last_mtime value meaning "never loaded
// successfully", distinct from 0 which means "last stat attempt failed"
// (spec.md §4.E).
const neverLoadedMtime = int64(-1)

var _ Maintainer = (*FileMaintainer)(nil)

// FileMaintainer reconciles the store against an operator-managed YAML
// file (spec.md §4.E). It never mints keys itself; an external process
// (or a human) maintains the file, and this maintainer just watches it.
type FileMaintainer struct {
	Store *Store
	Path  string

	lastMtime int64
}

// NewFileMaintainer returns a file rotator watching path.
func NewFileMaintainer(store *Store, path string) *FileMaintainer {
	return &FileMaintainer{Store: store, Path: path, lastMtime: neverLoadedMtime}
}

// Run implements Maintainer, polling fileMaintainerPollInterval the way
// caddytls/maintain.go's maintainAssets polls on a ticker.
func (m *FileMaintainer) Run(stop <-chan struct{}) {
	for {
		m.tick()

		select {
		case <-stop:
			return
		case <-time.After(fileMaintainerPollInterval):
		}
	}
}

// tick runs one reconciliation pass (spec.md §4.E).
func (m *FileMaintainer) tick() {
	fi, err := os.Stat(m.Path)
	if err != nil {
		if m.lastMtime != 0 {
			Log().Error("file maintainer: stat failed", zap.String("path", m.Path), zap.Error(err))
		}
		m.lastMtime = 0
		return
	}

	mtime := fi.ModTime().UnixNano()
	if mtime == m.lastMtime {
		return
	}

	data, err := os.ReadFile(m.Path)
	if err != nil {
		Log().Error("file maintainer: read failed", zap.String("path", m.Path), zap.Error(err))
		return
	}

	tickets, err := ParseTickets(data)
	if err != nil {
		Log().Error("file maintainer: parse failed", zap.String("path", m.Path), zap.Error(err))
		return
	}

	old := m.Store.Swap(tickets)
	DestroyAll(old)
	m.lastMtime = mtime
	Log().Info("file maintainer: loaded ticket keys",
		zap.String("path", m.Path), zap.Int("count", len(tickets)))
}
