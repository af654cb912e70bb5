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
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which resumption subsystems are active (spec.md §4.H).
type Mode string

const (
	ModeOff    Mode = "off"
	ModeAll    Mode = "all"
	ModeCache  Mode = "cache"
	ModeTicket Mode = "ticket"
)

// StoreKind selects the backend for one subsystem (spec.md §4.H).
type StoreKind string

const (
	StoreInternal  StoreKind = "internal"
	StoreMemcached StoreKind = "memcached"
	StoreFile      StoreKind = "file"
)

// defaultMemcachedPort, defaultMemcachedThreads, and defaultKeyPrefix are
// the memcached sub-mapping's defaults (spec.md §4.H).
const (
	defaultMemcachedPort    = 11211
	defaultMemcachedThreads = 1
	defaultKeyPrefix        = ":h2o:ssl-resumption:"
)

// ConfigError reports a configuration diagnostic tagged with the
// offending YAML node's location, the way ParseError tags a ticket
// document element (spec.md §4.H: "every diagnostic identifies the
// offending YAML node").
type ConfigError struct {
	Path   string
	Reason string
	Line   int
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("config %s (line %d): %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Reason)
}

// Resolved is the fully validated, defaulted configuration produced by
// Resolve, ready to drive maintainer and cache-glue construction.
type Resolved struct {
	CacheEnabled  bool
	CacheStore    StoreKind
	CacheLifetime time.Duration

	TicketEnabled  bool
	TicketStore    StoreKind
	TicketCipher   Cipher
	TicketHash     Hash
	TicketLifetime time.Duration
	TicketFile     string

	Memcached MemcachedConfig
}

// Resolve parses and validates a YAML configuration mapping per
// spec.md §4.H, returning diagnostics tagged with the failing node.
func Resolve(data []byte) (*Resolved, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Path: "$", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if len(root.Content) == 0 {
		return nil, &ConfigError{Path: "$", Reason: "empty configuration"}
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, &ConfigError{Path: "$", Reason: "root must be a mapping", Line: top.Line}
	}
	m := mappingFields(top)

	modeNode, ok := m["mode"]
	if !ok {
		return nil, &ConfigError{Path: "mode", Reason: "mandatory attribute is missing", Line: top.Line}
	}
	mode := Mode(modeNode.Value)
	switch mode {
	case ModeOff, ModeAll, ModeCache, ModeTicket:
	default:
		return nil, &ConfigError{Path: "mode", Reason: fmt.Sprintf("must be one of off, all, cache, ticket, got %q", modeNode.Value), Line: modeNode.Line}
	}

	r := &Resolved{
		CacheEnabled:   mode == ModeAll || mode == ModeCache,
		TicketEnabled:  mode == ModeAll || mode == ModeTicket,
		CacheLifetime:  time.Hour,
		TicketCipher:   CipherAES256CBC,
		TicketHash:     HashSHA256,
		TicketLifetime: time.Hour,
		Memcached: MemcachedConfig{
			Port:       defaultMemcachedPort,
			NumThreads: defaultMemcachedThreads,
			KeyPrefix:  defaultKeyPrefix,
		},
	}

	usesMemcached := false

	if r.CacheEnabled {
		storeNode, ok := m["cache-store"]
		if !ok {
			return nil, &ConfigError{Path: "cache-store", Reason: "required when cache resumption is enabled", Line: top.Line}
		}
		r.CacheStore = StoreKind(storeNode.Value)
		switch r.CacheStore {
		case StoreInternal, StoreMemcached:
		default:
			return nil, &ConfigError{Path: "cache-store", Reason: fmt.Sprintf("must be internal or memcached, got %q", storeNode.Value), Line: storeNode.Line}
		}
		if r.CacheStore == StoreMemcached {
			usesMemcached = true
		}

		if lifetimeNode, ok := m["cache-lifetime"]; ok {
			secs, err := parsePositiveInt(lifetimeNode)
			if err != nil {
				return nil, &ConfigError{Path: "cache-lifetime", Reason: err.Error(), Line: lifetimeNode.Line}
			}
			if r.CacheStore == StoreInternal {
				Log().Warn("cache-lifetime has no effect with cache-store: internal")
			}
			r.CacheLifetime = time.Duration(secs) * time.Second
		}
	}

	if r.TicketEnabled {
		storeNode, ok := m["ticket-store"]
		if !ok {
			return nil, &ConfigError{Path: "ticket-store", Reason: "required when ticket resumption is enabled", Line: top.Line}
		}
		r.TicketStore = StoreKind(storeNode.Value)
		switch r.TicketStore {
		case StoreInternal, StoreMemcached, StoreFile:
		default:
			return nil, &ConfigError{Path: "ticket-store", Reason: fmt.Sprintf("must be internal, memcached, or file, got %q", storeNode.Value), Line: storeNode.Line}
		}
		if r.TicketStore == StoreMemcached {
			usesMemcached = true
		}

		if cipherNode, ok := m["ticket-cipher"]; ok {
			if r.TicketStore == StoreFile {
				Log().Warn("ticket-cipher has no effect with ticket-store: file")
			}
			r.TicketCipher = Cipher(cipherNode.Value)
			if _, ok := r.TicketCipher.KeyLen(); !ok {
				return nil, &ConfigError{Path: "ticket-cipher", Reason: fmt.Sprintf("unknown cipher %q", cipherNode.Value), Line: cipherNode.Line}
			}
		}
		if hashNode, ok := m["ticket-hash"]; ok {
			if r.TicketStore == StoreFile {
				Log().Warn("ticket-hash has no effect with ticket-store: file")
			}
			r.TicketHash = Hash(hashNode.Value)
			if _, ok := r.TicketHash.BlockSize(); !ok {
				return nil, &ConfigError{Path: "ticket-hash", Reason: fmt.Sprintf("unknown hash %q", hashNode.Value), Line: hashNode.Line}
			}
		}
		if lifetimeNode, ok := m["ticket-lifetime"]; ok {
			secs, err := parsePositiveInt(lifetimeNode)
			if err != nil {
				return nil, &ConfigError{Path: "ticket-lifetime", Reason: err.Error(), Line: lifetimeNode.Line}
			}
			r.TicketLifetime = time.Duration(secs) * time.Second
		}

		fileNode, hasFile := m["ticket-file"]
		if r.TicketStore == StoreFile {
			if !hasFile {
				return nil, &ConfigError{Path: "ticket-file", Reason: "required when ticket-store: file", Line: top.Line}
			}
			r.TicketFile = fileNode.Value
		} else if hasFile {
			return nil, &ConfigError{Path: "ticket-file", Reason: "only valid when ticket-store: file", Line: fileNode.Line}
		}
	}

	if memNode, ok := m["memcached"]; ok {
		if memNode.Kind != yaml.MappingNode {
			return nil, &ConfigError{Path: "memcached", Reason: "must be a mapping", Line: memNode.Line}
		}
		mm := mappingFields(memNode)

		if hostNode, ok := mm["host"]; ok {
			r.Memcached.Host = hostNode.Value
		}
		if portNode, ok := mm["port"]; ok {
			port, err := parsePositiveInt(portNode)
			if err != nil {
				return nil, &ConfigError{Path: "memcached.port", Reason: err.Error(), Line: portNode.Line}
			}
			r.Memcached.Port = port
		}
		if threadsNode, ok := mm["num-threads"]; ok {
			n, err := parsePositiveInt(threadsNode)
			if err != nil {
				return nil, &ConfigError{Path: "memcached.num-threads", Reason: err.Error(), Line: threadsNode.Line}
			}
			r.Memcached.NumThreads = n
		}
		if prefixNode, ok := mm["prefix"]; ok {
			r.Memcached.KeyPrefix = prefixNode.Value
		}
	}

	if usesMemcached && r.Memcached.Host == "" {
		return nil, &ConfigError{Path: "memcached.host", Reason: "required because a subsystem selected memcached", Line: top.Line}
	}
	r.Memcached.CacheTTL = int(r.CacheLifetime / time.Second)
	r.Memcached.TicketTTL = int(r.TicketLifetime / time.Second)

	return r, nil
}

// mappingFields flattens a YAML mapping node into a map from key to value
// node, the way codec.go's parseOneTicket does for ticket elements.
func mappingFields(node *yaml.Node) map[string]*yaml.Node {
	out := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out[node.Content[i].Value] = node.Content[i+1]
	}
	return out
}

func parsePositiveInt(node *yaml.Node) (int, error) {
	n, err := strconv.Atoi(node.Value)
	if err != nil {
		return 0, fmt.Errorf("must be an integer, got %q", node.Value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}
