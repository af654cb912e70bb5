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

// Command resumptiond wires the sessionresume package into a standalone
// process: it resolves a YAML configuration file, starts the configured
// ticket-key maintainer, and serves Prometheus metrics. It is a thin
// reference wiring, analogous to cmd/caddy's plug-in-and-go main; a real
// deployment embeds the sessionresume package directly alongside its own
// TLS listener instead of shelling out to this binary.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/caddyserver/resumption/sessionresume"
)

func main() {
	configPath := flag.String("config", "resumption.yaml", "path to the resumption configuration file")
	metricsAddr := flag.String("metrics-addr", ":2019", "address to serve Prometheus metrics on")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sessionresume.SetLogger(logger)

	data, err := os.ReadFile(*configPath)
	if err != nil {
		logger.Fatal("reading configuration", zap.String("path", *configPath), zap.Error(err))
	}
	cfg, err := sessionresume.Resolve(data)
	if err != nil {
		logger.Fatal("resolving configuration", zap.Error(err))
	}

	store := sessionresume.NewStore()
	maintainer, err := buildMaintainer(cfg, store)
	if err != nil {
		logger.Fatal("building ticket-key maintainer", zap.Error(err))
	}

	stop := make(chan struct{})
	if maintainer != nil {
		go maintainer.Run(stop)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(stop)
}

// buildMaintainer constructs the one maintainer strategy selected by cfg,
// or nil if ticket resumption is disabled (spec.md §9: exactly one
// variant runs per process).
func buildMaintainer(cfg *sessionresume.Resolved, store *sessionresume.Store) (sessionresume.Maintainer, error) {
	if !cfg.TicketEnabled {
		return nil, nil
	}

	switch cfg.TicketStore {
	case sessionresume.StoreInternal:
		return sessionresume.NewLocalMaintainer(store, cfg.TicketCipher, cfg.TicketHash, cfg.TicketLifetime), nil
	case sessionresume.StoreFile:
		return sessionresume.NewFileMaintainer(store, cfg.TicketFile), nil
	case sessionresume.StoreMemcached:
		return sessionresume.NewClusterMaintainer(
			store, cfg.TicketCipher, cfg.TicketHash, cfg.TicketLifetime,
			cfg.Memcached.Host, cfg.Memcached.Port, cfg.Memcached.NumThreads, cfg.Memcached.KeyPrefix,
		), nil
	default:
		return nil, nil
	}
}
