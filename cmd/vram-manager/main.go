// Copyright The VRAM Manager Authors. All Rights Reserved.
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

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scott4165/vram-manager/pkg/healthz"
	logger "github.com/scott4165/vram-manager/pkg/log"
	"github.com/scott4165/vram-manager/pkg/vram"
)

var (
	log = logger.Default()
)

func main() {
	var (
		configFile = flag.String("config", "",
			"manager configuration file (YAML)")
		address = flag.String("address", ":8891",
			"HTTP address for metrics and diagnostics")
		fastBase = flag.Uint64("fast-tier-base", 0,
			"bus address of the fast tier, overrides the configuration file")
		fastSize = flag.Int64("fast-tier-size", 0,
			"fast tier capacity in bytes, overrides the configuration file")
		resource = flag.String("vram-resource", "",
			"device resource file backing the fast tier (shadowed by anonymous memory if empty)")
		strict = flag.Bool("strict-checks", false,
			"panic on caller-misuse diagnostics")
		debug = flag.String("debug", "",
			"debug logging spec, e.g. 'vram,libregion' or 'all'")
	)
	flag.Parse()

	if *debug != "" {
		if err := logger.SetDebugFlags(*debug); err != nil {
			log.Fatal("invalid -debug spec %q: %v", *debug, err)
		}
	}

	cfg := &vram.Config{}
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatal("failed to read configuration file: %v", err)
		}
		cfg, err = vram.ParseConfig(data)
		if err != nil {
			log.Fatal("failed to parse configuration: %v", err)
		}
	}
	if *fastBase != 0 {
		cfg.FastTierBase = *fastBase
	}
	if *fastSize != 0 {
		cfg.FastTierSize = *fastSize
	}
	if *strict {
		cfg.StrictChecks = true
	}

	var options []vram.Option
	if *resource != "" {
		f, err := os.OpenFile(*resource, os.O_RDWR|os.O_SYNC, 0)
		if err != nil {
			log.Fatal("failed to open VRAM resource %q: %v", *resource, err)
		}
		defer f.Close()
		options = append(options, vram.WithVRAMResource(f))
	}

	m, err := vram.Init(cfg, options...)
	if err != nil {
		log.Fatal("failed to initialize device memory manager: %v", err)
	}
	defer vram.Release()

	registry := prometheus.NewRegistry()
	if err := registry.Register(m.Collector()); err != nil {
		log.Fatal("failed to register metrics collector: %v", err)
	}

	healthz.RegisterHealthChecker("vram", func() (healthz.Status, error) {
		if vram.Instance() == nil {
			return healthz.NonFunctional, fmt.Errorf("manager not initialized")
		}
		return healthz.Healthy, nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/allocations", func(w http.ResponseWriter, req *http.Request) {
		m.DumpState()
		for _, info := range m.FastTierExtents() {
			fmt.Fprintln(w, info)
		}
	})
	healthz.Setup(mux)

	srv := &http.Server{Addr: *address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed: %v", err)
		}
	}()

	log.Info("serving metrics and diagnostics on %s", *address)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info("shutting down...")
	srv.Close()
}
