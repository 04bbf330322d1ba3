/*
Copyright 2024 The CloudTik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command cloudtik-controller runs the head-node ClusterController: it
// resolves a cluster config, binds a NodeProvider, and ticks the control
// loop while serving health and metrics endpoints, grounded directly on
// the teacher's cmd/machine-controller wiring of oklog/run, healthcheck
// and promhttp.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	"github.com/cloudtik/cloudtik-go/pkg/config/resolver"
	"github.com/cloudtik/cloudtik-go/pkg/controller"
	ctlog "github.com/cloudtik/cloudtik-go/pkg/log"
	"github.com/cloudtik/cloudtik-go/pkg/metrics"
	"github.com/cloudtik/cloudtik-go/pkg/provider"
	_ "github.com/cloudtik/cloudtik-go/pkg/provider/fake"
	"github.com/cloudtik/cloudtik-go/pkg/version"
)

func main() {
	var (
		configPath    = pflag.String("config", "", "path to the cluster config YAML file")
		listenAddress = pflag.String("listen-address", "127.0.0.1:8085", "address the health/metrics HTTP server listens on")
		tickInterval  = pflag.Duration("tick-interval", 5*time.Second, "ClusterController tick interval")
		nodeStartWait = pflag.Duration("node-start-wait", 10*time.Minute, "deadline for a launched node to start answering SSH")
		cacheDir      = pflag.String("cache-dir", os.TempDir(), "directory ConfigResolver caches resolved configs under")
		clusterSecret = pflag.String("cluster-secret", "", "key used to encrypt the on-disk config cache")
		debug         = pflag.Bool("debug", false, "enable debug-level logging")
		jsonLogs      = pflag.Bool("json-logs", false, "log in JSON rather than console format")
		printVersion  = pflag.Bool("version", false, "print the version and exit")
	)
	pflag.Parse()

	if *printVersion {
		fmt.Println(version.Get().String())
		return
	}

	format := ctlog.FormatConsole
	if *jsonLogs {
		format = ctlog.FormatJSON
	}
	zapLogger, err := ctlog.New(*debug, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()
	log.Infow("starting cloudtik-controller", "version", version.Get().String())

	if *configPath == "" {
		log.Fatal("-config is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalw("failed to load cluster config", "error", err)
	}

	res := resolver.New(log, *cacheDir, *clusterSecret)
	resolved, err := res.Bootstrap(cfg, resolver.Options{})
	if err != nil {
		log.Fatalw("failed to bootstrap cluster config", "error", err)
	}

	nodeProvider, err := provider.ForProvider(resolved.Provider)
	if err != nil {
		log.Fatalw("failed to construct node provider", "error", err)
	}

	mc := metrics.NewMetricsCollection()
	registerer := prometheus.NewRegistry()
	mc.MustRegister(registerer)

	log.Infow("bootstrapped cluster config",
		"version", version.Get(version.WithCluster(resolved.ClusterName, resolved.Provider.Type)).String())

	ctrl := controller.New(resolved, nodeProvider, nil, mc, log, controller.Options{
		TickInterval:  *tickInterval,
		NodeStartWait: *nodeStartWait,
		AssignSeqIDs:  true,
	})

	ctx, ctxDone := context.WithCancel(context.Background())

	var g run.Group
	{
		srv := newHTTPServer(*listenAddress, registerer)
		g.Add(func() error {
			return srv.ListenAndServe()
		}, func(err error) {
			log.Warnw("shutting down HTTP server", "error", err)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Errorw("failed to shut down HTTP server cleanly", "error", err)
			}
		})
	}
	{
		g.Add(func() error {
			return ctrl.Run(ctx)
		}, func(error) {
			ctxDone()
		})
	}
	{
		g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	}

	log.Infow("cloudtik-controller stopped", "reason", g.Run())
}

func loadConfig(path string) (*config.ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg config.ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func newHTTPServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	health := healthcheck.NewHandler()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/live", http.HandlerFunc(health.LiveEndpoint))
	mux.Handle("/ready", http.HandlerFunc(health.ReadyEndpoint))

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
