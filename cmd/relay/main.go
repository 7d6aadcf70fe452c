/*
Package main is the relay's process entry point: load config, start the
logger, wire the Registry/Balancer/Cache/Monitor/Dispatcher, serve HTTP,
and shut down gracefully. Wiring order: config -> logger -> components ->
HTTP server -> graceful shutdown, with per-component config.Subscribe
callbacks applying hot reloads.
*/
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/scerb/rpc-relay/internal/balancer"
	"github.com/scerb/rpc-relay/internal/cache"
	"github.com/scerb/rpc-relay/internal/config"
	"github.com/scerb/rpc-relay/internal/dispatcher"
	"github.com/scerb/rpc-relay/internal/healthmon"
	"github.com/scerb/rpc-relay/internal/metrics"
	"github.com/scerb/rpc-relay/internal/prettylog"
	"github.com/scerb/rpc-relay/internal/ratelimiter"
	"github.com/scerb/rpc-relay/internal/registry"
	"github.com/scerb/rpc-relay/internal/relayhttp"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config")
}

func main() {
	flag.Parse()

	store, err := config.NewStore(configPath)
	if err != nil {
		log.Fatal("config init error: ", err.Error())
	}
	snap := store.Current()

	prettylog.InitLogger(snap.LogLevel)
	slog.Info("config initialized")
	slog.Info("logger initialized", slog.String("level", snap.LogLevel))
	slog.Info("relay starting")

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	var appWg sync.WaitGroup

	reg := registry.New(snap)
	bal := balancer.New(reg, snap)
	ttlCache := cache.New()
	collectors := metrics.New()
	outbound := relayhttp.NewClient(snap.MaxIdleConns, maxConnsPerHost(snap))

	mon := healthmon.New(reg, snap)
	mon.Start(appCtx)

	disp := dispatcher.New(store, reg, bal, ttlCache, outbound, collectors)

	rl := setupRateLimiter(appCtx, snap, &appWg)

	store.Subscribe(func(newSnap *config.Snapshot) {
		slog.Info("relay: config reloaded, rebuilding registry and balancer")
		reg.ReloadFrom(newSnap)
		bal.UpdateThreshold(newSnap)

		// Stop the monitor's current tick loop before changing its
		// parameters, then restart it, rather than racing a live loop
		// against UpdateConfig.
		mon.Stop()
		mon.UpdateConfig(newSnap)
		mon.Start(appCtx)

		rl.UpdateConfig(newSnap.RateLimiter.DefaultCapacity, newSnap.RateLimiter.DefaultRate, overrideMap(newSnap))
	})

	appWg.Add(1)
	go func() {
		defer appWg.Done()
		store.Ticker(appCtx.Done(), 5*time.Second)
	}()
	appWg.Add(1)
	go func() {
		defer appWg.Done()
		store.Watch(appCtx.Done())
	}()
	appWg.Add(1)
	go func() {
		defer appWg.Done()
		collectors.RunRefresher(appCtx, reg, snap.MonitorInterval)
	}()

	handler := relayhttp.NewHandler(disp)

	mux := http.NewServeMux()
	mux.Handle("/", ratelimiter.Middleware(rl, handler))
	mux.Handle("/metrics", collectors.Handler())

	srv := &http.Server{
		Addr:    snap.Host + ":" + snap.Port,
		Handler: mux,
	}

	serveErr := relayhttp.Run(appCtx, appCancel, srv)

	mon.Stop()
	rl.StopCleanup()
	appWg.Wait()
	if serveErr != nil {
		slog.Error("relay stopped after server failure", slog.String("error", serveErr.Error()))
		os.Exit(1)
	}
	slog.Info("relay stopped cleanly")
}

// maxConnsPerHost derives a per-host connection cap from the busiest
// endpoint's max_tps, clamped between 8 and the global idle-conn budget.
func maxConnsPerHost(snap *config.Snapshot) int {
	best := 0
	for _, ep := range snap.Endpoints {
		if ep.MaxTPS > best {
			best = ep.MaxTPS
		}
	}
	if best < 8 {
		best = 8
	}
	if snap.MaxIdleConns > 0 && best > snap.MaxIdleConns {
		best = snap.MaxIdleConns
	}
	return best
}

func overrideMap(snap *config.Snapshot) map[string]ratelimiter.ClientConfig {
	m := make(map[string]ratelimiter.ClientConfig, len(snap.RateLimiter.ClientOverrides))
	for _, o := range snap.RateLimiter.ClientOverrides {
		m[o.ClientID] = ratelimiter.ClientConfig{Capacity: o.Capacity, Rate: o.Rate}
	}
	return m
}

func setupRateLimiter(appCtx context.Context, snap *config.Snapshot, appWg *sync.WaitGroup) *ratelimiter.Limiter {
	rl := ratelimiter.NewLimiter(snap.RateLimiter.DefaultCapacity, snap.RateLimiter.DefaultRate, overrideMap(snap))

	appWg.Add(1)
	go func() {
		defer appWg.Done()
		rl.StartCleanup(appCtx, 3*time.Minute, 5*time.Minute)
	}()

	slog.Info("rate limiter initialized and cleanup process started")
	return rl
}
