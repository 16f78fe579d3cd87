// Command dataflow wires the DataFlow engine's components — the ingress
// manager, router, output channels, WebSocket subscription proxy, and
// monitor — into a runnable process. Grounded on the teacher's
// cmd/cryptorun/main.go bootstrap style: zerolog console writer, a cobra
// root command, graceful shutdown on signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/cryptorun/internal/channel"
	"github.com/sawpanic/cryptorun/internal/config"
	"github.com/sawpanic/cryptorun/internal/events"
	"github.com/sawpanic/cryptorun/internal/idgen"
	"github.com/sawpanic/cryptorun/internal/manager"
	"github.com/sawpanic/cryptorun/internal/marketdata"
	"github.com/sawpanic/cryptorun/internal/metrics"
	"github.com/sawpanic/cryptorun/internal/monitor"
	"github.com/sawpanic/cryptorun/internal/pubsubclient"
	"github.com/sawpanic/cryptorun/internal/ringcache"
	"github.com/sawpanic/cryptorun/internal/router"
	"github.com/sawpanic/cryptorun/internal/wsproxy"
)

const (
	appName = "dataflow"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var redisAddr string
	var listenAddr string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "DataFlow engine: ingest, normalize, route, and fan out crypto market data",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the DataFlow engine and its WebSocket subscription proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(redisAddr, listenAddr)
		},
	}
	serveCmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address backing the pub/sub output channel")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8090", "HTTP listen address for the WebSocket subscription proxy")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("dataflow exited with error")
	}
}

// serve constructs every SPEC_FULL component, wires a fan-out-to-everything
// default routing rule, and blocks until SIGINT/SIGTERM triggers a graceful
// shutdown.
func serve(redisAddr, listenAddr string) error {
	runID := idgen.New()
	log.Info().Str("runId", runID).Msg("starting dataflow engine")

	cfg := config.Default()
	bus := events.NewBus()
	mgr := manager.New(cfg, bus)

	cache := ringcache.New(cfg.Ingress.MaxQueueSize, 5*time.Minute)
	mgr.RegisterChannel(channel.NewCacheChannel("cache", "local-cache", cache))

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	publisher := pubsubclient.NewRedisPublisher(redisClient)
	pubsubChannel := channel.NewPubSubChannel("pubsub", "redis-pubsub", "dataflow", publisher, "v1")
	batchedPubSub := channel.NewBatchChannel("pubsub-batched", "redis-pubsub-batched", pubsubChannel,
		cfg.Batching.BatchSize, cfg.Batching.FlushTimeout, cfg.Ingress.ProcessingTimeout)
	mgr.RegisterChannel(batchedPubSub)

	proxy := wsproxy.New(cfg.Proxy)
	mgr.RegisterChannel(channel.NewWebSocketChannel("ws", "subscription-proxy", proxy))

	mgr.AddRoutingRule(router.Rule{
		Name:           "fan-out-all",
		Priority:       0,
		Enabled:        true,
		Condition:      func(*marketdata.MarketData) bool { return true },
		TargetChannels: []string{"cache", "pubsub-batched", "ws"},
	})

	collectors := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	if err := collectors.Register(reg); err != nil {
		return fmt.Errorf("register collectors: %w", err)
	}
	mon := monitor.New(cfg.Monitoring, bus, collectors)

	httpRouter := mux.NewRouter()
	httpRouter.Handle("/ws", proxy)
	server := &http.Server{Addr: listenAddr, Handler: httpRouter}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)

	go func() {
		log.Info().Str("addr", listenAddr).Msg("websocket proxy listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("proxy http server failed")
		}
	}()

	sampleTicker := time.NewTicker(cfg.Monitoring.MetricsInterval)
	defer sampleTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sampleTicker.C:
				mon.Sample(mgr.Stats(), mgr.ChannelStatuses())
			}
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("proxy http server shutdown")
	}
	mgr.Stop(shutdownCtx)

	return nil
}
