package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/grpc/health"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/internal/api"
	"github.com/signalsfoundry/satellite-globe/internal/config"
	"github.com/signalsfoundry/satellite-globe/internal/logging"
	"github.com/signalsfoundry/satellite-globe/internal/observability"
	"github.com/signalsfoundry/satellite-globe/internal/session"
	"github.com/signalsfoundry/satellite-globe/internal/source"
	"github.com/signalsfoundry/satellite-globe/internal/store"
	"github.com/signalsfoundry/satellite-globe/timectrl"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML/TOML/JSON config file")
	flag.String("source", "./all.txt", "Path or http(s) URL of the three-line element-set text")
	flag.String("http-addr", ":8080", "HTTP address for the globe API")
	flag.String("grpc-addr", ":50051", "TCP address for the gRPC health service (empty disables)")
	flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.String("store", "", "SQLite file archiving every load (empty disables)")
	flag.Duration("refresh", 0, "Recompute positions at this interval (0 disables)")
	flag.Parse()

	v := config.New()
	bindFlags(v)

	bootLog := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load(v, *configPath)
	if err != nil {
		bootLog.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	collector, err := observability.NewGlobeCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	opts := []session.Option{session.WithMetricsRecorder(collector)}
	deriver := core.NewPositionDeriver(nil, collector)
	builder := core.NewTrackBuilder(deriver)
	builder.Step = cfg.Track.Step
	builder.Steps = cfg.Track.Steps
	builder.Workers = cfg.Track.Workers
	opts = append(opts, session.WithPositionDeriver(deriver), session.WithTrackBuilder(builder))

	if cfg.StorePath != "" {
		archive, err := store.Open(cfg.StorePath)
		if err != nil {
			log.Error(ctx, "failed to open load archive", logging.String("path", cfg.StorePath), logging.Err(err))
			os.Exit(1)
		}
		defer archive.Close()
		opts = append(opts, session.WithArchive(archive))
	}

	sess := session.New(cfg.Source, source.NewResource(cfg.CacheDir), log, opts...)

	proxies, err := api.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.Error(ctx, "invalid http.trusted_proxies", logging.Err(err))
		os.Exit(1)
	}
	apiSrv := api.NewServer(sess, log,
		api.WithCollector(collector),
		api.WithTrackRateLimit(cfg.Track.RatePerMinute, cfg.Track.Burst),
		api.WithTrustedProxies(proxies),
	)
	defer apiSrv.Close()
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "HTTP server exited", logging.Err(err))
			os.Exit(1)
		}
	}()
	log.Info(ctx, "serving globe API", logging.String("addr", cfg.HTTPAddr))

	grpcSrv, hs := api.NewGRPCServer(log, collector)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddr), logging.Err(err))
			os.Exit(1)
		}
		log.Info(ctx, "starting gRPC health server", logging.String("addr", cfg.GRPCAddr))
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go load(stopCtx, sess, hs, cfg.RefreshInterval, log)

	<-stopCtx.Done()
	log.Info(ctx, "shutting down globe server")

	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(shutdownCtx, shutdownTracing, log)
}

// load runs the one-shot load, reports health, and then keeps positions
// current when a refresh interval is configured.
func load(ctx context.Context, sess *session.Session, hs *health.Server, refresh time.Duration, log logging.Logger) {
	_, err := sess.Load(ctx)
	api.SyncHealth(hs, sess.State())
	if err != nil {
		// The server stays up in the failed state so clients can see why.
		return
	}
	if refresh <= 0 {
		return
	}

	tc := timectrl.NewTimeController(nil, refresh)
	tc.AddListener(func(ctx context.Context, now time.Time) {
		if _, err := sess.Refresh(ctx, now); err != nil && ctx.Err() == nil {
			log.Warn(ctx, "position refresh failed", logging.Err(err))
		}
	})
	<-tc.Run(ctx)
}

// bindFlags copies explicitly set flags over config file and environment
// values.
func bindFlags(v *viper.Viper) {
	keys := map[string]string{
		"source":       "source",
		"http-addr":    "http_addr",
		"grpc-addr":    "grpc_addr",
		"metrics-addr": "metrics_addr",
		"store":        "store.path",
		"refresh":      "refresh_interval",
	}
	flag.Visit(func(f *flag.Flag) {
		if key, ok := keys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
}

func serveMetrics(addr string, collector *observability.GlobeCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
