package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/psantana5/ffmpeg-egress/internal/ffmpeg"
	"github.com/psantana5/ffmpeg-egress/pkg/api"
	"github.com/psantana5/ffmpeg-egress/pkg/auth"
	"github.com/psantana5/ffmpeg-egress/pkg/config"
	"github.com/psantana5/ffmpeg-egress/pkg/egress"
	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/metrics"
	"github.com/psantana5/ffmpeg-egress/pkg/output"
	"github.com/psantana5/ffmpeg-egress/pkg/profiling"
	"github.com/psantana5/ffmpeg-egress/pkg/ratelimit"
	"github.com/psantana5/ffmpeg-egress/pkg/resources"
	"github.com/psantana5/ffmpeg-egress/pkg/rpc"
	"github.com/psantana5/ffmpeg-egress/pkg/service"
	"github.com/psantana5/ffmpeg-egress/pkg/shutdown"
	"github.com/psantana5/ffmpeg-egress/pkg/store"
	tlsutil "github.com/psantana5/ffmpeg-egress/pkg/tls"
	"github.com/psantana5/ffmpeg-egress/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("EGRESS_CONFIG"), "Path to the YAML configuration file")
	generateCert := flag.Bool("generate-cert", false, "Write a self-signed certificate to server.tls.cert_file/key_file and exit")
	certHosts := flag.String("cert-hosts", "", "Comma-separated hostnames or IPs to add to the generated certificate")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("egress", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.WithComponent(logger, cfg.Log.Component)

	if *generateCert {
		var hosts []string
		for _, h := range strings.Split(*certHosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		tlsCfg := cfg.Server.TLS
		if err := tlsutil.GenerateSelfSignedCert(tlsCfg.CertFile, tlsCfg.KeyFile, "egress", append(tlsCfg.Hosts, hosts...)...); err != nil {
			log.WithError(err).Fatal("Failed to generate certificate")
		}
		log.WithFields(logrus.Fields{"cert": tlsCfg.CertFile, "key": tlsCfg.KeyFile}).Info("Certificate generated")
		return
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Egress server stopped with error")
	}
	log.Info("Egress server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	log.WithFields(logrus.Fields{
		"version":   version,
		"store":     cfg.Store.Type,
		"rooms":     cfg.Rooms.Directory,
		"http_port": cfg.Server.HTTPPort,
		"grpc_port": cfg.Server.GRPCPort,
	}).Info("Starting egress server")

	stopper := shutdown.New(cfg.Server.ShutdownTimeout, log)

	profiler, err := profiling.Start(cfg.Profiling, log)
	if err != nil {
		log.WithError(err).Warn("Failed to start profiler, continuing without it")
	}
	stopper.Register("profiling", shutdown.CloseResource(profiler))

	tracer, err := tracing.Init(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	stopper.Register("tracing", tracer.Shutdown)

	st, err := store.Open(ctx, cfg.Store, cfg.Redis, log.WithField("component", "store"))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	stopper.Register("store", shutdown.CloseResource(st))

	clients := &redisClients{cfg: cfg.Redis}
	stopper.Register("redis", clients.Close)

	notifier, err := buildNotifier(ctx, cfg, clients, log)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	stopper.Register("events", shutdown.CloseResource(notifier))

	directory, err := buildDirectory(ctx, cfg, clients)
	if err != nil {
		return fmt.Errorf("rooms: %w", err)
	}

	admission, err := resources.NewManager(cfg.Egress.Admission)
	if err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	log.WithField("capacity_cores", admission.Capacity()).Info("Admission control ready")

	checkFFmpeg(ctx, &cfg.FFmpeg, log)

	m := metrics.New()
	ffmpegLog := log.WithField("component", "ffmpeg")
	outputs := &output.Factory{
		OutputDir: cfg.Output.Dir,
		TempDir:   cfg.Output.TempDir,
		Retry:     cfg.Delivery,
		Dialer: output.MuxDialer{
			Websocket: output.WebsocketDialer{WriteTimeout: cfg.Output.WebsocketWriteTimeout},
			Live:      ffmpeg.NewDialer(cfg.FFmpeg, ffmpegLog),
		},
		Observer: m,
		Log:      log.WithField("component", "output"),
	}

	svc := service.New(cfg.Egress.Service, egress.Deps{
		Store:    st,
		Pipeline: ffmpeg.New(cfg.FFmpeg, ffmpegLog),
		Rooms:    directory,
		Outputs:  outputs,
		Notifier: notifier,
		Metrics:  m,
		Tracer:   tracer,
		Log:      log.WithField("component", "service"),
	}, admission)
	stopper.Register("egress", svc.Shutdown)

	keys, err := auth.NewKeySet(cfg.Auth.APIKeys)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if keys.Len() > 0 {
		log.WithField("keys", keys.Names()).Info("API key authentication enabled")
	} else {
		log.Warn("No API keys configured, the API is unauthenticated")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	serverTLS, err := cfg.Server.TLS.Server()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	handler := api.NewEgressHandler(svc, m, admission, log.WithField("component", "api"))
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(cfg.Server.HTTPPort),
		Handler:      api.NewRouter(handler, api.RouterConfig{Tracer: tracer, Keys: keys, Limiter: limiter}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		TLSConfig:    serverTLS,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.GRPCPort != 0 {
		var opts []grpc.ServerOption
		if serverTLS != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
		}
		grpcSrv := rpc.NewGRPCServer(rpc.NewServer(svc, m, log.WithField("component", "grpc")), keys, opts...)
		addr := cfg.Server.Addr(cfg.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			log.WithField("addr", addr).Info("gRPC API listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		stopper.Register("grpc", stopGRPC(grpcSrv))
	}

	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": httpSrv.Addr, "tls": serverTLS != nil}).Info("HTTP API listening")
		var err error
		if serverTLS != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	stopper.Register("http", shutdown.StopServer(httpSrv))

	if cfg.Server.MetricsPort != 0 && cfg.Server.MetricsPort != cfg.Server.HTTPPort {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", m.Handler()).Methods("GET")
		metricsRouter.HandleFunc("/health", handler.Health).Methods("GET")
		metricsSrv := &http.Server{
			Addr:         cfg.Server.Addr(cfg.Server.MetricsPort),
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.WithField("addr", metricsSrv.Addr).Info("Metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		stopper.Register("metrics", shutdown.StopServer(metricsSrv))
	}

	if limiter != nil {
		g.Go(func() error {
			limiter.Run(gctx, time.Minute, 10*time.Minute)
			return nil
		})
	}

	if cfg.Store.Retention > 0 {
		g.Go(func() error {
			pruneLoop(gctx, st, cfg.Store.Retention, cfg.Egress.PruneInterval, log)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")
		return stopper.Shutdown()
	})

	return g.Wait()
}

// stopGRPC drains in-flight calls, forcing the stop when ctx expires
func stopGRPC(s *grpc.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		}
	}
}

// pruneLoop drops terminal descriptors older than retention
func pruneLoop(ctx context.Context, st *store.MemoryStore, retention, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.WithError(err).Warn("Failed to prune egress descriptors")
			}
			if n > 0 {
				log.WithField("removed", n).Info("Pruned ended egresses")
			}
		}
	}
}

// checkFFmpeg resolves the binary and logs its version. A missing binary is
// not fatal; jobs fail at attach time instead.
func checkFFmpeg(ctx context.Context, cfg *ffmpeg.Config, log *logrus.Entry) {
	if path, err := ffmpeg.FindBinary(cfg.BinaryPath); err == nil {
		cfg.BinaryPath = path
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := ffmpeg.Version(ctx, cfg.BinaryPath)
	if err != nil {
		log.WithError(err).WithField("binary", cfg.BinaryPath).Warn("FFmpeg is not available")
		return
	}
	log.WithFields(logrus.Fields{"binary": cfg.BinaryPath, "version": v}).Info("FFmpeg found")
}
