package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/heysubinoy/kvapi/internal/api"
	"github.com/heysubinoy/kvapi/internal/auth"
	"github.com/heysubinoy/kvapi/internal/logging"
	"github.com/heysubinoy/kvapi/internal/store"
	"github.com/heysubinoy/kvapi/pkg/config"
)

var logger = logging.For("main")

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UsesDefaultToken() {
		logger.Warn("API_TOKEN is not set, using the default token")
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.WithError(err).Error("closing backend")
		}
	}()

	var rs *store.RaftStore
	if cfg.Raft.Enabled() {
		if rs, err = withRaft(cfg.Raft, b); err != nil {
			return err
		}
		if cfg.Raft.Join != "" {
			if err := joinCluster(ctx, cfg.Raft.Join, cfg.APIToken, cfg.Raft.NodeID, cfg.Raft.Addr); err != nil {
				return err
			}
			logger.WithField("target", cfg.Raft.Join).Info("joined raft cluster")
		}
	}

	metrics := store.NewInstrumentedStore(store.New(b.store))
	gate := auth.NewGate(cfg.APIToken)

	srv := api.NewServer(metrics, gate)
	srv.Metrics = metrics
	if rs != nil {
		srv.Raft = rs
	}

	errLog := logging.Logger().WriterLevel(logrus.ErrorLevel)
	defer errLog.Close()
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(errLog, "", 0),
	}

	errc := make(chan error, 2)
	go func() {
		logger.WithField("addr", httpServer.Addr).
			WithField("backend", cfg.Backend).
			Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(api.AuthInterceptor(gate)))
		kvServer := api.NewGRPCServer(metrics)
		if rs != nil {
			kvServer.Raft = rs
		}
		api.RegisterKVServer(grpcServer, kvServer)
		go func() {
			logger.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
			if err := grpcServer.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("http shutdown")
	}
	return err
}
