package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/app"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/chain"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/config"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/ops"
	"github.com/yimeng-w/riskpipe/pkg/logging"
)

func main() {
	var (
		configPath = flag.String("config", "config.json", "path to config file")
		follow     = flag.Bool("follow", false, "keep polling for new confirmed blocks after catching up")
		poll       = flag.Duration("poll", 15*time.Second, "poll interval in follow mode")
		opsAddr    = flag.String("ops-addr", "", "listen address for /healthz and /metrics (overrides config)")
	)
	flag.Parse()

	log, err := logging.New()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log, *configPath, *follow, *poll, *opsAddr); err != nil {
		log.Fatal("riskpipe failed", zap.Error(err))
	}
}

func run(log *zap.Logger, configPath string, follow bool, poll time.Duration, opsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// config problems must fail here, before any chain interaction
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opsAddr != "" {
		cfg.OpsAddr = opsAddr
	}

	rpc, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer rpc.Close()

	a, err := app.New(ctx, cfg, rpc, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.OpsAddr != "" {
		srv := ops.New(cfg.OpsAddr, log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		defer stop()
		if follow {
			return a.Follow(gctx, poll)
		}
		return a.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
