// curiumd runs a bus node over a Redis broker. It joins the channels listed
// in its configuration, answers the built-in commands plus Echo, and keeps
// receiving until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/susautw/rin-curium/internal/config"
	"github.com/susautw/rin-curium/public/broker"
	"github.com/susautw/rin-curium/public/curium"
)

// Echo is a sample command: it returns its message upper-cased to
// whoever sent it.
type Echo struct {
	Msg string `json:"msg"`
}

func (e *Echo) CmdName() string { return "echo" }

func (e *Echo) Execute(_ *curium.Node) (any, error) {
	return strings.ToUpper(e.Msg), nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "curiumd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	conn, err := broker.DialRedis(cfg.RedisURL,
		broker.WithNamespace(cfg.Namespace),
		broker.WithExpire(cfg.Expire()),
		broker.WithSendTimeout(cfg.SendTimeout()),
		broker.WithPingWhileSending(cfg.PingEnabled()),
		broker.WithRedisLogger(logger.Named("broker")),
	)
	if err != nil {
		return err
	}

	node := curium.NewNode(conn,
		curium.WithLogger(logger.Named("node")),
		curium.WithSweepInterval(cfg.SweepInterval()),
	)
	if err := node.RegisterCmd(&Echo{}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Connect(ctx, false); err != nil {
		return err
	}
	logger.Info("node connected", zap.String("nid", node.Nid()))

	for _, ch := range cfg.Channels {
		if err := node.Join(ctx, ch); err != nil {
			return fmt.Errorf("failed to join channel %s: %w", ch, err)
		}
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := node.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	recvOpts := []curium.RecvOption{
		curium.WithSleep(cfg.Sleep()),
		curium.WithReconnectPolicy(cfg.ReconnectMaxTries, cfg.ReconnectInterval()),
	}
	if cfg.NumWorkers > 0 {
		recvOpts = append(recvOpts, curium.WithNumWorkers(cfg.NumWorkers))
	}
	if err := node.RecvUntilClose(ctx, recvOpts...); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
