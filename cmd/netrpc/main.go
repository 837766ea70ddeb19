// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luxfi/netrpc"
	"github.com/luxfi/netrpc/bls"
	"github.com/luxfi/netrpc/internal/logging"
	"github.com/luxfi/netrpc/multiaddr"
	"github.com/luxfi/netrpc/serde"
)

var version = "dev"

var logFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "netrpc",
		Usage: "add 'service' tag to logs",
	},
}

var serveFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "listen",
		Usage: "multiaddr to serve on, e.g. /ip4/127.0.0.1/tcp/8080/http (repeatable)",
	},
	&cli.StringSliceFlag{
		Name:  "unix-socket",
		Usage: "unix domain socket path to serve on (repeatable)",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "YAML or JSON server config file",
	},
}

var checkFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "addr",
		Usage: "multiaddr of the server",
	},
	&cli.StringFlag{
		Name:  "unix-socket",
		Usage: "unix domain socket path of the server",
	},
	&cli.StringFlag{
		Name:  "service",
		Value: "",
		Usage: "service to check, empty for the whole server",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 5 * time.Second,
		Usage: "overall timeout of the check",
	},
}

func main() {
	app := &cli.App{
		Name:    "netrpc",
		Usage:   "Serve and probe grpc health over multiaddr transports",
		Version: version,
		Flags:   logFlags,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the health service on every given address until interrupted",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:   "check",
				Usage:  "run a health check against a server",
				Flags:  checkFlags,
				Action: check,
			},
			{
				Name:   "keygen",
				Usage:  "generate a BLS key pair and print it as JSON",
				Action: keygen,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogger(cCtx *cli.Context) (*zap.Logger, error) {
	return logging.Setup(&logging.Opts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
		Version: version,
		UID:     cCtx.Bool("log-uid"),
	})
}

func loadConfig(path string) (*netrpc.Config, error) {
	if path == "" {
		return netrpc.NewConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return netrpc.ReadConfig(f)
}

func addresses(cCtx *cli.Context) ([]multiaddr.Multiaddr, error) {
	var addrs []multiaddr.Multiaddr
	for _, s := range cCtx.StringSlice("listen") {
		addr, err := multiaddr.Parse(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	for _, path := range cCtx.StringSlice("unix-socket") {
		addr, err := multiaddr.Unix(path)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("at least one --listen or --unix-socket is required")
	}
	return addrs, nil
}

func serve(cCtx *cli.Context) error {
	logger, err := setupLogger(cCtx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(cCtx.String("config"))
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return err
	}
	addrs, err := addresses(cCtx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A builder binds once, so every address gets its own server.
	servers := make([]*netrpc.Server, 0, len(addrs))
	for _, addr := range addrs {
		srv, err := cfg.ServerBuilder(netrpc.WithLogger(logger)).Bind(ctx, addr)
		if err != nil {
			logger.Error("Failed to bind", zap.Stringer("addr", addr), zap.Error(err))
			return err
		}
		logger.Info("Listening", zap.Stringer("addr", srv.LocalAddr()))
		servers = append(servers, srv)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}
	logger.Info("Server is running, press Ctrl+C to stop")
	err = g.Wait()
	logger.Info("Server shutdown complete")
	return err
}

func check(cCtx *cli.Context) error {
	var (
		addr multiaddr.Multiaddr
		err  error
	)
	switch {
	case cCtx.String("addr") != "":
		addr, err = multiaddr.Parse(cCtx.String("addr"))
	case cCtx.String("unix-socket") != "":
		addr, err = multiaddr.Unix(cCtx.String("unix-socket"))
	default:
		err = errors.New("--addr or --unix-socket is required")
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration("timeout"))
	defer cancel()

	conn, err := netrpc.NewConfig().Connect(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	service := cCtx.String("service")
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	fmt.Fprintln(cCtx.App.Writer, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return cli.Exit("", 1)
	}
	return nil
}

type keyFile struct {
	KeyPair   serde.As[bls.KeyPair, serde.KeyPairBase64[bls.KeyPair, *bls.KeyPair]] `json:"key_pair"`
	PublicKey string                                                                `json:"public_key"`
}

func keygen(cCtx *cli.Context) error {
	kp, err := bls.GenerateKeyPair()
	if err != nil {
		return err
	}
	out := keyFile{
		KeyPair:   serde.Of[serde.KeyPairBase64[bls.KeyPair, *bls.KeyPair]](kp),
		PublicKey: kp.Public().String(),
	}
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
