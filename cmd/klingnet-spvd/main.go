// klingnet-spvd runs the wallet engine: it follows the header chain over
// P2P, keeps the wallet ledger and serves JSON-RPC.
//
// Usage:
//
//	klingnet-spvd [--network=testnet] [--datadir=...]  Run the engine
//	klingnet-spvd --help                               Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/node"
)

// overrideFlags maps command-line flags onto config keys.
var overrideFlags = map[string]string{
	"wallet":       "wallet.keystore",
	"lookahead":    "wallet.lookahead",
	"p2p-port":     "p2p.port",
	"seeds":        "p2p.seeds",
	"nodiscover":   "p2p.nodiscover",
	"rpc-port":     "rpc.port",
	"rpc-addr":     "rpc.addr",
	"metrics":      "metrics.enabled",
	"metrics-addr": "metrics.addr",
	"log-level":    "log.level",
	"log-json":     "log.json",
}

func main() {
	app := cli.NewApp()
	app.Name = "klingnet-spvd"
	app.Usage = "Bitcoin light-client wallet engine"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "network", Usage: "mainnet (default), testnet, signet or regtest"},
		&cli.StringFlag{Name: "datadir", Usage: "data directory (default: " + config.DefaultDataDir() + ")"},
		&cli.BoolFlag{Name: "no-config", Usage: "ignore the config file"},
		&cli.StringFlag{Name: "wallet", Usage: "keystore entry to load"},
		&cli.UintFlag{Name: "lookahead", Usage: "scripts watched past each watermark"},
		&cli.IntFlag{Name: "p2p-port", Usage: "P2P listen port"},
		&cli.StringSliceFlag{Name: "seeds", Usage: "seed peer multiaddrs"},
		&cli.BoolFlag{Name: "nodiscover", Usage: "disable DHT and mDNS discovery"},
		&cli.BoolFlag{Name: "clear-bans", Usage: "clear all peer bans on startup"},
		&cli.StringFlag{Name: "rpc-addr", Usage: "RPC listen address"},
		&cli.IntFlag{Name: "rpc-port", Usage: "RPC listen port"},
		&cli.BoolFlag{Name: "metrics", Usage: "serve Prometheus metrics"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "metrics listen address"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.BoolFlag{Name: "log-json", Usage: "log as JSON"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	overrides := make(map[string]interface{})
	for flag, key := range overrideFlags {
		if !ctx.IsSet(flag) {
			continue
		}
		if flag == "seeds" {
			overrides[key] = ctx.StringSlice(flag)
			continue
		}
		overrides[key] = ctx.Value(flag)
	}

	cfg, err := config.Load(config.LoadOptions{
		Network:   config.NetworkType(ctx.String("network")),
		DataDir:   ctx.String("datadir"),
		Overrides: overrides,
		SkipFile:  ctx.Bool("no-config"),
	})
	if err != nil {
		return err
	}
	cfg.P2P.ClearBans = ctx.Bool("clear-bans")

	n, err := node.New(cfg)
	if err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		n.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
	return nil
}
