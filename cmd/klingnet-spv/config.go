package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-spv/config"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "manage the per-network config file",
	Subcommands: []*cli.Command{
		{
			Name:   "init",
			Usage:  "write the network defaults to a new config file",
			Action: configInitAction,
		},
		{
			Name:      "set",
			Usage:     "change one setting",
			ArgsUsage: "<key> <value>",
			Action:    configSetAction,
		},
		{
			Name:   "remove",
			Usage:  "delete the config file",
			Action: configRemoveAction,
		},
		{
			Name:   "keys",
			Usage:  "list settable keys",
			Action: configKeysAction,
		},
	},
}

// fileTarget returns the network and data dir a config command edits,
// without reading the file itself.
func fileTarget(ctx *cli.Context) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		Network:  config.NetworkType(ctx.String("network")),
		DataDir:  ctx.String("datadir"),
		SkipFile: true,
	})
}

func configInitAction(ctx *cli.Context) error {
	cfg, err := fileTarget(ctx)
	if err != nil {
		return err
	}
	if err := config.InitFile(cfg); err != nil {
		return err
	}
	fmt.Println(cfg.ConfigFile())
	return nil
}

func configSetAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: config set <key> <value>")
	}
	cfg, err := fileTarget(ctx)
	if err != nil {
		return err
	}
	key, value := ctx.Args().Get(0), ctx.Args().Get(1)
	if err := config.Update(cfg.DataDir, cfg.Network, key, value); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}

func configRemoveAction(ctx *cli.Context) error {
	cfg, err := fileTarget(ctx)
	if err != nil {
		return err
	}
	return config.Remove(cfg.DataDir, cfg.Network)
}

func configKeysAction(*cli.Context) error {
	fmt.Println(strings.Join(config.Keys(), "\n"))
	return nil
}
