package main

import (
	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-spv/internal/rpc"
)

var balance = cli.Command{
	Name:  "balance",
	Usage: "show confirmed, immature and unconfirmed balance",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "wallet_getBalance", nil)
	},
}

var address = cli.Command{
	Name:  "address",
	Usage: "return the next unused receive address",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "wallet_getAddress", nil)
	},
}

var coins = cli.Command{
	Name:  "coins",
	Usage: "list owned outputs",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "all",
			Usage: "include spent outputs",
		},
	},
	Action: func(ctx *cli.Context) error {
		return call(ctx, "wallet_listCoins", rpc.ListCoinsParam{All: ctx.Bool("all")})
	},
}

var history = cli.Command{
	Name:  "history",
	Usage: "list wallet transactions",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "wallet_getHistory", nil)
	},
}

var info = cli.Command{
	Name:  "info",
	Usage: "show wallet metadata and persistence state",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "wallet_getInfo", nil)
	},
}

var status = cli.Command{
	Name:  "status",
	Usage: "show sync progress",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "sync_getStatus", nil)
	},
}

var peers = cli.Command{
	Name:  "peers",
	Usage: "show connected peers, node identity and bans",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list connected peers",
			Action: func(ctx *cli.Context) error {
				return call(ctx, "net_getPeerInfo", nil)
			},
		},
		{
			Name:  "self",
			Usage: "show this node's peer ID and addresses",
			Action: func(ctx *cli.Context) error {
				return call(ctx, "net_getNodeInfo", nil)
			},
		},
		{
			Name:  "bans",
			Usage: "list banned peers",
			Action: func(ctx *cli.Context) error {
				return call(ctx, "net_getBanList", nil)
			},
		},
	},
}

var compact = cli.Command{
	Name:  "compact",
	Usage: "fold the persistence log into a new snapshot",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "wallet_compact", nil)
	},
}

var rescan = cli.Command{
	Name:  "rescan",
	Usage: "re-run filter matching from a height",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:     "from",
			Usage:    "first height to rescan",
			Required: true,
		},
	},
	Action: func(ctx *cli.Context) error {
		return call(ctx, "wallet_rescan", rpc.RescanParam{FromHeight: int32(ctx.Int("from"))})
	},
}

var syncTrigger = cli.Command{
	Name:  "sync",
	Usage: "start a sync round now",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "sync_trigger", nil)
	},
}
