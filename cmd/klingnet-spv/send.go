package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-spv/internal/rpc"
)

var send = cli.Command{
	Name:  "send",
	Usage: "pay an address from the wallet",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "to",
			Usage:    "destination address",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "amount",
			Usage: "amount in BTC, e.g. 0.0015",
		},
		&cli.BoolFlag{
			Name:  "sweep",
			Usage: "send every spendable coin, fee deducted from the amount",
		},
		&cli.Int64Flag{
			Name:  "fee-rate",
			Usage: "fee rate in sat/vbyte (default: fee.default_rate on the daemon)",
		},
	},
	Action: sendAction,
}

func sendAction(ctx *cli.Context) error {
	amount := ctx.String("amount")
	switch {
	case ctx.Bool("sweep") && amount != "":
		return fmt.Errorf("--amount and --sweep are mutually exclusive")
	case !ctx.Bool("sweep") && amount == "":
		return fmt.Errorf("--amount is required unless --sweep is given")
	case amount != "":
		if _, err := rpc.ParseAmount(amount); err != nil {
			return err
		}
	}
	if ctx.Int64("fee-rate") < 0 {
		return fmt.Errorf("--fee-rate must not be negative")
	}

	client, err := getClient(ctx)
	if err != nil {
		return err
	}
	pw, err := readPassword("Passphrase: ")
	if err != nil {
		return err
	}
	defer clear(pw)

	var result rpc.SendResult
	err = client.CallContext(ctx.Context, "wallet_send", rpc.SendParam{
		Passphrase: string(pw),
		Address:    ctx.String("to"),
		Amount:     amount,
		FeeRate:    ctx.Int64("fee-rate"),
	}, &result)
	if err != nil {
		return err
	}
	return printJSON(result)
}
