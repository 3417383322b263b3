// klingnet-spv manages wallets and talks to a running klingnet-spvd.
//
// Keystore commands (create, import, watch, wallets) work on the local data
// directory and need no daemon. Everything else goes through JSON-RPC.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/rpcclient"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "klingnet-spv"
	app.Usage = "Command line interface for the klingnet-spv wallet engine"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "network",
			Usage: "mainnet (default), testnet, signet or regtest",
		},
		&cli.StringFlag{
			Name:  "datadir",
			Usage: "data directory (default: " + config.DefaultDataDir() + ")",
		},
		&cli.StringFlag{
			Name:  "rpc",
			Usage: "RPC endpoint (default: derived from the config file)",
		},
	}
	app.Commands = []*cli.Command{
		&create,
		&importWallet,
		&watch,
		&wallets,
		&balance,
		&address,
		&coins,
		&history,
		&info,
		&send,
		&status,
		&syncTrigger,
		&peers,
		&compact,
		&rescan,
		&configCmd,
	}
	return app
}

// loadConfig resolves the config for the selected network the same way the
// daemon does.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		Network: config.NetworkType(ctx.String("network")),
		DataDir: ctx.String("datadir"),
	})
}

func getClient(ctx *cli.Context) (*rpcclient.Client, error) {
	if url := ctx.String("rpc"); url != "" {
		return rpcclient.New(url), nil
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return rpcclient.New(fmt.Sprintf("http://%s:%d", cfg.RPC.Addr, cfg.RPC.Port)), nil
}

// call runs one RPC and prints its result.
func call(ctx *cli.Context, method string, params interface{}) error {
	client, err := getClient(ctx)
	if err != nil {
		return err
	}
	var result json.RawMessage
	if err := client.CallContext(ctx.Context, method, params, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// readNewPassword asks twice and refuses empty or mismatched input.
func readNewPassword() ([]byte, error) {
	pw, err := readPassword("New passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	again, err := readPassword("Repeat passphrase: ")
	if err != nil {
		clear(pw)
		return nil, err
	}
	defer clear(again)
	if string(pw) != string(again) {
		clear(pw)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return pw, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[klingnet-spv] %v\n", err)
	os.Exit(1)
}
