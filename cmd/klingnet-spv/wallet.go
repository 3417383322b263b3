package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
)

const birthLayout = "2006-01-02"

var walletFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "name",
		Usage: "keystore entry name (default: wallet.keystore from the config)",
	},
	&cli.Uint64Flag{
		Name:  "account",
		Usage: "BIP-84 account index (default: wallet.account from the config)",
	},
	&cli.StringFlag{
		Name:  "birth",
		Usage: "wallet birthday as YYYY-MM-DD; blocks before it are never scanned",
	},
}

var create = cli.Command{
	Name:   "create",
	Usage:  "generate a new seed and store it encrypted in the keystore",
	Flags:  walletFlags,
	Action: createAction,
}

var importWallet = cli.Command{
	Name:  "import",
	Usage: "restore a wallet from its recovery phrase",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "mnemonic",
			Usage: "recovery phrase (prompted for when omitted)",
		},
	}, walletFlags...),
	Action: importAction,
}

var watch = cli.Command{
	Name:  "watch",
	Usage: "track an account xpub without any private keys",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     "xpub",
			Usage:    "account-level extended public key",
			Required: true,
		},
	}, walletFlags...),
	Action: watchAction,
}

var wallets = cli.Command{
	Name:   "wallets",
	Usage:  "list keystore entries",
	Action: walletsAction,
}

// walletTarget collects the keystore and entry a wallet command acts on.
type walletTarget struct {
	ks       *keys.Keystore
	name     string
	account  uint32
	birth    time.Time
	chainCfg *config.Params
}

func resolveWallet(ctx *cli.Context) (*walletTarget, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	ks, err := keys.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return nil, err
	}
	t := &walletTarget{
		ks:       ks,
		name:     cfg.Wallet.Keystore,
		account:  cfg.Wallet.Account,
		chainCfg: params,
	}
	if ctx.IsSet("name") {
		t.name = ctx.String("name")
	}
	if ctx.IsSet("account") {
		acct := ctx.Uint64("account")
		if acct >= 1<<31 {
			return nil, fmt.Errorf("account must be below 2^31")
		}
		t.account = uint32(acct)
	}
	if b := ctx.String("birth"); b != "" {
		if t.birth, err = time.Parse(birthLayout, b); err != nil {
			return nil, fmt.Errorf("birth: %w", err)
		}
	} else if cfg.Wallet.Birth > 0 {
		t.birth = time.Unix(cfg.Wallet.Birth, 0)
	}
	return t, nil
}

func (t *walletTarget) store(seed []byte) (*keys.Info, error) {
	pw, err := readNewPassword()
	if err != nil {
		return nil, err
	}
	defer clear(pw)
	return t.ks.Create(t.name, seed, pw, keys.DefaultKDFParams(), t.chainCfg.Chain, t.account, t.birth)
}

func createAction(ctx *cli.Context) error {
	t, err := resolveWallet(ctx)
	if err != nil {
		return err
	}
	mnemonic, err := keys.GenerateMnemonic()
	if err != nil {
		return err
	}
	seed, err := keys.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}
	defer clear(seed)
	// Default birth for a fresh seed is now: nothing older can pay it.
	if t.birth.IsZero() {
		t.birth = time.Now()
	}
	info, err := t.store(seed)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Write down this recovery phrase and keep it offline:")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  "+mnemonic)
	fmt.Fprintln(os.Stderr)
	return printJSON(infoOutput(info))
}

func importAction(ctx *cli.Context) error {
	t, err := resolveWallet(ctx)
	if err != nil {
		return err
	}
	mnemonic := ctx.String("mnemonic")
	if mnemonic == "" {
		fmt.Fprint(os.Stderr, "Recovery phrase: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read recovery phrase: %w", err)
		}
		mnemonic = line
	}
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !keys.ValidateMnemonic(mnemonic) {
		return keys.ErrInvalidMnemonic
	}
	seed, err := keys.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}
	defer clear(seed)
	info, err := t.store(seed)
	if err != nil {
		return err
	}
	return printJSON(infoOutput(info))
}

func watchAction(ctx *cli.Context) error {
	t, err := resolveWallet(ctx)
	if err != nil {
		return err
	}
	info, err := t.ks.ImportWatchOnly(t.name, ctx.String("xpub"), t.chainCfg.Chain, t.account, t.birth)
	if err != nil {
		return err
	}
	return printJSON(infoOutput(info))
}

func walletsAction(ctx *cli.Context) error {
	t, err := resolveWallet(ctx)
	if err != nil {
		return err
	}
	names, err := t.ks.List()
	if err != nil {
		return err
	}
	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		info, err := t.ks.Info(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", name, err)
			continue
		}
		out = append(out, infoOutput(info))
	}
	return printJSON(out)
}

func infoOutput(info *keys.Info) map[string]interface{} {
	out := map[string]interface{}{
		"name":         info.Name,
		"network":      info.Network,
		"account":      info.Account,
		"account_xpub": info.AccountXPub,
		"watch_only":   info.WatchOnly,
	}
	if !info.Birth.IsZero() {
		out["birth"] = info.Birth.UTC().Format(time.RFC3339)
	}
	return out
}
