// derive_addrs.go prints the first receive and change addresses of an
// account xpub, for checking a watch-only import against another wallet.
// Usage: go run scripts/derive_addrs.go <network> <xpub> [count]
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: derive_addrs <network> <xpub> [count]")
		os.Exit(1)
	}
	params, err := config.ChainParams(config.NetworkType(os.Args[1]))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	count := 5
	if len(os.Args) > 3 {
		if count, err = strconv.Atoi(os.Args[3]); err != nil || count < 1 {
			fmt.Fprintln(os.Stderr, "count must be a positive integer")
			os.Exit(1)
		}
	}
	// The account index only labels the printed paths.
	h, err := keys.NewWatchOnly(os.Args[2], params, 0, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, purpose := range []keys.Purpose{keys.External, keys.Internal} {
		for i := uint32(0); i < uint32(count); i++ {
			k, err := h.DeriveKey(h.Path(purpose, i))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("%s %s\n", k.Path, k.Address)
		}
	}
}
