package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openmarketlabs/credits-engine/internal/chain"
	"github.com/openmarketlabs/credits-engine/internal/config"
)

// Quick operator check: vault currency balance and outstanding allowances
// toward the known targets. Reads the same env config as creditsd.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	c, err := chain.NewClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chain: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	balance, err := c.VaultBalance(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault balance: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("vault:    %s\n", c.VaultAddress().Hex())
	fmt.Printf("balance:  %s\n", balance)

	for name, addr := range map[string]string{
		"marketplace":        cfg.Chain.Marketplace,
		"legacy marketplace": cfg.Chain.LegacyMarketplace,
		"collection store":   cfg.Chain.CollectionStore,
	} {
		allowance, err := c.Allowance(ctx, c.VaultAddress(), common.HexToAddress(addr))
		if err != nil {
			fmt.Fprintf(os.Stderr, "allowance %s: %v\n", name, err)
			continue
		}
		if allowance.Sign() != 0 {
			fmt.Printf("WARNING: non-zero allowance toward %s (%s): %s\n", name, addr, allowance)
		}
	}
}
