package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Chain  ChainConfig
	Limits LimitsConfig
	Flags  FlagsConfig
	Roles  RolesConfig
	Server ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	ChainID           int64  `mapstructure:"chain_id"`
	VaultPrivateKey   string `mapstructure:"vault_private_key"`
	CurrencyToken     string `mapstructure:"currency_token"`
	Marketplace       string `mapstructure:"marketplace"`
	LegacyMarketplace string `mapstructure:"legacy_marketplace"`
	CollectionStore   string `mapstructure:"collection_store"`
	// Factories is the raw comma-separated list bound from the environment;
	// CollectionFactories is derived from it in Load.
	Factories           string `mapstructure:"collection_factories"`
	CollectionFactories []string
}

type LimitsConfig struct {
	MaxCreditedPerHour string `mapstructure:"max_credited_per_hour"`
}

type FlagsConfig struct {
	PrimarySalesAllowed   bool `mapstructure:"primary_sales_allowed"`
	SecondarySalesAllowed bool `mapstructure:"secondary_sales_allowed"`
	BidsAllowed           bool `mapstructure:"bids_allowed"`
}

// RolesConfig carries comma-separated address lists per capability.
type RolesConfig struct {
	Admins              string `mapstructure:"admins"`
	Signers             string `mapstructure:"signers"`
	ExternalCallSigners string `mapstructure:"external_call_signers"`
	Pausers             string `mapstructure:"pausers"`
	Deniers             string `mapstructure:"deniers"`
	Revokers            string `mapstructure:"revokers"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("limits.max_credited_per_hour", "1000000000000000000000") // 1000 tokens at 18 decimals
	v.SetDefault("flags.primary_sales_allowed", true)
	v.SetDefault("flags.secondary_sales_allowed", true)
	v.SetDefault("flags.bids_allowed", true)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"chain.rpc_url":                 "RPC_URL",
		"chain.chain_id":                "CHAIN_ID",
		"chain.vault_private_key":       "VAULT_PRIVATE_KEY",
		"chain.currency_token":          "CURRENCY_TOKEN",
		"chain.marketplace":             "MARKETPLACE_ADDRESS",
		"chain.legacy_marketplace":      "LEGACY_MARKETPLACE_ADDRESS",
		"chain.collection_store":        "COLLECTION_STORE_ADDRESS",
		"chain.collection_factories":    "COLLECTION_FACTORIES",
		"limits.max_credited_per_hour":  "MAX_CREDITED_PER_HOUR",
		"flags.primary_sales_allowed":   "PRIMARY_SALES_ALLOWED",
		"flags.secondary_sales_allowed": "SECONDARY_SALES_ALLOWED",
		"flags.bids_allowed":            "BIDS_ALLOWED",
		"roles.admins":                  "ROLE_ADMINS",
		"roles.signers":                 "ROLE_SIGNERS",
		"roles.external_call_signers":   "ROLE_EXTERNAL_CALL_SIGNERS",
		"roles.pausers":                 "ROLE_PAUSERS",
		"roles.deniers":                 "ROLE_DENIERS",
		"roles.revokers":                "ROLE_REVOKERS",
		"server.port":                   "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Chain.CollectionFactories = SplitAddressList(cfg.Chain.Factories)

	return cfg, cfg.validate()
}

// SplitAddressList splits a comma-separated address list, trimming blanks.
func SplitAddressList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.VaultPrivateKey, "VAULT_PRIVATE_KEY"},
		{c.Chain.CurrencyToken, "CURRENCY_TOKEN"},
		{c.Chain.Marketplace, "MARKETPLACE_ADDRESS"},
		{c.Chain.LegacyMarketplace, "LEGACY_MARKETPLACE_ADDRESS"},
		{c.Chain.CollectionStore, "COLLECTION_STORE_ADDRESS"},
		{c.Roles.Signers, "ROLE_SIGNERS"},
		{c.Roles.Admins, "ROLE_ADMINS"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	return nil
}
