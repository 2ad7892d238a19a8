package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrBillingConfig marks a configuration that enables billing without the
// on-chain pieces the settlement CLI needs.
var ErrBillingConfig = errors.New("billing config incomplete")

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Stream    StreamConfig
	Chain     ChainConfig
	Scheduler SchedulerConfig
	Billing   BillingConfig
}

type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type StreamConfig struct {
	URL           string `mapstructure:"url"`
	ProbeOnEnroll bool   `mapstructure:"probe_on_enroll"`
}

type ChainConfig struct {
	APIURL string `mapstructure:"api_url"`
}

type SchedulerConfig struct {
	PollSec   int64 `mapstructure:"poll_sec"`
	LeadSec   int64 `mapstructure:"lead_sec"`
	JitterSec int64 `mapstructure:"jitter_sec"`
}

type BillingConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RewardPerWindow float64 `mapstructure:"reward_per_window"`
	EscrowContract  string  `mapstructure:"escrow_contract"`
	OperatorPEM     string  `mapstructure:"operator_pem"`
	Binary          string  `mapstructure:"binary"`
	ProxyURL        string  `mapstructure:"proxy_url"`
	ChainID         string  `mapstructure:"chain_id"`
	GasLimit        int64   `mapstructure:"gas_limit"`
	GasPrice        int64   `mapstructure:"gas_price"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("database.path", "stream-agency/agency.db")
	v.SetDefault("stream.url", "https://stream.claws.network/stream")
	v.SetDefault("stream.probe_on_enroll", true)
	v.SetDefault("chain.api_url", "https://api.claws.network")
	v.SetDefault("scheduler.poll_sec", 20)
	v.SetDefault("scheduler.lead_sec", 360)
	v.SetDefault("scheduler.jitter_sec", 20)
	v.SetDefault("billing.enabled", false)
	v.SetDefault("billing.reward_per_window", 1.0)
	v.SetDefault("billing.binary", "clawpy")
	v.SetDefault("billing.chain_id", "C")
	v.SetDefault("billing.gas_limit", 25_000_000)
	v.SetDefault("billing.gas_price", 20_000_000_000_000)

	// Config file (optional)
	v.SetConfigName("agency")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stream-agency")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.host":               "AGENCY_API_HOST",
		"server.port":               "AGENCY_API_PORT",
		"server.token":              "AGENCY_API_TOKEN",
		"database.path":             "AGENCY_DB",
		"stream.url":                "AGENCY_STREAM_URL",
		"stream.probe_on_enroll":    "AGENCY_PROBE_ON_ENROLL",
		"chain.api_url":             "AGENCY_EPOCH_API_URL",
		"scheduler.poll_sec":        "AGENCY_POLL_SECONDS",
		"scheduler.lead_sec":        "AGENCY_LEAD_SECONDS",
		"scheduler.jitter_sec":      "AGENCY_JITTER_SECONDS",
		"billing.enabled":           "AGENCY_BILLING_ENABLED",
		"billing.reward_per_window": "AGENCY_REWARD_PER_WINDOW",
		"billing.escrow_contract":   "AGENCY_ESCROW_CONTRACT",
		"billing.operator_pem":      "AGENCY_OPERATOR_PEM",
		"billing.binary":            "AGENCY_CLAWPY_BIN",
		"billing.proxy_url":         "AGENCY_BILLING_PROXY",
		"billing.chain_id":          "AGENCY_BILLING_CHAIN",
		"billing.gas_limit":         "AGENCY_BILLING_GAS_LIMIT",
		"billing.gas_price":         "AGENCY_BILLING_GAS_PRICE",
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

	return cfg, nil
}

// Validate runs after Load and any CLI flag overrides. Load itself does not
// validate: flags may still complete a config the environment left partial,
// such as enabling billing via env while passing the escrow on the command
// line.
func (c *Config) Validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Database.Path, "AGENCY_DB"},
		{c.Stream.URL, "AGENCY_STREAM_URL"},
		{c.Chain.APIURL, "AGENCY_EPOCH_API_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Scheduler.PollSec <= 0 {
		return fmt.Errorf("required config missing: AGENCY_POLL_SECONDS")
	}
	if c.Billing.Enabled {
		if c.Billing.EscrowContract == "" {
			return fmt.Errorf("%w: escrow contract (AGENCY_ESCROW_CONTRACT)", ErrBillingConfig)
		}
		if c.Billing.OperatorPEM == "" {
			return fmt.Errorf("%w: operator PEM (AGENCY_OPERATOR_PEM)", ErrBillingConfig)
		}
	}
	return nil
}

// BillingProxy returns the proxy URL handed to the settlement CLI, falling
// back to the chain API when no dedicated proxy is configured.
func (c *Config) BillingProxy() string {
	if c.Billing.ProxyURL != "" {
		return c.Billing.ProxyURL
	}
	return c.Chain.APIURL
}
