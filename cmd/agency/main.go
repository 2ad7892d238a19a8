package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/clawsnetwork/stream-agency/internal/admin"
	"github.com/clawsnetwork/stream-agency/internal/config"
	"github.com/clawsnetwork/stream-agency/internal/store"
	"github.com/clawsnetwork/stream-agency/internal/stream"
	"github.com/clawsnetwork/stream-agency/internal/wallet"
)

var (
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Value: "stream-agency/agency.db",
		Usage: "path to the agency SQLite database",
	}
	addressFlag = &cli.StringFlag{
		Name:     "address",
		Usage:    "agent address (claw1...)",
		Required: true,
	}
	signatureFlag = &cli.StringFlag{
		Name:     "signature",
		Usage:    "hex stream signature produced by the agent wallet",
		Required: true,
	}
	feeBpsFlag = &cli.Int64Flag{
		Name:  "fee-bps",
		Value: 500,
		Usage: "operator fee in basis points",
	}
	pemFlag = &cli.StringFlag{
		Name:     "pem",
		Usage:    "key PEM used to derive the address and stream signature",
		Required: true,
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Value: 20,
		Usage: "maximum rows to print",
	}

	pollSecondsFlag = &cli.Int64Flag{
		Name:  "poll-seconds",
		Value: 20,
		Usage: "scheduler wake interval",
	}
	leadSecondsFlag = &cli.Int64Flag{
		Name:  "lead-seconds",
		Value: 360,
		Usage: "re-arm this many seconds before the active window ends",
	}
	jitterSecondsFlag = &cli.Int64Flag{
		Name:  "jitter-seconds",
		Value: 20,
		Usage: "random spread added to each planned attempt",
	}
	rewardPerWindowFlag = &cli.Float64Flag{
		Name:  "reward-per-window",
		Value: 1.0,
		Usage: "reward units per usage window when accruing operator fees",
	}
	streamURLFlag = &cli.StringFlag{
		Name:  "stream-url",
		Value: "https://stream.claws.network/stream",
		Usage: "stream-window service endpoint",
	}
	noProbeFlag = &cli.BoolFlag{
		Name:  "intake-no-probe-stream",
		Usage: "skip the stream signature probe during API /enroll (not recommended)",
	}
	billingEnabledFlag = &cli.BoolFlag{
		Name:  "billing-enabled",
		Usage: "settle pending usage windows on-chain after each stream pass",
	}
	escrowContractFlag = &cli.StringFlag{
		Name:  "escrow-contract",
		Usage: "escrow contract address receiving billEpoch calls",
	}
	operatorPEMFlag = &cli.StringFlag{
		Name:  "operator-pem",
		Usage: "operator key PEM handed to the settlement CLI",
	}
	epochAPIURLFlag = &cli.StringFlag{
		Name:  "epoch-api-url",
		Value: "https://api.claws.network",
		Usage: "chain API used to resolve the current epoch",
	}
	billingProxyFlag = &cli.StringFlag{
		Name:  "billing-proxy",
		Usage: "proxy URL for the settlement CLI (defaults to the epoch API)",
	}
	billingChainFlag = &cli.StringFlag{
		Name:  "billing-chain",
		Value: "C",
		Usage: "chain ID passed to the settlement CLI",
	}
	billingGasLimitFlag = &cli.Int64Flag{
		Name:  "billing-gas-limit",
		Value: 25_000_000,
		Usage: "gas limit for billEpoch transactions",
	}
	billingGasPriceFlag = &cli.Int64Flag{
		Name:  "billing-gas-price",
		Value: 20_000_000_000_000,
		Usage: "gas price for billEpoch transactions",
	}

	apiHostFlag = &cli.StringFlag{
		Name:  "api-host",
		Value: "0.0.0.0",
		Usage: "intake API listen host",
	}
	apiPortFlag = &cli.IntFlag{
		Name:  "api-port",
		Value: 8787,
		Usage: "intake API listen port",
	}
	apiTokenFlag = &cli.StringFlag{
		Name:  "api-token",
		Usage: "bearer/API-key token for all endpoints except /health and /metrics",
	}
	withSchedulerFlag = &cli.BoolFlag{
		Name:  "with-scheduler",
		Usage: "run the scheduler loop in-process alongside the API server",
	}
)

// runtimeFlags are shared by every command that drives the scheduler.
func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		leadSecondsFlag,
		jitterSecondsFlag,
		rewardPerWindowFlag,
		streamURLFlag,
		noProbeFlag,
		billingEnabledFlag,
		escrowContractFlag,
		operatorPEMFlag,
		epochAPIURLFlag,
		billingProxyFlag,
		billingChainFlag,
		billingGasLimitFlag,
		billingGasPriceFlag,
	}
}

func main() {
	app := &cli.App{
		Name:  "agency",
		Usage: "keep enrolled agents streaming and settle their usage windows on-chain",
		Flags: []cli.Flag{dbFlag},
		Commands: []*cli.Command{
			{
				Name:   "init-db",
				Usage:  "Create the local database schema",
				Action: initDBAction,
			},
			{
				Name:   "enroll",
				Usage:  "Enroll an agent with a pre-computed stream signature",
				Flags:  []cli.Flag{addressFlag, signatureFlag, feeBpsFlag},
				Action: enrollAction,
			},
			{
				Name:   "enroll-from-pem",
				Usage:  "Derive address and stream signature from a PEM, then enroll",
				Flags:  []cli.Flag{pemFlag, feeBpsFlag},
				Action: enrollFromPEMAction,
			},
			{
				Name:   "pause",
				Usage:  "Pause an agent",
				Flags:  []cli.Flag{addressFlag},
				Action: pauseAction,
			},
			{
				Name:   "resume",
				Usage:  "Resume a paused agent",
				Flags:  []cli.Flag{addressFlag},
				Action: resumeAction,
			},
			{
				Name:   "remove",
				Usage:  "Delete an agent and all its local records",
				Flags:  []cli.Flag{addressFlag},
				Action: removeAction,
			},
			{
				Name:   "tick",
				Usage:  "Run one scheduling cycle (plus optional auto billing)",
				Flags:  runtimeFlags(),
				Action: tickAction,
			},
			{
				Name:   "run",
				Usage:  "Run the continuous scheduler loop (plus optional auto billing)",
				Flags:  append([]cli.Flag{pollSecondsFlag}, runtimeFlags()...),
				Action: runAction,
			},
			{
				Name:   "api",
				Usage:  "Run the intake HTTP API server",
				Flags:  append([]cli.Flag{pollSecondsFlag, apiHostFlag, apiPortFlag, apiTokenFlag, withSchedulerFlag}, runtimeFlags()...),
				Action: apiAction,
			},
			{
				Name:   "report",
				Usage:  "Show enrolled agents and the local usage summary",
				Action: reportAction,
			},
			{
				Name:   "attempts",
				Usage:  "Show recent stream attempts for one agent",
				Flags:  []cli.Flag{addressFlag, limitFlag},
				Action: attemptsAction,
			},
			{
				Name:   "billing-attempts",
				Usage:  "Show recent on-chain settlement attempts",
				Flags:  []cli.Flag{limitFlag},
				Action: billingAttemptsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// buildConfig layers the effective configuration: defaults, optional YAML
// file and environment via config.Load, then explicit command-line flags on
// top. Validation runs only after the flags are in, so a flag can complete a
// config the environment left partial.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if c.IsSet(dbFlag.Name) {
		cfg.Database.Path = c.String(dbFlag.Name)
	}
	if c.IsSet(pollSecondsFlag.Name) {
		cfg.Scheduler.PollSec = c.Int64(pollSecondsFlag.Name)
	}
	if c.IsSet(leadSecondsFlag.Name) {
		cfg.Scheduler.LeadSec = c.Int64(leadSecondsFlag.Name)
	}
	if c.IsSet(jitterSecondsFlag.Name) {
		cfg.Scheduler.JitterSec = c.Int64(jitterSecondsFlag.Name)
	}
	if c.IsSet(rewardPerWindowFlag.Name) {
		cfg.Billing.RewardPerWindow = c.Float64(rewardPerWindowFlag.Name)
	}
	if c.IsSet(streamURLFlag.Name) {
		cfg.Stream.URL = c.String(streamURLFlag.Name)
	}
	if c.Bool(noProbeFlag.Name) {
		cfg.Stream.ProbeOnEnroll = false
	}
	if c.Bool(billingEnabledFlag.Name) {
		cfg.Billing.Enabled = true
	}
	if c.IsSet(escrowContractFlag.Name) {
		cfg.Billing.EscrowContract = c.String(escrowContractFlag.Name)
	}
	if c.IsSet(operatorPEMFlag.Name) {
		cfg.Billing.OperatorPEM = c.String(operatorPEMFlag.Name)
	}
	if c.IsSet(epochAPIURLFlag.Name) {
		cfg.Chain.APIURL = c.String(epochAPIURLFlag.Name)
	}
	if c.IsSet(billingProxyFlag.Name) {
		cfg.Billing.ProxyURL = c.String(billingProxyFlag.Name)
	}
	if c.IsSet(billingChainFlag.Name) {
		cfg.Billing.ChainID = c.String(billingChainFlag.Name)
	}
	if c.IsSet(billingGasLimitFlag.Name) {
		cfg.Billing.GasLimit = c.Int64(billingGasLimitFlag.Name)
	}
	if c.IsSet(billingGasPriceFlag.Name) {
		cfg.Billing.GasPrice = c.Int64(billingGasPriceFlag.Name)
	}
	if c.IsSet(apiHostFlag.Name) {
		cfg.Server.Host = c.String(apiHostFlag.Name)
	}
	if c.IsSet(apiPortFlag.Name) {
		cfg.Server.Port = c.Int(apiPortFlag.Name)
	}
	if c.IsSet(apiTokenFlag.Name) {
		cfg.Server.Token = c.String(apiTokenFlag.Name)
	}

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrBillingConfig) {
			return nil, errors.New("--billing-enabled requires --escrow-contract and --operator-pem")
		}
		return nil, err
	}
	return cfg, nil
}

// openStore opens the database and applies the schema. The schema is
// idempotent, so every command runs it, matching the behavior of init-db.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// cliService builds an admin service for one-shot commands. The probe is for
// the API intake path; terminal enrollment trusts the operator, so it is
// forced off here. The nop logger keeps stdout to the printed confirmations.
func cliService(st *store.Store, cfg *config.Config) *admin.Service {
	cliCfg := *cfg
	cliCfg.Stream.ProbeOnEnroll = false
	return admin.NewService(st, stream.NewClient(cliCfg.Stream.URL), &cliCfg, zap.NewNop())
}

func initDBAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	fmt.Printf("DB ready: %s\n", cfg.Database.Path)
	return nil
}

func enrollAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	res, err := cliService(st, cfg).Enroll(c.Context, c.String(addressFlag.Name), c.String(signatureFlag.Name), c.Int64(feeBpsFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("Enrolled: %s\n", res.Address)
	return nil
}

func enrollFromPEMAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	tool := wallet.NewTool(cfg.Billing.Binary)
	pem := c.String(pemFlag.Name)

	address, err := tool.Address(c.Context, pem)
	if err != nil {
		return err
	}
	signature, err := tool.SignStream(c.Context, pem)
	if err != nil {
		return err
	}
	res, err := cliService(st, cfg).Enroll(c.Context, address, signature, c.Int64(feeBpsFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("Enrolled from PEM: %s\n", res.Address)
	return nil
}

func pauseAction(c *cli.Context) error {
	return lifecycleAction(c, "Paused", (*admin.Service).Pause)
}

func resumeAction(c *cli.Context) error {
	return lifecycleAction(c, "Resumed", (*admin.Service).Resume)
}

func removeAction(c *cli.Context) error {
	return lifecycleAction(c, "Removed", (*admin.Service).Remove)
}

func lifecycleAction(c *cli.Context, verb string, op func(*admin.Service, context.Context, string) error) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	address := c.String(addressFlag.Name)
	if err := op(cliService(st, cfg), c.Context, address); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return fmt.Errorf("Agent not found: %s", address)
		}
		return err
	}
	fmt.Printf("%s: %s\n", verb, address)
	return nil
}

func tickAction(c *cli.Context) error {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	sched, err := buildScheduler(st, cfg, nil, log)
	if err != nil {
		return err
	}
	result := sched.Tick(c.Context)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
