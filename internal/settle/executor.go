// Package settle submits billEpoch calls to the escrow contract through the
// external chain CLI. The process exit code is the only success signal.
package settle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

var ErrBillingConfig = errors.New("settle: billing requires an escrow contract and an operator PEM")

const defaultBinary = "clawpy"

// Config carries the on-chain call parameters. Binary is overridable so tests
// can point at a stub.
type Config struct {
	Binary         string
	EscrowContract string
	OperatorPEM    string
	ProxyURL       string
	ChainID        string
	GasLimit       int64
	GasPrice       int64
}

// Outcome mirrors the finished process: exit code plus both captured streams.
type Outcome struct {
	OK         bool
	ReturnCode int
	Stdout     string
	Stderr     string
}

type Executor struct {
	cfg Config
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.EscrowContract == "" || cfg.OperatorPEM == "" {
		return nil, ErrBillingConfig
	}
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	return &Executor{cfg: cfg}, nil
}

// Bill invokes one on-chain billEpoch call for (address, epoch, windows).
// Failure to even start the process reports return code -1 with the launch
// error in stderr, so the caller records it like any other failed settlement.
func (e *Executor) Bill(ctx context.Context, address string, epoch, windows int64) Outcome {
	cmd := exec.CommandContext(ctx, e.cfg.Binary, e.billArgs(address, epoch, windows)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	rc := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rc = exitErr.ExitCode()
		} else {
			rc = -1
			if stderr.Len() == 0 {
				fmt.Fprintf(&stderr, "%v", err) //nolint:errcheck
			}
		}
	}

	return Outcome{
		OK:         err == nil,
		ReturnCode: rc,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}
}

func (e *Executor) billArgs(address string, epoch, windows int64) []string {
	return []string{
		"contract", "call", e.cfg.EscrowContract,
		"--function", "billEpoch",
		"--arguments", address, strconv.FormatInt(epoch, 10), strconv.FormatInt(windows, 10),
		"--gas-limit", strconv.FormatInt(e.cfg.GasLimit, 10),
		"--gas-price", strconv.FormatInt(e.cfg.GasPrice, 10),
		"--pem", e.cfg.OperatorPEM,
		"--chain", e.cfg.ChainID,
		"--proxy", e.cfg.ProxyURL,
		"--send",
	}
}
