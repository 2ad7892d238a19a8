// Package wallet drives the external clawpy wallet tooling for PEM-based
// enrollment: address derivation and stream-message signing.
package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

var (
	addressPattern   = regexp.MustCompile(`claw1[0-9a-z]+`)
	signaturePattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Tool shells out to the clawpy wallet commands.
type Tool struct {
	binary string
}

func NewTool(binary string) *Tool {
	if binary == "" {
		binary = "clawpy"
	}
	return &Tool{binary: binary}
}

// Address derives the bech32 address for a PEM keyfile.
func (t *Tool) Address(ctx context.Context, pemPath string) (string, error) {
	out, err := t.run(ctx, "wallet", "convert",
		"--infile", pemPath,
		"--in-format", "pem",
		"--out-format", "address-bech32")
	if err != nil {
		return "", err
	}
	addr := addressPattern.FindString(out)
	if addr == "" {
		return "", fmt.Errorf("wallet: no claw address in output:\n%s", out)
	}
	return addr, nil
}

// SignStream signs the literal message "stream" with the PEM key, producing
// the signature the stream endpoint verifies on every arm.
func (t *Tool) SignStream(ctx context.Context, pemPath string) (string, error) {
	out, err := t.run(ctx, "wallet", "sign-message",
		"--pem", pemPath,
		"--message", "stream")
	if err != nil {
		return "", err
	}
	sig := signaturePattern.FindString(out)
	if sig == "" {
		return "", fmt.Errorf("wallet: no signature in output:\n%s", out)
	}
	return sig, nil
}

// run executes one clawpy call. The tool prints to either descriptor
// depending on version, so successful output is stdout and stderr combined.
func (t *Tool) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("wallet: clawpy %s failed (%d)\nstdout:\n%s\nstderr:\n%s",
				strings.Join(args, " "), exitErr.ExitCode(), stdout.String(), stderr.String())
		}
		return "", fmt.Errorf("wallet: clawpy %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String() + "\n" + stderr.String()), nil
}
