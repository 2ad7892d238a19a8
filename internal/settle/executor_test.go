package settle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// stubBinary writes an executable shell script and returns its path.
func stubBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clawpy-stub")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func testConfig(binary string) Config {
	return Config{
		Binary:         binary,
		EscrowContract: "claw1escrowcontract",
		OperatorPEM:    "/keys/operator.pem",
		ProxyURL:       "https://api.claws.network",
		ChainID:        "C",
		GasLimit:       25_000_000,
		GasPrice:       20_000_000_000_000,
	}
}

// ── NewExecutor ──────────────────────────────────────────────────────────────

func TestNewExecutor_RequiresEscrowAndPEM(t *testing.T) {
	for _, cfg := range []Config{
		{OperatorPEM: "/keys/operator.pem"},
		{EscrowContract: "claw1escrow"},
		{},
	} {
		if _, err := NewExecutor(cfg); !errors.Is(err, ErrBillingConfig) {
			t.Errorf("cfg %+v: expected ErrBillingConfig, got %v", cfg, err)
		}
	}
}

// ── Argument construction ────────────────────────────────────────────────────

func TestBill_Arguments(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "args")
	bin := stubBinary(t, fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %s\n", capture))

	e, err := NewExecutor(testConfig(bin))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	out := e.Bill(context.Background(), "claw1agent", 41, 3)
	if !out.OK {
		t.Fatalf("Bill: ok=false rc=%d stderr=%q", out.ReturnCode, out.Stderr)
	}

	raw, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	got := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	want := []string{
		"contract", "call", "claw1escrowcontract",
		"--function", "billEpoch",
		"--arguments", "claw1agent", "41", "3",
		"--gas-limit", "25000000",
		"--gas-price", "20000000000000",
		"--pem", "/keys/operator.pem",
		"--chain", "C",
		"--proxy", "https://api.claws.network",
		"--send",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args:\n got %v\nwant %v", got, want)
	}
}

// ── Exit code mapping ────────────────────────────────────────────────────────

func TestBill_Success(t *testing.T) {
	bin := stubBinary(t, "#!/bin/sh\necho 'tx hash: abc123'\nexit 0\n")
	e, _ := NewExecutor(testConfig(bin))

	out := e.Bill(context.Background(), "claw1agent", 41, 3)
	if !out.OK {
		t.Errorf("OK: got false want true")
	}
	if out.ReturnCode != 0 {
		t.Errorf("ReturnCode: got %d want 0", out.ReturnCode)
	}
	if !strings.Contains(out.Stdout, "tx hash: abc123") {
		t.Errorf("Stdout: got %q", out.Stdout)
	}
}

func TestBill_Failure(t *testing.T) {
	bin := stubBinary(t, "#!/bin/sh\necho 'submitting' \necho 'nonce too low' >&2\nexit 1\n")
	e, _ := NewExecutor(testConfig(bin))

	out := e.Bill(context.Background(), "claw1agent", 41, 3)
	if out.OK {
		t.Error("OK: got true want false")
	}
	if out.ReturnCode != 1 {
		t.Errorf("ReturnCode: got %d want 1", out.ReturnCode)
	}
	if !strings.Contains(out.Stderr, "nonce too low") {
		t.Errorf("Stderr: got %q", out.Stderr)
	}
	if !strings.Contains(out.Stdout, "submitting") {
		t.Errorf("Stdout: got %q", out.Stdout)
	}
}

func TestBill_SuccessIgnoresStderrNoise(t *testing.T) {
	// Only the exit code decides; stderr output on exit 0 is still a success.
	bin := stubBinary(t, "#!/bin/sh\necho 'deprecation warning' >&2\nexit 0\n")
	e, _ := NewExecutor(testConfig(bin))

	out := e.Bill(context.Background(), "claw1agent", 41, 3)
	if !out.OK {
		t.Errorf("OK: got false want true (stderr must not matter)")
	}
}

func TestBill_MissingBinary(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "does-not-exist"))
	e, _ := NewExecutor(cfg)

	out := e.Bill(context.Background(), "claw1agent", 41, 3)
	if out.OK {
		t.Error("OK: got true want false")
	}
	if out.ReturnCode != -1 {
		t.Errorf("ReturnCode: got %d want -1", out.ReturnCode)
	}
	if out.Stderr == "" {
		t.Error("Stderr: expected launch error detail")
	}
}
