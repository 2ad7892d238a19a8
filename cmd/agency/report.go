package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/clawsnetwork/stream-agency/internal/store"
)

func reportAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	rows, err := cliService(st, cfg).Report(c.Context)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No agents enrolled.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Address", "Status", "Fee bps", "OK/Fail", "Pending/Billed", "Next attempt (UTC)", "Expected end (UTC)"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, row := range rows {
		table.Append([]string{
			shortAddr(row.Address),
			row.Status,
			strconv.FormatInt(row.FeeBps, 10),
			fmt.Sprintf("%d/%d", row.SuccessCount, row.FailureCount),
			fmt.Sprintf("%d/%d", row.PendingWindows, row.BilledWindows),
			fmtTSPtr(row.NextAttemptMS),
			fmtTSPtr(row.ExpectedEndMS),
		})
	}
	table.Render()
	return nil
}

func attemptsAction(c *cli.Context) error {
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
	attempts, err := cliService(st, cfg).RecentAttempts(c.Context, address, c.Int(limitFlag.Name))
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return fmt.Errorf("Agent not found: %s", address)
		}
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("No attempts recorded.")
		return nil
	}

	for _, att := range attempts {
		fmt.Printf("%s ok=%t status=%d reason=%s end=%s\n",
			fmtTS(att.AttemptedMS), att.OK, att.StatusCode, att.Reason, fmtTS(att.EndStreamMS))
		fmt.Printf("  body=%s\n", clip(att.ResponseBody, 280))
	}
	return nil
}

func billingAttemptsAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	rows, err := cliService(st, cfg).RecentBillingAttempts(c.Context, c.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No billing attempts recorded.")
		return nil
	}

	for _, row := range rows {
		fmt.Printf("%s agent=%s epoch=%d windows=%d ok=%t rc=%d\n",
			fmtTS(row.AttemptedMS), row.Address, row.Epoch, row.Windows, row.OK, row.ReturnCode)
		if row.Stderr != "" {
			fmt.Printf("  stderr=%s\n", clip(row.Stderr, 260))
		}
	}
	return nil
}

// fmtTS renders a millisecond timestamp as UTC, "-" when unset.
func fmtTS(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func fmtTSPtr(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return fmtTS(*ms)
}

// shortAddr keeps the report table narrow; long bech32 addresses ellipsize.
func shortAddr(addr string) string {
	if len(addr) > 34 {
		return addr[:31] + "..."
	}
	return addr
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
