// Package epoch resolves the current chain epoch from the network status API.
package epoch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrEpochUnavailable = errors.New("epoch: chain epoch unavailable")

// Oracle is a stateless reader of the chain's network status endpoints.
type Oracle struct {
	baseURL string
	http    *http.Client
}

func NewOracle(baseURL string) *Oracle {
	return &Oracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

// Current fetches the chain epoch. The metachain-shard endpoint is tried
// first; any failure there falls back to the plain status endpoint. Both
// failing, or neither response carrying an integer epoch field, reports
// ErrEpochUnavailable.
func (o *Oracle) Current(ctx context.Context) (int64, error) {
	var (
		data    map[string]any
		lastErr error
	)
	for _, path := range []string{"/network/status/4294967295", "/network/status"} {
		d, err := o.getJSON(ctx, o.baseURL+path)
		if err != nil {
			lastErr = err
			continue
		}
		data = d
		break
	}
	if data == nil {
		return 0, fmt.Errorf("%w: %v", ErrEpochUnavailable, lastErr)
	}

	status := subObject(subObject(data, "data"), "status")
	for _, key := range []string{"erd_epoch", "erd_epoch_number", "epoch"} {
		if v, ok := intField(status, key); ok {
			return v, nil
		}
	}
	metrics := subObject(subObject(data, "data"), "metrics")
	if v, ok := intField(metrics, "erd_epoch"); ok {
		return v, nil
	}

	return 0, fmt.Errorf("%w: no integer epoch field in status response", ErrEpochUnavailable)
}

func (o *Oracle) getJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return data, nil
}

// subObject is nil-safe: missing or mistyped keys yield a nil map, which
// lookups tolerate.
func subObject(m map[string]any, key string) map[string]any {
	sub, _ := m[key].(map[string]any)
	return sub
}

func intField(m map[string]any, key string) (int64, bool) {
	num, ok := m[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}
