// Package stream talks to the remote stream-window endpoint: one POST per
// arm, classified into the outcome the scheduler acts on.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonAlreadyStreaming Reason = "already_streaming"
	ReasonError            Reason = "error"
)

// Result is the parsed outcome of one stream POST. EndStreamMS is zero when
// the response carried no usable end instant. A network-level failure is
// reported as Status 0 with a "URLError:" body.
type Result struct {
	OK          bool
	Status      int
	Body        string
	EndStreamMS int64
	Reason      Reason
}

// Client issues keep-streaming requests against a single stream URL.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 20 * time.Second},
	}
}

type streamRequest struct {
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Address   string `json:"address"`
}

// Post arms the agent's stream once. Network failures never return an error;
// they classify as a failed Result so the caller's backoff handling stays on
// one path.
func (c *Client) Post(ctx context.Context, address, signature string) Result {
	payload, _ := json.Marshal(streamRequest{
		Signature: normalizeSignature(signature),
		Message:   "stream",
		Address:   address,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{Status: 0, Body: "URLError: " + err.Error(), Reason: ReasonError}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Status: 0, Body: "URLError: " + err.Error(), Reason: ReasonError}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	return Result{
		OK:          ok,
		Status:      resp.StatusCode,
		Body:        body,
		EndStreamMS: extractEndStream(raw),
		Reason:      classify(ok, resp.StatusCode, body),
	}
}

func classify(ok bool, status int, body string) Reason {
	if ok {
		return ReasonOK
	}
	if status == http.StatusForbidden && strings.Contains(strings.ToLower(body), "already streaming") {
		return ReasonAlreadyStreaming
	}
	return ReasonError
}

// extractEndStream returns the first integer among end_stream and
// can_stream_again_at, or zero when neither parses as one.
func extractEndStream(body []byte) int64 {
	var parsed map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return 0
	}
	for _, key := range []string{"end_stream", "can_stream_again_at"} {
		num, ok := parsed[key].(json.Number)
		if !ok {
			continue
		}
		v, err := num.Int64()
		if err != nil || v == 0 {
			continue
		}
		return v
	}
	return 0
}

func normalizeSignature(sig string) string {
	return strings.TrimPrefix(strings.TrimSpace(sig), "0x")
}
