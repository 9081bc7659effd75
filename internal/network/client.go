package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"keyrelay/internal/input"
	"keyrelay/internal/protocol"
)

// ErrUnexpectedStatus is returned when the relay answers with anything but 200.
var ErrUnexpectedStatus = errors.New("network: unexpected relay status")

// DefaultClientTimeout bounds one client exchange.
const DefaultClientTimeout = 5 * time.Second

// Client is the producer and consumer side of the relay. Each call opens a
// fresh connection because the relay closes after every response.
type Client struct {
	endpoint string
	http     *http.Client
}

var (
	_ input.Sender = (*Client)(nil)
	_ input.Poller = (*Client)(nil)
)

// NewClient targets the relay listening on 127.0.0.1:port.
func NewClient(port int) *Client {
	u := url.URL{
		Scheme: "http",
		Host:   "127.0.0.1:" + strconv.Itoa(port),
		Path:   protocol.ActionSequencePath,
	}
	return &Client{
		endpoint: u.String(),
		http: &http.Client{
			Timeout:   DefaultClientTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// EncodeForm renders target and payload as a single-pair form body.
func EncodeForm(seq input.ActionSequence) string {
	return url.QueryEscape(seq.Target) + "=" + url.QueryEscape(seq.Payload)
}

// Send enqueues seq on the relay.
func (c *Client) Send(ctx context.Context, seq input.ActionSequence) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(EncodeForm(seq)))
	if err != nil {
		return fmt.Errorf("network: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if body != AcceptedMessage {
		return fmt.Errorf("network: relay answered %q", body)
	}
	return nil
}

// Poll takes the next sequence from the relay. It reports false when the
// queue was empty.
func (c *Client) Poll(ctx context.Context) (input.ActionSequence, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return input.ActionSequence{}, false, fmt.Errorf("network: build poll request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return input.ActionSequence{}, false, err
	}
	if body == "" {
		return input.ActionSequence{}, false, nil
	}
	seq, err := input.ParseActionSequence(body)
	if err != nil {
		return input.ActionSequence{}, false, fmt.Errorf("network: %w", err)
	}
	return seq, true, nil
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("network: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("network: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return string(data), nil
}
