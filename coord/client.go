// Package coord is the relay's client for the coordination service.
package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const DefaultTimeout = 3 * time.Second

// ErrUnreachable wraps every failure that happened before an HTTP response
// was received: refused connections, DNS failures, timeouts.
var ErrUnreachable = errors.New("coordination service unreachable")

// StatusError is returned when the service answered with a non-2xx status or
// a body that could not be decoded.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordination service returned status %d: %s", e.Code, e.Body)
}

// Flag decodes a JSON bool that older servers sent as 0/1.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("invalid done flag %s", b)
	}
	return nil
}

// PendingCommand is the answer to a fetch. ID is nil when there is nothing
// left to acknowledge.
type PendingCommand struct {
	ID      *int64 `json:"id"`
	Command string `json:"command"`
	Done    Flag   `json:"done"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the service at baseURL. A zero timeout
// selects DefaultTimeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("NewRequest failed: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %s %s timed out", ErrUnreachable, method, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

// Fetch asks for the pending command.
func (c *Client) Fetch(ctx context.Context) (PendingCommand, error) {
	var cmd PendingCommand
	body, err := c.do(ctx, http.MethodGet, "/fetch", nil)
	if err != nil {
		return cmd, err
	}
	if err := json.Unmarshal(body, &cmd); err != nil {
		return PendingCommand{}, &StatusError{Code: http.StatusOK, Body: fmt.Sprintf("could not parse fetch response: %v", err)}
	}
	return cmd, nil
}

// MarkDone acknowledges command id.
func (c *Client) MarkDone(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/done/%d", id), nil)
	return err
}

// SendTelemetry posts one JSON telemetry line as-is.
func (c *Client) SendTelemetry(ctx context.Context, line []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/telemetry", line)
	return err
}
