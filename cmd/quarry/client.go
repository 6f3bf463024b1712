// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/server"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// defaultHTTPClient is used for short API calls. Overridden in tests.
var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

// streamHTTPClient is used for chat streams, which last as long as
// generation does. Overridden in tests.
var streamHTTPClient = &http.Client{}

// maxEventSize bounds one SSE data line.
const maxEventSize = 1 << 20

// apiClient provides HTTP access to a running quarry server.
type apiClient struct {
	baseURL string
	token   string
	tenant  string
}

// addRemoteFlags registers the flags shared by commands that talk to a
// running server.
func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("address", "", "server address host:port (default networking.listen)")
	cmd.Flags().String("token", "", "bearer token (default $QUARRY_TOKEN)")
	cmd.Flags().StringP("tenant", "t", defaultTenant, "tenant sent in dev mode, when no token is used")
}

// newAPIClient builds a client from the remote flags.
func newAPIClient(cmd *cobra.Command, cc *cliContext) *apiClient {
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = cc.v.GetString("networking.listen")
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("QUARRY_TOKEN")
	}
	tenant, _ := cmd.Flags().GetString("tenant")

	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{baseURL: strings.TrimRight(base, "/"), token: token, tenant: tenant}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "building request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.tenant != "" {
		req.Header.Set(server.TenantHeader, c.tenant)
	}
	return req, nil
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *apiClient) getJSON(ctx context.Context, path string, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(defaultHTTPClient, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "invalid response: %w", err)
	}
	return nil
}

// streamEvent is one server-sent event.
type streamEvent struct {
	Event string
	Data  []byte
}

// streamChat posts a chat message and calls onEvent for every event until
// the stream ends.
func (c *apiClient) streamChat(ctx context.Context, body any, onEvent func(streamEvent) error) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "encoding request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(streamHTTPClient, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return readSSE(resp.Body, onEvent)
}

// do sends req and turns transport failures and non-2xx replies into
// errors.
func (c *apiClient) do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if isDialError(err) {
			return nil, quarryerr.Errorf(quarryerr.CodeCLIServerNotRunning,
				"quarry server at %s is not running (connection refused)", req.URL.Host)
		}
		return nil, quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, problemError(resp)
}

// problemError reads an RFC 9457 problem body into an error.
func problemError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &problem) == nil && (problem.Detail != "" || problem.Title != "") {
		msg = problem.Detail
		if msg == "" {
			msg = problem.Title
		}
	}
	return quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "server returned status %d: %s", resp.StatusCode, msg)
}

// readSSE parses a text/event-stream body. Events are dispatched on the
// blank line that ends them; comment lines are ignored.
func readSSE(r io.Reader, onEvent func(streamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var ev streamEvent
	var data [][]byte
	flush := func() error {
		if ev.Event == "" && len(data) == 0 {
			return nil
		}
		if ev.Event == "" {
			ev.Event = "message"
		}
		ev.Data = bytes.Join(data, []byte("\n"))
		err := onEvent(ev)
		ev, data = streamEvent{}, nil
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		}
	}
	if err := sc.Err(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "reading event stream: %w", err)
	}
	return flush()
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// remoteError is the payload of an "error" stream event.
type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("%s (status %d, %s)", e.Message, e.Status, e.Code)
}
