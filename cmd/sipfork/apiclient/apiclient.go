// Package apiclient talks to the admin API of a running sipfork instance.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/papercomputeco/sipfork/api"
	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
	"github.com/papercomputeco/sipfork/router"
)

const defaultTimeout = 10 * time.Second

// ErrNotFound is returned when the instance does not know the fork.
var ErrNotFound = errors.New("fork not found")

type Client struct {
	base string
	http *http.Client
}

// New creates a client for the API at target, e.g. "http://localhost:8081".
func New(target string) (*Client, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid API target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API target %q: scheme must be http or https", target)
	}

	return &Client{
		base: strings.TrimRight(target, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Client) Stats(ctx context.Context) (*router.Stats, error) {
	var out router.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Forks(ctx context.Context) (*api.ForkListResponse, error) {
	var out api.ForkListResponse
	if err := c.do(ctx, http.MethodGet, "/forks", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evict saves the fork to storage. A nil Info means the fork finished.
func (c *Client) Evict(ctx context.Context, id string) (*dbproxy.Info, error) {
	return c.transition(ctx, id, "evict")
}

// Materialize loads the fork back in memory. A nil Info means the fork
// finished.
func (c *Client) Materialize(ctx context.Context, id string) (*dbproxy.Info, error) {
	return c.transition(ctx, id, "materialize")
}

func (c *Client) transition(ctx context.Context, id, action string) (*dbproxy.Info, error) {
	var out dbproxy.Info
	err := c.do(ctx, http.MethodPost, "/forks/"+url.PathEscape(id)+"/"+action, &out)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

var errNoContent = errors.New("no content")

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading API response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return errNoContent
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		var apiErr api.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing API response: %w", err)
	}
	return nil
}
