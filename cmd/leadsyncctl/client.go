package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// client talks to the leadsyncd HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		// Sync and follow-up runs can take minutes.
		http: &http.Client{Timeout: 30 * time.Minute},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// do sends body as JSON when non-nil and decodes the response into out.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wsURL turns the API base into a websocket URL for path.
func (c *client) wsURL(path string, query url.Values) string {
	u := c.base + path
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

type sessionRecord struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	LastActivity *time.Time `json:"lastActivity"`
	QR           string     `json:"qr,omitempty"`
}

type runResult struct {
	Message string `json:"message"`
	Total   int    `json:"total"`
}

type leadRecord struct {
	Name              string `json:"name"`
	Number            string `json:"number"`
	LastMessage       string `json:"lastMessage"`
	LastInteractionAt string `json:"lastInteractionAt"`
	DayCounter        int    `json:"dayCounter"`
	Status            string `json:"status"`
	Replied           bool   `json:"replied"`
	Notes             string `json:"notes"`
	Source            string `json:"source"`
}

type followupEntry struct {
	Number     string `json:"number"`
	DayCounter int    `json:"dayCounter"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

type summary struct {
	TotalLeads     int            `json:"totalLeads"`
	Sources        map[string]int `json:"sources"`
	StatusCount    map[string]int `json:"statusCount"`
	RepliesDone    int            `json:"repliesDone"`
	RepliesPending int            `json:"repliesPending"`
	ActiveCount    int            `json:"activeCount"`
}
