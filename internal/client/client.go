package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tuner/internal/history"
	"tuner/internal/pipeline"
	"tuner/internal/supervisor"
	"tuner/internal/utils"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

// Client talks to a running `tuner serve`.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: utils.BaseURL(baseURL), HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type startResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

func (c *Client) Start(ctx context.Context, cfg pipeline.Config) (string, error) {
	var out startResponse
	if err := c.do(ctx, http.MethodPost, "/api/train/start", cfg, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/train/stop", nil, nil)
}

func (c *Client) Status(ctx context.Context) (supervisor.Snapshot, error) {
	var snap supervisor.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/train/status", nil, &snap)
	return snap, err
}

func (c *Client) Models(ctx context.Context) ([]string, error) {
	var out struct {
		Models []string `json:"models"`
	}
	err := c.do(ctx, http.MethodGet, "/api/train/models", nil, &out)
	return out.Models, err
}

func (c *Client) History(ctx context.Context, limit int) ([]history.Run, error) {
	var out struct {
		Runs []history.Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/train/history?limit="+strconv.Itoa(limit), nil, &out)
	return out.Runs, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, utils.Absolute(c.BaseURL, path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = string(bytes.TrimSpace(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Detail: e.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
