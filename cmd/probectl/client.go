package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultAddress = "http://localhost:8090"

// apiClient talks to the monitor's HTTP API. Address and credentials come from
// PROBECTL_ADDRESS, PROBECTL_USER and PROBECTL_PASSWORD.
type apiClient struct {
	base     string
	user     string
	password string
	http     *http.Client
}

func newAPIClient() *apiClient {
	addr := os.Getenv("PROBECTL_ADDRESS")
	if strings.TrimSpace(addr) == "" {
		addr = defaultAddress
	}
	return &apiClient{
		base:     strings.TrimRight(addr, "/"),
		user:     os.Getenv("PROBECTL_USER"),
		password: os.Getenv("PROBECTL_PASSWORD"),
		http:     &http.Client{Timeout: 5 * time.Minute},
	}
}

// apiError is the JSON error body written by the server.
type apiError struct {
	Status int
	Kind   string `json:"kind"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (HTTP %d, %s)", e.Msg, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Msg, e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
