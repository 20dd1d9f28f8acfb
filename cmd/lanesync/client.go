package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lanesync/lanesync/internal/model"
)

// apiClient talks to a running daemon's HTTP API.
type apiClient struct {
	base   string
	client *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base:   strings.TrimRight(daemonAddr, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// get decodes a JSON GET response into out.
func (c *apiClient) get(path string, out any) error {
	resp, err := c.client.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s (is it running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode daemon response: %w", err)
	}
	return nil
}

// post sends a JSON body and decodes the response into out when out
// is non-nil. okCodes lists acceptable status codes (default 200).
func (c *apiClient) post(path string, body, out any, okCodes ...int) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	resp, err := c.client.Post(c.base+path, "application/json", payload)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s (is it running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if len(okCodes) == 0 {
		okCodes = []int{http.StatusOK}
	}
	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return apiError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode daemon response: %w", err)
	}
	return nil
}

// apiError turns a non-OK response into a readable error.
func apiError(resp *http.Response) error {
	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s (%s)", body.Error, resp.Status)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}

func (c *apiClient) status() (model.SyncStatus, error) {
	var status model.SyncStatus
	err := c.get("/sync/status", &status)
	return status, err
}

func (c *apiClient) progress() (model.SyncProgress, error) {
	var progress model.SyncProgress
	err := c.get("/sync/progress", &progress)
	return progress, err
}

func (c *apiClient) devices() ([]model.PeerDevice, error) {
	var devices []model.PeerDevice
	err := c.get("/network/devices", &devices)
	return devices, err
}

func (c *apiClient) conflicts() ([]model.PendingConflict, error) {
	var conflicts []model.PendingConflict
	err := c.get("/sync/conflicts", &conflicts)
	return conflicts, err
}
