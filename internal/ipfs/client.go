// Package ipfs is a minimal Kubo HTTP RPC client: add-with-pin through the
// API endpoint, fetch through the gateway.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"orbitwatch/internal/model"
)

const requestTimeout = 30 * time.Second

// Publisher stores content and returns its content identifier.
type Publisher interface {
	Add(ctx context.Context, data []byte) (string, error)
}

// Fetcher retrieves content by identifier.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
	GatewayURL(cid string) string
}

// Client talks to a Kubo node and its gateway.
type Client struct {
	apiURL     string
	gatewayURL string
	httpClient *http.Client
}

// NewClient builds a client for the given API and gateway base URLs.
func NewClient(apiURL, gatewayURL string) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Add pins data on the node and returns its CID.
func (c *Client) Add(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "evidence.json")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	url := c.apiURL + "/api/v0/add?pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.Transient("ipfs add", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(res.Body)
		return "", model.Transient("ipfs add", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(text))))
	}

	var parsed struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", model.Invalid("ipfs add response", err)
	}
	if parsed.Hash == "" {
		return "", model.Invalid("ipfs add response", fmt.Errorf("empty hash"))
	}
	return parsed.Hash, nil
}

// Fetch retrieves content from the gateway by CID.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GatewayURL(cid), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.Transient("ipfs fetch", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(res.Body)
		return nil, model.Transient("ipfs fetch", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(text))))
	}
	return io.ReadAll(res.Body)
}

// GatewayURL returns the public URL for a CID.
func (c *Client) GatewayURL(cid string) string {
	return fmt.Sprintf("%s/ipfs/%s", c.gatewayURL, cid)
}
