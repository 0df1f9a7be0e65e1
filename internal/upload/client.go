package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Submission paths, one per payload kind.
const (
	entriesPath      = "/api/v1/entries"
	treatmentsPath   = "/api/v1/treatments"
	deviceStatusPath = "/api/v1/devicestatus"
)

// Sink accepts upload payloads. The engine depends on this interface rather
// than the HTTP client so tests can substitute a fake.
type Sink interface {
	// Submit uploads one payload. A nil return means the remote service
	// durably accepted (or deduplicated) it.
	Submit(ctx context.Context, p Payload) error
}

// Client is the HTTP implementation of Sink against the aggregation API.
type Client struct {
	baseURL    string
	secretHash string
	httpClient *http.Client
}

// NewClient creates a client for the aggregation service at baseURL.
//
// A trailing path separator on baseURL is stripped before path composition,
// so "https://cgm.example.com/" and "https://cgm.example.com" behave the
// same. The pre-shared secret is never sent raw: each request carries its
// hex-encoded SHA-1 (40 characters) in the api-secret header.
//
// If httpClient is nil a default with a 30 second timeout is used.
func NewClient(baseURL, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	sum := sha1.Sum([]byte(secret))

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secretHash: hex.EncodeToString(sum[:]),
		httpClient: httpClient,
	}
}

// Submit implements Sink.
func (c *Client) Submit(ctx context.Context, p Payload) error {
	var path string
	var body interface{}

	switch p.Kind {
	case KindEntry:
		path, body = entriesPath, []*Entry{p.Entry}
	case KindTreatment:
		path, body = treatmentsPath, []*Treatment{p.Treatment}
	case KindDeviceStatus:
		path, body = deviceStatusPath, []*DeviceStatus{p.DeviceStatus}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", p.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", p.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-secret", c.secretHash)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", p.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("aggregation service rejected %s: %s (%s)",
			p.Kind, resp.Status, strings.TrimSpace(string(msg)))
	}

	return nil
}
