package storekit

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
)

const (
	ProductionBaseURL = "https://api.storekit.itunes.apple.com"
	SandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	maxBodyBytes = 1 << 20
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrUnexpectedStatus    = errors.New("unexpected status")
)

// Tokener supplies bearer tokens.
type Tokener interface {
	Token() (string, error)
}

// Client calls the App Store Server API.
type Client struct {
	baseURL string
	tokens  Tokener
	http    *http.Client
}

// NewClient creates a client against baseURL. A nil httpClient gets a 30s timeout.
func NewClient(baseURL string, tokens Tokener, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = ProductionBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
	}
}

// Transaction fetches the transaction info for transactionID and returns the
// response body untouched.
func (c *Client) Transaction(ctx context.Context, transactionID string) (json.RawMessage, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/inApps/v1/transactions/" + url.PathEscape(transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction %s: %w", transactionID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w %d for transaction %s", ErrUnexpectedStatus, resp.StatusCode, transactionID)
	case !json.Valid(body):
		return nil, fmt.Errorf("invalid json for transaction %s", transactionID)
	}
	return json.RawMessage(body), nil
}
