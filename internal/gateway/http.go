package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/calloway/waypoint/internal/models"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds each gateway call when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL string
	// Tokens supplies the bearer token. The session manager owning the
	// token lives outside this engine; oauth2.TokenSource is the
	// boundary.
	Tokens  oauth2.TokenSource
	Timeout time.Duration
	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL string
	tokens  oauth2.TokenSource
	client  *http.Client
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	// The fixed per-call timeout lives on the client so an unresponsive
	// server surfaces as a retryable error.
	client.Timeout = timeout
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		tokens:  opts.Tokens,
		client:  client,
	}, nil
}

// errorBody is the server's structured error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("gateway: bearer token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failure: retryable by IsRetryable.
		return nil, fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		msg := ""
		if json.Unmarshal(data, &eb) == nil {
			msg = eb.Message
			if msg == "" {
				msg = eb.Error
			}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func collectionPath(t models.EntityType) (string, error) {
	return models.RESTPath(t)
}

func entityPath(t models.EntityType, id string) (string, error) {
	base, err := models.RESTPath(t)
	if err != nil {
		return "", err
	}
	return base + "/" + url.PathEscape(id), nil
}

// Create implements Gateway.
func (c *Client) Create(ctx context.Context, t models.EntityType, idempotencyKey string, payload []byte) ([]byte, error) {
	path, err := collectionPath(t)
	if err != nil {
		return nil, fmt.Errorf("gateway: create: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, idempotencyKey, payload)
}

// Update implements Gateway.
func (c *Client) Update(ctx context.Context, t models.EntityType, id string, payload []byte) ([]byte, error) {
	path, err := entityPath(t, id)
	if err != nil {
		return nil, fmt.Errorf("gateway: update: %w", err)
	}
	return c.do(ctx, http.MethodPut, path, "", payload)
}

// Delete implements Gateway.
func (c *Client) Delete(ctx context.Context, t models.EntityType, id string) error {
	path, err := entityPath(t, id)
	if err != nil {
		return fmt.Errorf("gateway: delete: %w", err)
	}
	_, err = c.do(ctx, http.MethodDelete, path, "", nil)
	return err
}

// Fetch implements Gateway.
func (c *Client) Fetch(ctx context.Context, t models.EntityType, id string) ([]byte, error) {
	path, err := entityPath(t, id)
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch: %w", err)
	}
	return c.do(ctx, http.MethodGet, path, "", nil)
}

// ListByParent implements Gateway.
func (c *Client) ListByParent(ctx context.Context, t models.EntityType, parentID string) ([][]byte, error) {
	path, err := collectionPath(t)
	if err != nil {
		return nil, fmt.Errorf("gateway: list: %w", err)
	}
	if parentID != "" {
		path += "?parent=" + url.QueryEscape(parentID)
	}
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("gateway: list %s: decode: %w", t, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// FileTokenSource reads the bearer token written by `wp login`. The
// token file is re-read on every call so a refreshed token is picked up
// without restarting the engine.
type FileTokenSource struct {
	Path string
}

// Token implements oauth2.TokenSource.
func (f *FileTokenSource) Token() (*oauth2.Token, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read token file %s: %w", f.Path, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return nil, fmt.Errorf("gateway: token file %s is empty", f.Path)
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}
