// Package directory talks to the card directory and token service: it
// publishes cards, looks peers up, and issues short-lived bearer tokens
// for the transport and for directory access.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/morse/internal/crypto"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
)

// Token kinds issued by the service.
const (
	TokenTransport = "transport"
	TokenDirectory = "directory"
)

// maxResponseBytes bounds directory responses.
const maxResponseBytes = 1 << 20

// APIError is the error body returned by the directory.
type APIError struct {
	Error string `json:"error"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Client talks to the directory HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string

	// cards authorizes card lookups once an identity is attached.
	cards *TokenSource
}

// NewClient creates a directory client. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// WithIdentity returns a copy of the client that authorizes card lookups
// with directory tokens issued to id.
func (c *Client) WithIdentity(id *crypto.Identity) *Client {
	cp := *c
	cp.cards = NewTokenSource(c, id, TokenDirectory)
	return &cp
}

// do sends a request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, endpoint, auth string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &apperrors.AuthError{Op: endpoint, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", endpoint, apperrors.ErrNotFound)
		case http.StatusConflict:
			return fmt.Errorf("%s: %w", endpoint, apperrors.ErrExists)
		}
		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, msg)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// SignUp publishes the identity's card. The request is signed by the
// identity itself, proving possession of the signing key.
func (c *Client) SignUp(ctx context.Context, id *crypto.Identity) error {
	if err := c.do(ctx, http.MethodPost, "/cards", id.AuthHeader(time.Now()), id.Card(), nil); err != nil {
		return fmt.Errorf("publishing card: %w", err)
	}
	return nil
}

// FindCard fetches and verifies the card for handle.
func (c *Client) FindCard(ctx context.Context, handle string) (crypto.Card, error) {
	var auth string
	if c.cards != nil {
		tok, err := c.cards.Token(ctx)
		if err != nil {
			return crypto.Card{}, err
		}
		auth = "Bearer " + tok
	}

	var card crypto.Card
	if err := c.do(ctx, http.MethodGet, "/cards/"+url.PathEscape(handle), auth, nil, &card); err != nil {
		if c.cards != nil && isAuth(err) {
			c.cards.Invalidate()
		}
		return crypto.Card{}, fmt.Errorf("finding card for %q: %w", handle, asPeerNotFound(err))
	}

	if err := card.Verify(); err != nil {
		return crypto.Card{}, err
	}
	return card, nil
}

// IssueToken requests a fresh token of kind for id.
func (c *Client) IssueToken(ctx context.Context, id *crypto.Identity, kind string) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodGet, "/tokens/"+kind, id.AuthHeader(time.Now()), nil, &resp); err != nil {
		return "", fmt.Errorf("issuing %s token: %w", kind, err)
	}
	if resp.Token == "" {
		return "", &apperrors.AuthError{Op: "issue " + kind + " token", Err: fmt.Errorf("empty token")}
	}
	return resp.Token, nil
}
