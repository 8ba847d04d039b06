package httplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/romshark/procflow"
)

var ErrNotFound = errors.New("not found")

// APIError surfaces non-2xx responses from the server.
// Code is one of the Code constants for rejected section ids.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case procflow.ErrMalformedSectionID:
		return e.StatusCode == http.StatusBadRequest && e.Code == CodeMalformedSectionID
	case procflow.ErrSectionMisaligned:
		return e.StatusCode == http.StatusBadRequest && e.Code == CodeSectionMisaligned
	}
	return false
}

// Client is a remote notification log. It only supports section access
// so readers follow section links.
type Client struct {
	baseURL    string
	httpClient *http.Client
	info       Info
}

var _ procflow.NotificationLog = new(Client)

// NewClient fetches the log info from the server at baseURL.
// http.DefaultClient is used if httpClient == nil.
func NewClient(ctx context.Context, baseURL string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
	if err := c.get(ctx, "/info", &c.info); err != nil {
		return nil, fmt.Errorf("fetching log info: %w", err)
	}
	if c.info.SectionSize < 1 {
		return nil, fmt.Errorf("invalid section size: %d", c.info.SectionSize)
	}
	return c, nil
}

// Info returns the info fetched by NewClient.
func (c *Client) Info() Info { return c.info }

func (c *Client) SectionSize() int64 { return c.info.SectionSize }

func (c *Client) Section(ctx context.Context, id string) (procflow.Section, error) {
	var w Section
	if err := c.get(ctx, "/sections/"+id, &w); err != nil {
		return procflow.Section{}, err
	}
	return decodeSection(w), nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
