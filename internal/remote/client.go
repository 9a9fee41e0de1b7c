// Package remote implements the HTTPS JSON client for the remote document
// database: page creation/update, block appends, database queries, and the
// three-step file upload protocol.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hkdb/syncd/internal/logging"
)

const (
	defaultBaseURL    = "https://api.notion.com/v1"
	defaultAPIVersion = "2022-06-28"
	maxResponseBytes  = 4 * 1024 * 1024
	maxRetries        = 3
)

// Client is a rate-limited, retrying HTTPS client for the remote document
// database. One Client is shared by the whole Projector; its limiter
// enforces the "at most 3 writes per second" backpressure policy.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// Config configures a Client.
type Config struct {
	// Token is the bearer credential for the remote database.
	Token string

	// BaseURL overrides the API root, mainly for tests.
	BaseURL string

	// WritesPerSecond bounds outbound write calls (default 3).
	WritesPerSecond float64

	// Timeout bounds each individual HTTP call (default 30s).
	Timeout time.Duration
}

// New constructs a Client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	writesPerSecond := cfg.WritesPerSecond
	if writesPerSecond <= 0 {
		writesPerSecond = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      cfg.Token,
		limiter:    rate.NewLimiter(rate.Limit(writesPerSecond), 1),
		log:        logging.WithComponent("remote"),
	}
}

// Page is the generic page shape returned by create/query/update calls.
type Page struct {
	ID         string                     `json:"id"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

// CreatePage creates a page under parentDatabaseID with the given
// properties and initial body blocks (pages.create).
func (c *Client) CreatePage(ctx context.Context, parentDatabaseID string, properties map[string]any, children []map[string]any) (Page, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": parentDatabaseID},
		"properties": properties,
	}
	if len(children) > 0 {
		body["children"] = children
	}

	var page Page
	if err := c.doWrite(ctx, http.MethodPost, "/pages", body, &page); err != nil {
		return Page{}, fmt.Errorf("create page: %w", err)
	}
	return page, nil
}

// UpdatePage patches a page's properties (pages.update).
func (c *Client) UpdatePage(ctx context.Context, pageID string, properties map[string]any) error {
	body := map[string]any{"properties": properties}
	if err := c.doWrite(ctx, http.MethodPatch, "/pages/"+pageID, body, nil); err != nil {
		return fmt.Errorf("update page %s: %w", pageID, err)
	}
	return nil
}

// AppendBlockChildren appends block children to an existing page
// (blocks.children.append), used for overflow past the 100-block create
// limit.
func (c *Client) AppendBlockChildren(ctx context.Context, pageID string, children []map[string]any) error {
	body := map[string]any{"children": children}
	if err := c.doWrite(ctx, http.MethodPatch, "/blocks/"+pageID+"/children", body, nil); err != nil {
		return fmt.Errorf("append block children to %s: %w", pageID, err)
	}
	return nil
}

// QueryResult is the shape of a databases.query response this client cares
// about.
type QueryResult struct {
	Results []Page `json:"results"`
}

// QueryDatabase runs a filtered query against a database (databases.query).
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter map[string]any) (QueryResult, error) {
	body := map[string]any{}
	if filter != nil {
		body["filter"] = filter
	}

	var result QueryResult
	if err := c.doWrite(ctx, http.MethodPost, "/databases/"+databaseID+"/query", body, &result); err != nil {
		return QueryResult{}, fmt.Errorf("query database %s: %w", databaseID, err)
	}
	return result, nil
}

// FindPageByProperty is a convenience wrapper used by the Projector's
// idempotence gate: it queries by an equals filter on a rich-text/text
// property and returns the first match, or ("" , nil) if none exists.
func (c *Client) FindPageByProperty(ctx context.Context, databaseID, property, value string) (string, error) {
	filter := map[string]any{
		"property":  property,
		"rich_text": map[string]any{"equals": value},
	}
	result, err := c.QueryDatabase(ctx, databaseID, filter)
	if err != nil {
		return "", err
	}
	if len(result.Results) == 0 {
		return "", nil
	}
	return result.Results[0].ID, nil
}

// UploadHandle identifies an in-progress three-step file upload.
type UploadHandle struct {
	UploadID string `json:"id"`
}

// CreateFileUpload begins the three-step upload protocol: request a handle
// (file_uploads.create).
func (c *Client) CreateFileUpload(ctx context.Context, filename, contentType string) (UploadHandle, error) {
	body := map[string]any{
		"filename":     filename,
		"content_type": contentType,
	}
	var handle UploadHandle
	if err := c.doWrite(ctx, http.MethodPost, "/file_uploads", body, &handle); err != nil {
		return UploadHandle{}, fmt.Errorf("create file upload: %w", err)
	}
	return handle, nil
}

// SendFileUpload streams the file's bytes to an upload handle
// (file_uploads.send). It counts against the write rate limit like any
// other write: a message with several attachments must not burst past it.
func (c *Client) SendFileUpload(ctx context.Context, uploadID string, content []byte, contentType string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file_uploads/"+uploadID+"/send", bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.setCommonHeaders(req)

	_, err = c.doWithRetry(req)
	if err != nil {
		return fmt.Errorf("send file upload %s: %w", uploadID, err)
	}
	return nil
}

// doWrite performs one JSON request with rate limiting and bounded retry,
// decoding the response into out when non-nil.
func (c *Client) doWrite(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req)

	respBody, err := c.doWithRetry(req)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", defaultAPIVersion)
}

// doWithRetry performs the request, making up to maxRetries attempts in all
// and retrying on transport errors and 429 or 5xx responses with jittered
// exponential backoff.
func (c *Client) doWithRetry(req *http.Request) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			select {
			case <-time.After(backoff + jitter):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response body: %w", readErr)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
			c.log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("remote request failed, retrying")
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
		}

		return data, nil
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

// ErrAuthFailed is returned when the remote database rejects the bearer
// token, surfaced by the Scheduler as exit code 3.
var ErrAuthFailed = fmt.Errorf("remote database authentication failed")
