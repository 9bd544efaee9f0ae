// Package bridge is the HTTP client for the storage-bridge API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/internxt/drive-web-sub008/internal/logging"
	"github.com/internxt/drive-web-sub008/internal/metrics"
	"github.com/internxt/drive-web-sub008/pkg/models"
	"github.com/internxt/drive-web-sub008/pkg/protocol"
)

const maxErrorBody = 4096

// NetworkRequestError is returned for any non-success HTTP response.
type NetworkRequestError struct {
	Op     string
	Method string
	URL    string
	Status int
	Body   string
}

func (e *NetworkRequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %s %s returned %d", e.Op, e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s: %s %s returned %d: %s", e.Op, e.Method, e.URL, e.Status, e.Body)
}

// Client talks to the bridge. It holds no per-transfer state.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds the wait for response headers. Bodies are not bounded,
	// shards and uploads may take arbitrarily long.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: hc,
	}
}

func (c *Client) do(ctx context.Context, op string, auth *Auth, method, rawURL string, body io.Reader, size int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
	}
	if auth != nil {
		auth.apply(req)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBridgeRequest(op, time.Since(start), false)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		metrics.RecordBridgeRequest(op, time.Since(start), false)
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		nerr := &NetworkRequestError{
			Op:     op,
			Method: method,
			URL:    redact(rawURL),
			Status: resp.StatusCode,
			Body:   errorBody(data),
		}
		logging.WithContext(ctx).Debug("bridge request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", nerr.Body))
		return nil, nerr
	}

	metrics.RecordBridgeRequest(op, time.Since(start), true)
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, op string, auth Auth, method, path string, in, out interface{}) error {
	var body io.Reader
	var size int64
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	resp, err := c.do(ctx, op, &auth, method, c.baseURL+path, body, size)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// errorBody prefers the bridge's {"error": "..."} message over the raw body.
func errorBody(data []byte) string {
	var er protocol.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(data))
}

// redact drops the query string, which carries shard tokens.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// GetFileInfo fetches the metadata of one file.
func (c *Client) GetFileInfo(ctx context.Context, auth Auth, bucketID, fileID string) (*models.FileMetadata, error) {
	path := "/buckets/" + url.PathEscape(bucketID) + "/files/" + url.PathEscape(fileID) + "/info"
	var meta models.FileMetadata
	if err := c.doJSON(ctx, "file_info", auth, http.MethodGet, path, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListMirrors fetches one page of shard mirrors.
func (c *Client) ListMirrors(ctx context.Context, auth Auth, bucketID, fileID string, limit, skip int, exclude []string) ([]models.ShardMirror, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("skip", strconv.Itoa(skip))
	q.Set("exclude", strings.Join(exclude, ","))
	path := "/buckets/" + url.PathEscape(bucketID) + "/files/" + url.PathEscape(fileID) + "?" + q.Encode()

	var mirrors []models.ShardMirror
	if err := c.doJSON(ctx, "list_mirrors", auth, http.MethodGet, path, nil, &mirrors); err != nil {
		return nil, err
	}
	return mirrors, nil
}

// CreateFrame opens an upload session.
func (c *Client) CreateFrame(ctx context.Context, auth Auth) (string, error) {
	var resp protocol.FrameResponse
	if err := c.doJSON(ctx, "create_frame", auth, http.MethodPost, "/frames", struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create_frame: empty frame id")
	}
	return resp.ID, nil
}

// RequestUploadURL asks for a one-shot URL for the given shard.
func (c *Client) RequestUploadURL(ctx context.Context, auth Auth, frameID string, shard models.UploadShardMeta) (string, error) {
	var resp protocol.UploadURLResponse
	path := "/frames/" + url.PathEscape(frameID) + "/upload-url"
	if err := c.doJSON(ctx, "upload_url", auth, http.MethodPost, path, protocol.UploadURLRequest{UploadShardMeta: shard}, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("upload_url: empty url")
	}
	return resp.URL, nil
}

// FinishUpload registers the uploaded shards as a file.
func (c *Client) FinishUpload(ctx context.Context, auth Auth, bucketID string, req protocol.FinishUploadRequest) (*protocol.FinishUploadResponse, error) {
	var resp protocol.FinishUploadResponse
	path := "/buckets/" + url.PathEscape(bucketID) + "/files"
	if err := c.doJSON(ctx, "finish_upload", auth, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch opens the body of a shard URL. The caller closes it.
func (c *Client) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, "fetch_shard", nil, http.MethodGet, rawURL, nil, 0)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Put sends body to a one-shot upload URL.
func (c *Client) Put(ctx context.Context, rawURL string, body io.Reader, size int64) error {
	resp, err := c.do(ctx, "put_shard", nil, http.MethodPut, rawURL, body, size)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
