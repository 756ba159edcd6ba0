package oms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Listing window defaults: catch-up reaches 11 days back, and one day
// forward absorbs vendor-side clock skew.
const (
	DefaultWindowBack    = 11 * 24 * time.Hour
	DefaultWindowForward = 24 * time.Hour
)

// Config holds client tuning.
type Config struct {
	BaseURL         string
	Timeout         time.Duration // list/detail endpoint class
	DownloadTimeout time.Duration // file endpoint class
	MaxRetries      int
	RetryInterval   time.Duration // fixed backoff between retries
	CacheTTL        time.Duration // in-process result cache
	WindowBack      time.Duration // catch-up list window behind now
	WindowForward   time.Duration // list window ahead of now
	Logger          *slog.Logger
}

// Client provides the typed vendor API operations. All operations are
// idempotent and safe to retry; the retry policy lives here so stages never
// implement their own.
type Client struct {
	baseURL  string
	session  *Session
	httpc    *http.Client
	download *http.Client
	retries  int
	interval time.Duration
	back     time.Duration
	forward  time.Duration
	cache    *resultCache
	logger   *slog.Logger
}

func New(cfg Config, session *Session) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 3 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.WindowBack <= 0 {
		cfg.WindowBack = DefaultWindowBack
	}
	if cfg.WindowForward <= 0 {
		cfg.WindowForward = DefaultWindowForward
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		session:  session,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		download: &http.Client{Timeout: cfg.DownloadTimeout},
		retries:  cfg.MaxRetries,
		interval: cfg.RetryInterval,
		back:     cfg.WindowBack,
		forward:  cfg.WindowForward,
		cache:    newResultCache(cfg.CacheTTL),
		logger:   cfg.Logger,
	}
}

// ListDrafts returns all drafts changed in the half-open window [begin, end).
// Zero times select the default catch-up window around now.
func (c *Client) ListDrafts(ctx context.Context, begin, end time.Time) ([]Draft, error) {
	now := time.Now()
	if begin.IsZero() {
		begin = now.Add(-c.back)
	}
	if end.IsZero() {
		end = now.Add(c.forward)
	}
	q := url.Values{}
	q.Set("begin", begin.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))
	var out []Draft
	if err := c.getJSON(ctx, "list_drafts", c.baseURL+"/dist/status?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProgramDetail returns the canonical manifest rows for one
// draft/program-type pair. pgmType is "ET" or "AT".
func (c *Client) GetProgramDetail(ctx context.Context, processID string, workSeq int, pgmType string) ([]ProgramDetail, error) {
	q := url.Values{}
	q.Set("processId", processID)
	q.Set("workSeq", strconv.Itoa(workSeq))
	q.Set("type", pgmType)
	var out []ProgramDetail
	if err := c.getJSON(ctx, "get_program_detail", c.baseURL+"/dist/detail?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadFile streams one attachment into destDir and returns the saved
// path. The filename comes from the content-disposition header when present
// (re-decoded, see disposition.go), falling back to fallbackName. A byte
// count short of the server-declared content length fails the download.
func (c *Client) DownloadFile(ctx context.Context, fileID, processID string, workSeq int, destDir, fallbackName string) (string, error) {
	q := url.Values{}
	q.Set("fileId", fileID)
	q.Set("processId", processID)
	q.Set("workSeq", strconv.Itoa(workSeq))
	resp, err := c.do(ctx, "download_file", c.download, c.baseURL+"/dist/file?"+q.Encode())
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	name := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		name = fileID
	}
	// never allow a header to escape the draft directory
	name = filepath.Base(name)

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	dest := filepath.Join(destDir, name)
	f, err := os.Create(dest) // #nosec G304 -- dest is derived from config root + sanitized name
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	written, err := io.Copy(f, resp.Body)
	cerr := f.Close()
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if cerr != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("close %s: %w", name, cerr)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		_ = os.Remove(dest)
		return "", fmt.Errorf("short download %s: got %d of %d bytes", name, written, resp.ContentLength)
	}
	c.logger.Debug("downloaded attachment", "file", name, "bytes", written)
	return dest, nil
}

// getJSON fetches a JSON endpoint through the cache and retry policy.
func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) error {
	if data, ok := c.cache.get(rawURL); ok {
		return json.Unmarshal(data, out)
	}
	resp, err := c.do(ctx, op, c.httpc, rawURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	c.cache.put(rawURL, data)
	return json.Unmarshal(data, out)
}

// do runs one request under the retry policy: transient failures (transport
// errors, 5xx, 429, 408) are retried up to MaxRetries with fixed backoff;
// an auth failure invalidates the session and retries the original request
// exactly once; any other 4xx is surfaced immediately as permanent.
func (c *Client) do(ctx context.Context, op string, hc *http.Client, rawURL string) (*http.Response, error) {
	var lastErr error
	reloggedIn := false
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.interval):
			}
		}
		token, err := c.session.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: create request: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := hc.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", op, err)
			c.logger.Warn("OMS request failed, will retry", "op", op, "attempt", attempt+1, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		apiErr := &APIError{Op: op, Status: resp.StatusCode, Msg: readErrorBody(resp)}
		_ = resp.Body.Close()
		switch {
		case apiErr.Auth():
			if reloggedIn {
				return nil, apiErr
			}
			// one re-login, one retry of the original request
			reloggedIn = true
			c.session.Invalidate()
			attempt--
			c.logger.Warn("OMS token rejected, re-login", "op", op, "status", apiErr.Status)
		case apiErr.Temporary():
			lastErr = apiErr
			c.logger.Warn("OMS transient failure, will retry", "op", op, "attempt", attempt+1, "status", apiErr.Status)
		default:
			return nil, apiErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New(op + ": retries exhausted")
	}
	return nil, fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return ""
	}
	return string(data)
}
