// Package client is the Go client for the pgmflow operator API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to a running pgmflow daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	token   string
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new pgmflow API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// SetToken installs a bearer token for subsequent mutating calls.
func (c *Client) SetToken(token string) { c.token = token }

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	var ok struct {
		OK bool `json:"ok"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/healthz", &ok); err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return ok.OK
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return Token{}, err
	}
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/login", body, &resp); err != nil {
		return Token{}, err
	}
	c.token = resp.Token.Value
	return resp.Token, nil
}

// ListRecords returns lifecycle records matching the filter.
func (c *Client) ListRecords(ctx context.Context, f ListFilter) ([]Record, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Task != "" {
		q.Set("task", f.Task)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	u := c.baseURL + "/records"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	var out []Record
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecord returns the full view of one draft.
func (c *Client) GetRecord(ctx context.Context, draftID string) (RecordDetail, error) {
	var out RecordDetail
	err := c.getJSON(ctx, c.baseURL+"/records/"+url.PathEscape(draftID), &out)
	return out, err
}

// Approve sets the apply flag on a draft.
func (c *Client) Approve(ctx context.Context, draftID string) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/records/"+url.PathEscape(draftID)+"/approve", nil, nil)
}

// Revoke clears the apply flag on a draft.
func (c *Client) Revoke(ctx context.Context, draftID string) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/records/"+url.PathEscape(draftID)+"/revoke", nil, nil)
}

// OpenAlarms returns all unresolved turnaround alarms.
func (c *Client) OpenAlarms(ctx context.Context) ([]Alarm, error) {
	var out []Alarm
	if err := c.getJSON(ctx, c.baseURL+"/alarms", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveAlarm marks one alarm as handled.
func (c *Client) ResolveAlarm(ctx context.Context, id int64, resolvedBy string) error {
	body, err := json.Marshal(map[string]string{"resolved_by": resolvedBy})
	if err != nil {
		return err
	}
	u := c.baseURL + "/alarms/" + strconv.FormatInt(id, 10) + "/resolve"
	return c.do(ctx, http.MethodPost, u, body, nil)
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
