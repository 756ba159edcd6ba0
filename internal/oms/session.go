package oms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultRefreshBuffer is how close to expiry a cached token may get before
// the session logs in again.
const DefaultRefreshBuffer = 5 * time.Minute

// SessionConfig holds vendor portal credentials and login behavior.
type SessionConfig struct {
	BaseURL       string
	Username      string
	Password      string
	Timeout       time.Duration
	RefreshBuffer time.Duration
	Logger        *slog.Logger
}

// Session obtains and refreshes the bearer token for the vendor API.
// Every network call in the client goes through Token first. Callers must
// not loop on login themselves: the client performs exactly one re-login
// (via Invalidate) after an auth failure.
type Session struct {
	baseURL string
	user    string
	pass    string
	buffer  time.Duration
	httpc   *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RefreshBuffer == 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		baseURL: cfg.BaseURL,
		user:    cfg.Username,
		pass:    cfg.Password,
		buffer:  cfg.RefreshBuffer,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// Token returns a usable bearer token, logging in when none is cached or the
// cached one is within the refresh buffer of expiry.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expiresAt) > s.buffer {
		return s.token, nil
	}
	if err := s.login(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

// Invalidate drops the cached token so the next Token call logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}

// login is called with s.mu held.
func (s *Session) login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Username: s.user, Password: s.pass})
	if err != nil {
		return fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("oms login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		s.logger.Error("OMS login failed", "status", resp.StatusCode)
		return &APIError{Op: "login", Status: resp.StatusCode}
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("oms login: empty token in response")
	}
	s.token = lr.Token
	s.expiresAt = time.Now().Add(time.Duration(lr.ExpiresIn) * time.Second)
	s.logger.Debug("OMS session refreshed", "expires_at", s.expiresAt)
	return nil
}
