package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultChannel      = "auth_channel"
	DefaultProvider     = "notion"
	DefaultCallbackPath = "/u/auth-callback"
	DefaultPollInterval = 500 * time.Millisecond

	ResultType = "auth-result"

	popupName     = "authPopup"
	popupFeatures = "width=500,height=600,menubar=no,toolbar=no,location=no,status=no"
)

type Config struct {
	BaseURL      string
	Provider     string
	CallbackPath string
	Channel      string
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Result is the message the callback page publishes when the login ends.
type Result struct {
	Type             string `json:"type"`
	Success          bool   `json:"success"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// PublishResult announces a login outcome on channel.
func PublishResult(ctx context.Context, b Broadcaster, channel string, r Result) error {
	r.Type = ResultType
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, payload)
}

// Service checks the backend session and runs popup logins. At most one
// login runs at a time.
type Service struct {
	cfg         Config
	client      *http.Client
	broadcaster Broadcaster
	opener      Opener
	log         zerolog.Logger

	mu          sync.Mutex
	loginActive bool
	services    []string
}

// NewService builds a Service. A nil client gets one with a cookie jar so the
// backend session survives between calls.
func NewService(cfg Config, client *http.Client, broadcaster Broadcaster, opener Opener, log zerolog.Logger) *Service {
	if client == nil {
		jar, _ := cookiejar.New(nil)
		client = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		client:      client,
		broadcaster: broadcaster,
		opener:      opener,
		log:         log,
	}
}

type meResponse struct {
	LoggedIn bool     `json:"logged_in"`
	Services []string `json:"services"`
}

// CheckAuth reports whether the backend session is logged in and records the
// services it is connected to.
func (s *Service) CheckAuth(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/auth/me", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check authentication status: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		s.setServices(nil)
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var me meResponse
		if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
			return false, fmt.Errorf("failed to decode auth status: %w", err)
		}
		s.setServices(me.Services)
		return me.LoggedIn, nil
	default:
		return false, fmt.Errorf("auth check failed with status: %d", resp.StatusCode)
	}
}

func (s *Service) setServices(services []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append([]string(nil), services...)
}

// HasService reports whether the last CheckAuth saw a connection to service.
func (s *Service) HasService(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.services {
		if name == service {
			return true
		}
	}
	return false
}

func (s *Service) IsLoginInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginActive
}

// LoginURL is the backend login endpoint carrying the callback redirect.
func (s *Service) LoginURL() string {
	return fmt.Sprintf("%s/auth/login/%s?next_url=%s", s.cfg.BaseURL, s.cfg.Provider, url.QueryEscape(s.cfg.CallbackPath))
}

// LoginWithPopup subscribes to the auth channel, opens the login popup and
// waits for the callback page to publish a result, the popup to be closed, or ctx to end. The subscription,
// the poll ticker, the popup and the in-progress guard are released on every
// return.
func (s *Service) LoginWithPopup(ctx context.Context) error {
	s.mu.Lock()
	if s.loginActive {
		s.mu.Unlock()
		return ErrLoginInProgress
	}
	s.loginActive = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loginActive = false
		s.mu.Unlock()
	}()

	// subscribed before the popup opens so an immediate callback is not lost
	sub, err := s.broadcaster.Subscribe(ctx, s.cfg.Channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Channel, err)
	}
	defer sub.Close()

	popup, err := s.opener.Open(s.LoginURL(), popupName, popupFeatures)
	if err != nil {
		return fmt.Errorf("failed to open login popup: %w", err)
	}
	if popup == nil {
		return ErrPopupBlocked
	}
	defer func() {
		if !popup.Closed() {
			popup.Close()
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info().Str("provider", s.cfg.Provider).Msg("Login popup opened")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case payload, ok := <-sub.Messages():
			if !ok {
				return ErrChannelClosed
			}
			result, ok := parseResult(payload)
			if !ok {
				continue
			}
			if result.Success {
				s.log.Info().Msg("Login successful")
				return nil
			}
			s.log.Warn().Str("error_code", result.ErrorCode).Msg("Login failed")
			return &AuthError{OAuthError: result.ErrorCode, ErrorDescription: result.ErrorDescription}

		case <-ticker.C:
			if popup.Closed() {
				return ErrPopupClosed
			}
		}
	}
}

// parseResult accepts only auth-result messages; anything else is ignored.
func parseResult(payload []byte) (Result, bool) {
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return Result{}, false
	}
	return r, r.Type == ResultType
}
