// Package session keeps an authenticated session with the chat backend.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	refreshMargin  = 30 * time.Second
)

// ErrUnauthorized marks a rejected or missing credential anywhere in an
// error chain. Callers detect it with IsUnauthorized.
var ErrUnauthorized = errors.New("unauthorized")

// IsUnauthorized reports whether err (or anything it wraps) is an
// authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// TokenSource supplies the bearer token for backend calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager establishes and caches a backend session for one wallet address.
// All methods are safe for concurrent use and may be called repeatedly.
type Manager struct {
	baseURL    string
	wallet     func() string
	httpClient *http.Client
	clock      Clock

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewManager creates a Manager talking to baseURL. wallet is consulted on
// every session request so a reconnect with another address takes effect.
func NewManager(baseURL string, wallet func() string) *Manager {
	return &Manager{
		baseURL:    strings.TrimRight(baseURL, "/"),
		wallet:     wallet,
		httpClient: &http.Client{Timeout: defaultTimeout},
		clock:      realClock{},
	}
}

// NewManagerWithClock is like NewManager but uses the given clock.
func NewManagerWithClock(baseURL string, wallet func() string, clock Clock) *Manager {
	m := NewManager(baseURL, wallet)
	m.clock = clock
	return m
}

// EnsureSession makes sure a valid session exists, creating one if needed.
func (m *Manager) EnsureSession(ctx context.Context) error {
	_, err := m.Token(ctx)
	return err
}

// Token returns the current session token, establishing a session first
// when there is none or the cached one is about to expire.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.clock.Now().Add(refreshMargin).Before(m.expiresAt) {
		return m.token, nil
	}

	resp, err := m.create(ctx)
	if err != nil {
		return "", err
	}
	m.token = resp.Token
	m.expiresAt = resp.ExpiresAt
	return m.token, nil
}

// Clear drops the cached session so the next call re-establishes it.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) create(ctx context.Context) (sessionResponse, error) {
	addr := ""
	if m.wallet != nil {
		addr = m.wallet()
	}
	if addr == "" {
		return sessionResponse{}, fmt.Errorf("no wallet address configured: %w", ErrUnauthorized)
	}

	body, err := json.Marshal(map[string]string{"wallet_address": addr})
	if err != nil {
		return sessionResponse{}, fmt.Errorf("marshaling session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/auth/session", bytes.NewReader(body))
	if err != nil {
		return sessionResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return sessionResponse{}, fmt.Errorf("requesting session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return sessionResponse{}, fmt.Errorf("session rejected (HTTP %d): %s: %w", resp.StatusCode, strings.TrimSpace(string(msg)), ErrUnauthorized)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return sessionResponse{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return sessionResponse{}, fmt.Errorf("decoding session response: %w", err)
	}
	if sr.Token == "" {
		return sessionResponse{}, fmt.Errorf("session response without token: %w", ErrUnauthorized)
	}
	if sr.ExpiresAt.IsZero() {
		sr.ExpiresAt = m.clock.Now().Add(time.Hour)
	}
	return sr, nil
}
