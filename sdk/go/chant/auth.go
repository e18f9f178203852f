package chant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenManager mints and caches the bearer token for one user.
// It is safe for concurrent use.
type tokenManager struct {
	baseURL    string
	userID     string
	role       Role
	serviceKey string
	client     *http.Client
	margin     time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, userID string, role Role, serviceKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:    baseURL,
		userID:     userID,
		role:       role,
		serviceKey: serviceKey,
		client:     client,
		margin:     30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}
	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

// invalidate drops the cached token so the next call mints a new one.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.mu.Unlock()
}

type authRequest struct {
	ServiceKey string `json:"service_key"`
	UserID     string `json:"user_id"`
	Role       Role   `json:"role"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(authRequest{ServiceKey: tm.serviceKey, UserID: tm.userID, Role: tm.role})
	if err != nil {
		return fmt.Errorf("chant: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chant: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("chant: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("chant: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp, raw)
	}

	var out authResponse
	if err := decodeEnvelope(raw, &out); err != nil {
		return fmt.Errorf("chant: decode auth response: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("chant: auth response carried no token")
	}
	tm.token = out.Token
	tm.expiresAt = out.ExpiresAt
	return nil
}
