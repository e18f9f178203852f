package chant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgent = "chant-go/0.1.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the chant server (e.g. "http://localhost:8080").
	BaseURL string

	// UserID is the participant or facilitator this client acts as.
	UserID string

	// Role defaults to RoleParticipant.
	Role Role

	// ServiceKey is the shared secret accepted by POST /auth/token.
	ServiceKey string

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the chant API. All methods are safe for
// concurrent use.
type Client struct {
	baseURL  string
	userID   string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client. BaseURL, UserID and ServiceKey are required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chant: BaseURL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("chant: UserID is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("chant: ServiceKey is required")
	}
	role := cfg.Role
	if role == "" {
		role = RoleParticipant
	}
	if role != RoleParticipant && role != RoleFacilitator {
		return nil, fmt.Errorf("chant: unknown role %q", role)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		userID:   cfg.UserID,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.UserID, role, cfg.ServiceKey, httpClient),
	}, nil
}

// UserID returns the user this client acts as.
func (c *Client) UserID() string { return c.userID }

// CreateDeliberation opens a new deliberation in SUBMISSION. Facilitator only.
func (c *Client) CreateDeliberation(ctx context.Context, req CreateDeliberationRequest) (*Deliberation, error) {
	var resp Deliberation
	if err := c.post(ctx, "/v1/deliberations", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns a deliberation's status report.
func (c *Client) Status(ctx context.Context, deliberationID uuid.UUID) (*Status, error) {
	var resp Status
	if err := c.get(ctx, deliberationPath(deliberationID, ""), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Results returns the per-tier results and, once complete, the champion proof.
func (c *Client) Results(ctx context.Context, deliberationID uuid.UUID) (*Results, error) {
	var resp Results
	if err := c.get(ctx, deliberationPath(deliberationID, "/results"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitIdeaOptions are optional settings for SubmitIdea.
type SubmitIdeaOptions struct {
	// IdempotencyKey makes a retried submission return the first result.
	IdempotencyKey string
}

// SubmitIdea proposes an idea authored by the client's user.
func (c *Client) SubmitIdea(ctx context.Context, deliberationID uuid.UUID, text string, opts *SubmitIdeaOptions) (*Idea, error) {
	var headers map[string]string
	if opts != nil && opts.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": opts.IdempotencyKey}
	}
	body := map[string]string{"text": text}
	var resp Idea
	if err := c.post(ctx, deliberationPath(deliberationID, "/ideas"), body, &resp, headers); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartVoting forms the tier-1 cells. Participants, when given, are seated
// first-come-first-served. Facilitator only.
func (c *Client) StartVoting(ctx context.Context, deliberationID uuid.UUID, participants []string) (*StartVotingResponse, error) {
	body := map[string]any{}
	if len(participants) > 0 {
		body["participants"] = participants
	}
	var resp StartVotingResponse
	if err := c.post(ctx, deliberationPath(deliberationID, "/start"), body, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CloseSubmissions stops a continuous-flow deliberation from accepting
// ideas. Facilitator only.
func (c *Client) CloseSubmissions(ctx context.Context, deliberationID uuid.UUID) (*Deliberation, error) {
	var resp Deliberation
	if err := c.post(ctx, deliberationPath(deliberationID, "/close"), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForceAdvance closes every open cell at the current tier. Facilitator only.
func (c *Client) ForceAdvance(ctx context.Context, deliberationID uuid.UUID) (*AdvanceResult, error) {
	var resp AdvanceResult
	if err := c.post(ctx, deliberationPath(deliberationID, "/advance"), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Join takes a seat at the current tier, or returns the seat the user
// already holds. A full round fails with an error for which IsRoundFull is true.
func (c *Client) Join(ctx context.Context, deliberationID uuid.UUID) (*Seat, error) {
	var resp Seat
	if err := c.post(ctx, deliberationPath(deliberationID, "/join"), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinWait calls Join until it succeeds, fails with a non-retryable error or
// ctx ends. Between attempts it waits for the server's Retry-After, or one
// second when none is given.
func (c *Client) JoinWait(ctx context.Context, deliberationID uuid.UUID) (*Seat, error) {
	for {
		seat, err := c.Join(ctx, deliberationID)
		if err == nil || !IsRetryable(err) {
			return seat, err
		}
		wait := time.Second
		if e, ok := asError(err); ok && e.RetryAfter > 0 {
			wait = e.RetryAfter
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// CastVote spends the user's point budget in a cell.
func (c *Client) CastVote(ctx context.Context, cellID uuid.UUID, allocations []Allocation) (*VoteResult, error) {
	body := map[string]any{"allocations": allocations}
	var resp VoteResult
	if err := c.post(ctx, cellPath(cellID, "/votes"), body, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenVoting ends a cell's discussion window early. Facilitator only.
func (c *Client) OpenVoting(ctx context.Context, cellID uuid.UUID) (*Cell, error) {
	var resp Cell
	if err := c.post(ctx, cellPath(cellID, "/open"), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteCell finalizes a cell now. Facilitator only.
func (c *Client) CompleteCell(ctx context.Context, cellID uuid.UUID) (*Cell, error) {
	var resp Cell
	if err := c.post(ctx, cellPath(cellID, "/complete"), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server. It needs no token.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("chant: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chant: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func deliberationPath(id uuid.UUID, suffix string) string {
	return "/v1/deliberations/" + url.PathEscape(id.String()) + suffix
}

func cellPath(id uuid.UUID, suffix string) string {
	return "/v1/cells/" + url.PathEscape(id.String()) + suffix
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any, headers map[string]string) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("chant: marshal request body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, encoded, dest, headers)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, dest, nil)
}

// do sends an authenticated request. A 401 on a cached token drops it and
// retries once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body []byte, dest any, headers map[string]string) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("chant: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", userAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("chant: %s %s: %w", method, req.URL.Path, err)
		}
		err = handleResponse(resp, dest)
		_ = resp.Body.Close()

		if attempt == 0 && IsUnauthorized(err) {
			c.tokenMgr.invalidate()
			continue
		}
		return err
	}
}

func handleResponse(resp *http.Response, dest any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("chant: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp, raw)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	if err := decodeEnvelope(raw, dest); err != nil {
		return fmt.Errorf("chant: decode response: %w", err)
	}
	return nil
}

// decodeEnvelope unwraps the server's {"data": ...} envelope into dest.
func decodeEnvelope(raw []byte, dest any) error {
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if envelope.Data == nil {
		return json.Unmarshal(raw, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(resp *http.Response, body []byte) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Retryable = envelope.Error.Retryable
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = string(body)
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
