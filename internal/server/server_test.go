package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/api"
	"github.com/unitychant/chant/internal/auth"
	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/moderation"
	"github.com/unitychant/chant/internal/server"
	"github.com/unitychant/chant/internal/service/engine"
	"github.com/unitychant/chant/internal/storage"
	"github.com/unitychant/chant/internal/testutil"
)

const testServiceKey = "test-service-key"

var (
	testDB  *storage.DB
	testSrv *httptest.Server
	jwtMgr  *auth.JWTManager
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: %v\n", err)
		return 1
	}
	defer testDB.Close(context.Background())

	jwtMgr, err = auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: jwt: %v\n", err)
		return 1
	}
	keyHash, err := auth.HashServiceKey(testServiceKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: hash key: %v\n", err)
		return 1
	}

	eng := engine.New(testDB, engine.Config{GracePeriod: 0}, logger)
	defer eng.Close(context.Background())

	broker := server.NewBroker(testDB, logger)
	go broker.Start(ctx)

	srv := server.New(server.ServerConfig{
		Engine:              eng,
		DB:                  testDB,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		ServiceKeyHash:      keyHash,
		Moderator:           moderation.NewBlocklist([]string{"spam"}),
		Broker:              broker,
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
		OpenAPISpec:         api.OpenAPISpec,
	})
	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	return m.Run()
}

func tokenFor(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, _, err := jwtMgr.IssueToken(userID, role)
	require.NoError(t, err)
	return token
}

func facilitatorToken(t *testing.T) string {
	return tokenFor(t, "facilitator-"+uuid.NewString()[:8], auth.RoleFacilitator)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) data(t *testing.T, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(r.body, &env), "body: %s", r.body)
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func (r response) errCode(t *testing.T) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(r.body, &apiErr), "body: %s", r.body)
	return apiErr.Error.Code
}

func do(t *testing.T, method, path, token string, body any, headers ...string) response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: b}
}

func createDeliberation(t *testing.T, fac string, cellSize int) model.Deliberation {
	t.Helper()
	resp := do(t, http.MethodPost, "/v1/deliberations", fac, model.CreateDeliberationRequest{
		Question: "Where should the team offsite be?",
		CellSize: cellSize,
	})
	require.Equal(t, http.StatusCreated, resp.status, "body: %s", resp.body)
	var d model.Deliberation
	resp.data(t, &d)
	return d
}

func submitIdea(t *testing.T, token string, d uuid.UUID, text string) model.Idea {
	t.Helper()
	resp := do(t, http.MethodPost, "/v1/deliberations/"+d.String()+"/ideas", token, model.SubmitIdeaRequest{Text: text})
	require.Equal(t, http.StatusCreated, resp.status, "body: %s", resp.body)
	var idea model.Idea
	resp.data(t, &idea)
	return idea
}

func TestHealthAndOpenAPI(t *testing.T) {
	resp := do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	var health model.HealthResponse
	resp.data(t, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "running", health.SSEBroker)

	resp = do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, string(resp.body), "openapi:")
	assert.Equal(t, "nosniff", resp.header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.header.Get("X-Request-ID"))
}

func TestAuthToken(t *testing.T) {
	resp := do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		ServiceKey: testServiceKey, UserID: "token-user", Role: "facilitator",
	})
	require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)
	var tok model.AuthTokenResponse
	resp.data(t, &tok)
	claims, err := jwtMgr.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "token-user", claims.UserID)
	assert.True(t, claims.IsFacilitator())

	resp = do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{ServiceKey: testServiceKey, UserID: "p"})
	require.Equal(t, http.StatusOK, resp.status)
	resp.data(t, &tok)
	claims, err = jwtMgr.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleParticipant, claims.Role)

	resp = do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{ServiceKey: "wrong", UserID: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{ServiceKey: testServiceKey, UserID: "x", Role: "admin"})
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestRequiresAuthentication(t *testing.T) {
	resp := do(t, http.MethodGet, "/v1/deliberations/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Equal(t, model.ErrCodeUnauthorized, resp.errCode(t))
}

func TestParticipantCannotFacilitate(t *testing.T) {
	p := tokenFor(t, "p-"+uuid.NewString()[:8], auth.RoleParticipant)
	resp := do(t, http.MethodPost, "/v1/deliberations", p, model.CreateDeliberationRequest{Question: "q"})
	assert.Equal(t, http.StatusForbidden, resp.status)

	d := createDeliberation(t, facilitatorToken(t), 3)
	for _, action := range []string{"start", "close", "advance"} {
		resp := do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/"+action, p, nil)
		assert.Equal(t, http.StatusForbidden, resp.status, action)
	}
}

func TestFullDeliberationOverHTTP(t *testing.T) {
	fac := facilitatorToken(t)
	d := createDeliberation(t, fac, 3)
	assert.Equal(t, model.PhaseSubmission, d.Phase)

	var ideas []model.Idea
	for i := range 3 {
		author := tokenFor(t, fmt.Sprintf("author-%d-%s", i, d.ID.String()[:8]), auth.RoleParticipant)
		ideas = append(ideas, submitIdea(t, author, d.ID, fmt.Sprintf("Option %d", i)))
	}

	resp := do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/start", fac, nil)
	require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)
	var started model.StartVotingResponse
	resp.data(t, &started)
	require.Equal(t, 1, started.CellsCreated)
	assert.Equal(t, model.CellShowdown, started.Cells[0].Kind)

	for i := range 3 {
		voter := tokenFor(t, fmt.Sprintf("voter-%d-%s", i, d.ID.String()[:8]), auth.RoleParticipant)
		resp := do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/join", voter, nil)
		require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)
		var seat model.JoinResponse
		resp.data(t, &seat)
		assert.Len(t, seat.Ideas, 3)

		resp = do(t, http.MethodPost, "/v1/cells/"+seat.CellID.String()+"/votes", voter, model.CastVoteRequest{
			Allocations: []model.Allocation{{IdeaID: ideas[1].ID, Points: 7}, {IdeaID: ideas[2].ID, Points: 3}},
		})
		require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)
	}

	resp = do(t, http.MethodGet, "/v1/deliberations/"+d.ID.String(), fac, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var st model.Status
	resp.data(t, &st)
	assert.Equal(t, model.PhaseCompleted, st.Deliberation.Phase)
	require.NotNil(t, st.Champion)
	assert.Equal(t, ideas[1].ID, st.Champion.ID)

	resp = do(t, http.MethodGet, "/v1/deliberations/"+d.ID.String()+"/results", fac, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var res model.Results
	resp.data(t, &res)
	require.NotNil(t, res.Proof)
	assert.Equal(t, ideas[1].ID, res.Proof.IdeaID)
	assert.Equal(t, 3, res.Proof.TotalVoters)

	late := tokenFor(t, "late-"+d.ID.String()[:8], auth.RoleParticipant)
	resp = do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/join", late, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, model.ErrCodeWrongPhase, resp.errCode(t))
}

func TestJoinRoundFullIsRetryable(t *testing.T) {
	fac := facilitatorToken(t)
	d := createDeliberation(t, fac, 3)
	for i := range 6 {
		submitIdea(t, fac, d.ID, fmt.Sprintf("idea %d", i))
	}
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/start", fac, nil).status)

	// Two standard cells of three seats; showdowns would overflow instead.
	for i := range 6 {
		voter := tokenFor(t, fmt.Sprintf("full-%d-%s", i, d.ID.String()[:8]), auth.RoleParticipant)
		require.Equal(t, http.StatusOK, do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/join", voter, nil).status)
	}
	extra := tokenFor(t, "full-extra-"+d.ID.String()[:8], auth.RoleParticipant)
	resp := do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/join", extra, nil)
	require.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, model.ErrCodeRoundFull, resp.errCode(t))
	assert.Equal(t, "1", resp.header.Get("Retry-After"))
}

func TestVoteValidationOverHTTP(t *testing.T) {
	fac := facilitatorToken(t)
	d := createDeliberation(t, fac, 3)
	var ideas []model.Idea
	for i := range 3 {
		ideas = append(ideas, submitIdea(t, fac, d.ID, fmt.Sprintf("idea %d", i)))
	}
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/start", fac, nil).status)

	voter := tokenFor(t, "validator-"+d.ID.String()[:8], auth.RoleParticipant)
	resp := do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/join", voter, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var seat model.JoinResponse
	resp.data(t, &seat)
	votePath := "/v1/cells/" + seat.CellID.String() + "/votes"

	resp = do(t, http.MethodPost, votePath, voter, model.CastVoteRequest{
		Allocations: []model.Allocation{{IdeaID: ideas[0].ID, Points: 4}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, model.ErrCodeInvalidAllocationSum, resp.errCode(t))

	resp = do(t, http.MethodPost, votePath, voter, model.CastVoteRequest{
		Allocations: []model.Allocation{{IdeaID: uuid.New(), Points: 10}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, model.ErrCodeIdeaNotInCell, resp.errCode(t))

	stranger := tokenFor(t, "stranger-"+d.ID.String()[:8], auth.RoleParticipant)
	resp = do(t, http.MethodPost, votePath, stranger, model.CastVoteRequest{
		Allocations: []model.Allocation{{IdeaID: ideas[0].ID, Points: 10}},
	})
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, model.ErrCodeNotSeated, resp.errCode(t))

	resp = do(t, http.MethodPost, votePath, voter, map[string]any{"allocations": []any{}, "extra": true})
	assert.Equal(t, http.StatusBadRequest, resp.status, "unknown fields are rejected")

	resp = do(t, http.MethodPost, "/v1/cells/not-a-uuid/votes", voter, model.CastVoteRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestSubmitIdeaModerationAndPhase(t *testing.T) {
	fac := facilitatorToken(t)
	d := createDeliberation(t, fac, 3)
	author := tokenFor(t, "mod-"+d.ID.String()[:8], auth.RoleParticipant)

	resp := do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/ideas", author, model.SubmitIdeaRequest{Text: "buy SPAM in bulk"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, model.ErrCodeModerationRejected, resp.errCode(t))

	resp = do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/ideas", author, model.SubmitIdeaRequest{Text: "x", AuthorID: "someone-else"})
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/start", fac, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, model.ErrCodeNotEnoughIdeas, resp.errCode(t))

	for i := range 2 {
		submitIdea(t, author, d.ID, fmt.Sprintf("fine idea %d", i))
	}
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/start", fac, nil).status)

	resp = do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/ideas", author, model.SubmitIdeaRequest{Text: "too late"})
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, model.ErrCodeSubmissionsClosed, resp.errCode(t))

	resp = do(t, http.MethodGet, "/v1/deliberations/"+uuid.NewString(), fac, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestSubmitIdeaIdempotency(t *testing.T) {
	fac := facilitatorToken(t)
	d := createDeliberation(t, fac, 3)
	author := tokenFor(t, "idem-"+d.ID.String()[:8], auth.RoleParticipant)
	path := "/v1/deliberations/" + d.ID.String() + "/ideas"
	key := "submit-" + uuid.NewString()

	first := do(t, http.MethodPost, path, author, model.SubmitIdeaRequest{Text: "retry me"}, "Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, first.status, "body: %s", first.body)
	var idea model.Idea
	first.data(t, &idea)

	replay := do(t, http.MethodPost, path, author, model.SubmitIdeaRequest{Text: "retry me"}, "Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, replay.status)
	assert.Equal(t, "true", replay.header.Get("Idempotent-Replayed"))
	var again model.Idea
	replay.data(t, &again)
	assert.Equal(t, idea.ID, again.ID)

	mismatch := do(t, http.MethodPost, path, author, model.SubmitIdeaRequest{Text: "different"}, "Idempotency-Key", key)
	assert.Equal(t, http.StatusConflict, mismatch.status)

	resp := do(t, http.MethodGet, "/v1/deliberations/"+d.ID.String(), fac, nil)
	var st model.Status
	resp.data(t, &st)
	assert.Equal(t, 1, st.IdeaCounts[model.IdeaSubmitted], "the retry must not create a second idea")
}

func TestForceAdvanceOverHTTP(t *testing.T) {
	fac := facilitatorToken(t)
	d := createDeliberation(t, fac, 3)
	var ideas []model.Idea
	for i := range 6 {
		ideas = append(ideas, submitIdea(t, fac, d.ID, fmt.Sprintf("idea %d", i)))
	}
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/start", fac, nil).status)

	resp := do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/advance", fac, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, model.ErrCodeNoVotes, resp.errCode(t))

	voter := tokenFor(t, "adv-"+d.ID.String()[:8], auth.RoleParticipant)
	resp = do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/join", voter, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var seat model.JoinResponse
	resp.data(t, &seat)
	resp = do(t, http.MethodPost, "/v1/cells/"+seat.CellID.String()+"/votes", voter, model.CastVoteRequest{
		Allocations: []model.Allocation{{IdeaID: seat.Ideas[0].ID, Points: 10}},
	})
	require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)

	resp = do(t, http.MethodPost, "/v1/deliberations/"+d.ID.String()+"/advance", fac, nil)
	require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)
	var adv model.ForceAdvanceResponse
	resp.data(t, &adv)
	assert.Equal(t, 2, adv.CellsClosed)
	// One batch advanced a winner, the zero-vote batch was eliminated.
	assert.Equal(t, model.PhaseCompleted, adv.Phase)
}

func TestSubscribeStreamsEvents(t *testing.T) {
	fac := facilitatorToken(t)
	d := createDeliberation(t, fac, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		testSrv.URL+"/v1/subscribe?deliberation_id="+d.ID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+fac)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	// The subscription is registered before the handler flushes headers, but
	// LISTEN may lag; keep submitting until an event arrives.
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	n := 0
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if strings.HasPrefix(line, "event: ") {
				assert.Equal(t, "event: idea_submitted", line)
				return
			}
		case <-tick.C:
			submitIdea(t, fac, d.ID, fmt.Sprintf("streamed %d", n))
			n++
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}
