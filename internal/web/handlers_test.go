package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openhitl/reviewd/internal/review"
	"github.com/openhitl/reviewd/internal/token"
)

const testBaseURL = "http://reviewd.test"

func newTestServer(t *testing.T) (*Server, *review.Store) {
	t.Helper()

	engine := review.NewStore(review.Config{})
	s := NewServer(&Config{Addr: ":0", BaseURL: testBaseURL}, engine)

	return s, engine
}

// envelope is the decoded creation response.
type envelope struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Hitl    hitlEnvelope `json:"hitl"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()

	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))

	return env
}

// reviewToken extracts the raw review token embedded in the review URL.
func reviewToken(t *testing.T, env envelope) string {
	t.Helper()

	u, err := url.Parse(env.Hitl.ReviewURL)
	require.NoError(t, err)

	tok := u.Query().Get("token")
	require.NotEmpty(t, tok)

	return tok
}

func postJSON(t *testing.T, s *Server, path string,
	body any) *httptest.ResponseRecorder {

	t.Helper()

	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path,
		bytes.NewReader(encoded))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	return rec
}

// TestCreateDemo verifies the demo factory returns the full HITL envelope.
func TestCreateDemo(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost,
		"/api/demo?type=approval", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "30", rec.Header().Get("Retry-After"))

	env := decodeEnvelope(t, rec)
	require.Equal(t, "human_input_required", env.Status)
	require.Equal(t, SpecVersion, env.Hitl.SpecVersion)
	require.Equal(t, "approval", env.Hitl.Type)
	require.NotEmpty(t, env.Hitl.CaseID)
	require.Contains(t, env.Hitl.ReviewURL,
		testBaseURL+"/review/"+env.Hitl.CaseID+"?token=")
	require.Contains(t, env.Hitl.PollURL, "/status")
	require.Contains(t, env.Hitl.EventsURL, "/events")
	require.NotEmpty(t, env.Hitl.Context)
}

// TestCreateDemoUnknownType verifies the 400 path.
func TestCreateDemoUnknownType(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost,
		"/api/demo?type=mystery", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	require.Equal(t, "invalid_type", apiErr.Error.Code)
}

// TestCreateReview verifies custom creation, including the one-time submit
// token for inline cases.
func TestCreateReview(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type:          "confirmation",
		Prompt:        "Confirm sending 2 emails",
		Context:       json.RawMessage(`{"items":[]}`),
		TTLSeconds:    3600,
		InlineActions: []string{"confirm", "skip"},
		DefaultAction: "skip",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotEmpty(t, env.Hitl.SubmitToken)
	require.Equal(t, []string{"confirm", "skip"}, env.Hitl.InlineActions)
	require.Equal(t, "1h0m0s", env.Hitl.Timeout)

	// Without inline actions there is no submit token.
	rec = postJSON(t, s, "/api/reviews", createRequest{
		Type:   "approval",
		Prompt: "Approve",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Empty(t, decodeEnvelope(t, rec).Hitl.SubmitToken)
}

// TestPollStatus verifies headers, the etag short-circuit and the unknown
// case path.
func TestPollStatus(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type: "approval", Prompt: "Approve",
	})
	env := decodeEnvelope(t, rec)

	statusPath := "/api/reviews/" + env.Hitl.CaseID + "/status"

	req := httptest.NewRequest(http.MethodGet, statusPath, nil)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)

	require.Equal(t, http.StatusOK, rec2.Code)
	require.Equal(t, `"v1-pending"`, rec2.Header().Get("ETag"))
	require.Equal(t, "60", rec2.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rec2.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "30", rec2.Header().Get("Retry-After"))

	var proj review.Projection
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&proj))
	require.Equal(t, review.StatusPending, proj.Status)

	// A matching etag short-circuits to 304.
	req = httptest.NewRequest(http.MethodGet, statusPath, nil)
	req.Header.Set("If-None-Match", `"v1-pending"`)
	rec3 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec3, req)

	require.Equal(t, http.StatusNotModified, rec3.Code)
	require.Equal(t, `"v1-pending"`, rec3.Header().Get("ETag"))

	// Unknown case.
	req = httptest.NewRequest(http.MethodGet,
		"/api/reviews/rc_missing/status", nil)
	rec4 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec4, req)
	require.Equal(t, http.StatusNotFound, rec4.Code)
}

// TestPollStatusRateLimited verifies the 429 once the window is spent.
func TestPollStatusRateLimited(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type: "approval", Prompt: "Approve",
	})
	env := decodeEnvelope(t, rec)
	statusPath := "/api/reviews/" + env.Hitl.CaseID + "/status"

	var last *httptest.ResponseRecorder
	for i := 0; i < 61; i++ {
		req := httptest.NewRequest(http.MethodGet, statusPath, nil)
		last = httptest.NewRecorder()
		s.Handler().ServeHTTP(last, req)
	}

	require.Equal(t, http.StatusTooManyRequests, last.Code)
	require.Equal(t, "30", last.Header().Get("Retry-After"))
	require.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))

	var apiErr APIError
	require.NoError(t, json.NewDecoder(last.Body).Decode(&apiErr))
	require.Equal(t, "rate_limited", apiErr.Error.Code)
}

// TestReviewPageAndRespond walks the human flow: open the page, respond,
// then hit the duplicate guard.
func TestReviewPageAndRespond(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type: "selection", Prompt: "Select jobs",
	})
	env := decodeEnvelope(t, rec)
	tok := reviewToken(t, env)
	caseID := env.Hitl.CaseID

	// Opening the page fires pending -> opened.
	req := httptest.NewRequest(http.MethodGet,
		"/review/"+caseID+"?token="+tok, nil)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)

	require.Equal(t, http.StatusOK, rec2.Code)

	var page map[string]any
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&page))
	require.Equal(t, "opened", page["status"])
	require.Equal(t, testBaseURL+"/reviews/"+caseID+"/respond",
		page["respond_url"])

	// A bad token never opens the page.
	req = httptest.NewRequest(http.MethodGet,
		"/review/"+caseID+"?token=wrong", nil)
	rec3 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec3, req)
	require.Equal(t, http.StatusUnauthorized, rec3.Code)

	// Respond completes the case.
	rec4 := postJSON(t, s,
		"/reviews/"+caseID+"/respond?token="+tok,
		respondRequest{
			Action: "select",
			Data:   json.RawMessage(`{"selected":["job_001"]}`),
		})

	require.Equal(t, http.StatusOK, rec4.Code)

	var done map[string]any
	require.NoError(t, json.NewDecoder(rec4.Body).Decode(&done))
	require.Equal(t, "completed", done["status"])
	require.NotEmpty(t, done["completed_at"])

	// A second respond is a conflict.
	rec5 := postJSON(t, s,
		"/reviews/"+caseID+"/respond?token="+tok,
		respondRequest{Action: "select"})
	require.Equal(t, http.StatusConflict, rec5.Code)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec5.Body).Decode(&apiErr))
	require.Equal(t, "duplicate_submission", apiErr.Error.Code)
}

// TestInlineSubmit covers the bearer path: out-of-set actions are
// redirected to the review page, in-set actions complete the case.
func TestInlineSubmit(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type:          "confirmation",
		Prompt:        "Confirm",
		InlineActions: []string{"confirm", "skip"},
	})
	env := decodeEnvelope(t, rec)
	caseID := env.Hitl.CaseID

	submit := func(tok, action string) *httptest.ResponseRecorder {
		encoded, err := json.Marshal(respondRequest{Action: action})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost,
			"/api/reviews/"+caseID+"/submit",
			bytes.NewReader(encoded))
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		out := httptest.NewRecorder()
		s.Handler().ServeHTTP(out, req)
		return out
	}

	// No credential at all.
	require.Equal(t, http.StatusUnauthorized, submit("", "confirm").Code)

	// The review token is the wrong purpose for this path.
	require.Equal(t, http.StatusUnauthorized,
		submit(reviewToken(t, env), "confirm").Code)

	// Out-of-set action: 403 plus the fallback page URL.
	rec2 := submit(env.Hitl.SubmitToken, "escalate")
	require.Equal(t, http.StatusForbidden, rec2.Code)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&apiErr))
	require.Equal(t, "action_not_inline", apiErr.Error.Code)
	require.Equal(t, testBaseURL+"/review/"+caseID,
		apiErr.Error.Details["review_url"])

	// In-set action completes the case.
	rec3 := submit(env.Hitl.SubmitToken, "confirm")
	require.Equal(t, http.StatusOK, rec3.Code)
}

// TestCancel verifies the bearer cancel path and its idempotency.
func TestCancel(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type: "approval", Prompt: "Approve",
	})
	env := decodeEnvelope(t, rec)
	tok := reviewToken(t, env)

	cancel := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost,
			"/api/reviews/"+env.Hitl.CaseID+"/cancel", nil)
		req.Header.Set("Authorization", "Bearer "+tok)

		out := httptest.NewRecorder()
		s.Handler().ServeHTTP(out, req)
		return out
	}

	rec2 := cancel()
	require.Equal(t, http.StatusOK, rec2.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&body))
	require.Equal(t, "cancelled", body["status"])

	// Cancelling again is fine.
	require.Equal(t, http.StatusOK, cancel().Code)
}

// TestDiscovery verifies the well-known document shape.
func TestDiscovery(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/hitl.json",
		nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Protocol struct {
			SpecVersion  string `json:"spec_version"`
			Capabilities struct {
				ReviewTypes []string `json:"review_types"`
				Transports  []string `json:"transports"`
			} `json:"capabilities"`
			RateLimits struct {
				MaxPerMinute int `json:"max_requests_per_minute"`
			} `json:"rate_limits"`
		} `json:"hitl_protocol"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	require.Equal(t, SpecVersion, doc.Protocol.SpecVersion)
	require.Contains(t, doc.Protocol.Capabilities.ReviewTypes, "approval")
	require.Contains(t, doc.Protocol.Capabilities.Transports, "sse")
	require.Equal(t, 60, doc.Protocol.RateLimits.MaxPerMinute)
}

// TestHealthz verifies the liveness endpoint.
func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

// TestEventStream verifies the SSE wire format: snapshot frame on connect,
// then a live frame when the case transitions.
func TestEventStream(t *testing.T) {
	t.Parallel()

	s, engine := newTestServer(t)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type: "approval", Prompt: "Approve",
	})
	env := decodeEnvelope(t, rec)
	tok := reviewToken(t, env)
	caseID := env.Hitl.CaseID

	ctx, cancel := context.WithTimeout(context.Background(),
		5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/reviews/"+caseID+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream",
		resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	snapshot := readSSEFrame(t, reader)
	require.Equal(t, "review.pending", snapshot["event"])
	require.Equal(t, "evt_1", snapshot["id"])
	require.Contains(t, snapshot["data"],
		fmt.Sprintf(`"case_id":%q`, caseID))

	// A transition produces a live frame.
	_, err = engine.Open(context.Background(), caseID, tok)
	require.NoError(t, err)

	live := readSSEFrame(t, reader)
	require.Equal(t, "review.opened", live["event"])
	require.Equal(t, "evt_2", live["id"])
	require.Contains(t, live["data"], `"status":"opened"`)
}

// TestBegin exercises the review-page begin call: once the page is open,
// begin moves the case to in_progress so pollers see it is being handled.
func TestBegin(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type: "approval", Prompt: "Approve",
	})
	env := decodeEnvelope(t, rec)
	tok := reviewToken(t, env)
	caseID := env.Hitl.CaseID

	// The page advertises the begin URL.
	req := httptest.NewRequest(http.MethodGet,
		"/review/"+caseID+"?token="+tok, nil)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	var page map[string]any
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&page))
	require.Equal(t, testBaseURL+"/reviews/"+caseID+"/begin",
		page["begin_url"])

	// A bad token cannot begin.
	req = httptest.NewRequest(http.MethodPost,
		"/reviews/"+caseID+"/begin?token=wrong", nil)
	rec3 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec3, req)
	require.Equal(t, http.StatusUnauthorized, rec3.Code)

	req = httptest.NewRequest(http.MethodPost,
		"/reviews/"+caseID+"/begin?token="+tok, nil)
	rec4 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec4, req)
	require.Equal(t, http.StatusOK, rec4.Code)

	var proj map[string]any
	require.NoError(t, json.NewDecoder(rec4.Body).Decode(&proj))
	require.Equal(t, "in_progress", proj["status"])
	require.NotEmpty(t, proj["in_progress_at"])

	// Begin after completion is a no-op, not an error.
	rec5 := postJSON(t, s,
		"/reviews/"+caseID+"/respond?token="+tok,
		respondRequest{Action: "approve"})
	require.Equal(t, http.StatusOK, rec5.Code)

	req = httptest.NewRequest(http.MethodPost,
		"/reviews/"+caseID+"/begin?token="+tok, nil)
	rec6 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec6, req)
	require.Equal(t, http.StatusOK, rec6.Code)

	var after map[string]any
	require.NoError(t, json.NewDecoder(rec6.Body).Decode(&after))
	require.Equal(t, "completed", after["status"])
}

// gatedStorage wraps a Storage and, once armed, parks the next GetCase
// after the read so the test can drive a transition while the caller holds
// a stale view.
type gatedStorage struct {
	review.Storage

	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{
		Storage: review.NewMemoryStorage(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStorage) GetCase(ctx context.Context,
	caseID string) (*review.Case, error) {

	c, err := g.Storage.GetCase(ctx, caseID)
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return c, err
}

// TestEventStreamTransitionDuringSetup pins down the stream's ordering
// guarantee: a transition that lands between the snapshot read and the
// first delivered frame must still reach the subscriber. The handler
// subscribes before loading the snapshot, so the concurrent event is
// buffered and replayed instead of lost.
func TestEventStreamTransitionDuringSetup(t *testing.T) {
	t.Parallel()

	st := newGatedStorage()
	engine := review.NewStore(review.Config{Storage: st})
	s := NewServer(&Config{Addr: ":0", BaseURL: testBaseURL}, engine)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type: "approval", Prompt: "Approve",
	})
	env := decodeEnvelope(t, rec)
	tok := reviewToken(t, env)
	caseID := env.Hitl.CaseID

	// While the stream handler holds its freshly read snapshot, open the
	// case so the transition races stream setup.
	st.armed.Store(true)
	openErr := make(chan error, 1)
	go func() {
		<-st.entered
		_, err := engine.Open(context.Background(), caseID, tok)
		openErr <- err
		close(st.release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(),
		5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/reviews/"+caseID+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	snapshot := readSSEFrame(t, reader)
	require.Equal(t, "review.pending", snapshot["event"])
	require.Equal(t, "evt_1", snapshot["id"])

	// The racing transition arrives as a buffered live frame.
	live := readSSEFrame(t, reader)
	require.Equal(t, "review.opened", live["event"])
	require.Equal(t, "evt_2", live["id"])

	require.NoError(t, <-openErr)
}

// readSSEFrame reads lines until a blank line and returns the frame fields.
func readSSEFrame(t *testing.T, reader *bufio.Reader) map[string]string {
	t.Helper()

	frame := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)

		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(frame) == 0 {
				continue
			}
			return frame
		}

		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		frame[key] = value
	}
}

// TestWrongPurposeOnRespond verifies the submit token cannot drive the
// review-page path.
func TestWrongPurposeOnRespond(t *testing.T) {
	t.Parallel()

	s, engine := newTestServer(t)

	rec := postJSON(t, s, "/api/reviews", createRequest{
		Type:          "confirmation",
		Prompt:        "Confirm",
		InlineActions: []string{"confirm"},
	})
	env := decodeEnvelope(t, rec)

	rec2 := postJSON(t, s,
		"/reviews/"+env.Hitl.CaseID+"/respond?token="+
			env.Hitl.SubmitToken,
		respondRequest{Action: "confirm"})
	require.Equal(t, http.StatusUnauthorized, rec2.Code)

	// The engine never moved the case.
	got, err := engine.Get(context.Background(), env.Hitl.CaseID)
	require.NoError(t, err)
	got.WhenSome(func(c *review.Case) {
		require.Equal(t, review.StatusPending, c.Status)
	})

	// Direct engine check with a declared purpose mismatch.
	_, err = engine.Respond(context.Background(), env.Hitl.CaseID,
		env.Hitl.SubmitToken, token.PurposeReview, "confirm", nil, nil)
	require.Equal(t, review.CodeInvalidToken, review.CodeOf(err))
}
