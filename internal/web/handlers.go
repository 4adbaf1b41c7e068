package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openhitl/reviewd/internal/ratelimit"
	"github.com/openhitl/reviewd/internal/review"
	"github.com/openhitl/reviewd/internal/token"
)

// createRequest is the body of POST /api/reviews.
type createRequest struct {
	Type          string          `json:"type"`
	Context       json.RawMessage `json:"context,omitempty"`
	Prompt        string          `json:"prompt"`
	TTLSeconds    int             `json:"ttl_seconds,omitempty"`
	InlineActions []string        `json:"inline_actions,omitempty"`
	DefaultAction string          `json:"default_action,omitempty"`
}

// respondRequest is the body of the respond and submit endpoints.
type respondRequest struct {
	Action      string           `json:"action"`
	Data        json.RawMessage  `json:"data,omitempty"`
	RespondedBy *review.Identity `json:"responded_by,omitempty"`
}

// hitlEnvelope is the creation response: everything a requesting service
// needs to hand off to a human, including the only copy of the raw tokens.
type hitlEnvelope struct {
	SpecVersion   string          `json:"spec_version"`
	CaseID        string          `json:"case_id"`
	ReviewURL     string          `json:"review_url"`
	PollURL       string          `json:"poll_url"`
	EventsURL     string          `json:"events_url"`
	Type          string          `json:"type"`
	Prompt        string          `json:"prompt"`
	Timeout       string          `json:"timeout"`
	DefaultAction string          `json:"default_action,omitempty"`
	InlineActions []string        `json:"inline_actions,omitempty"`
	SubmitToken   string          `json:"submit_token,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Context       json.RawMessage `json:"context,omitempty"`
}

// handleCreateReview handles POST /api/reviews.
func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body",
			"Request body must be JSON")
		return
	}

	s.createCase(w, r, review.CreateParams{
		Type:          review.CaseType(req.Type),
		Context:       req.Context,
		Prompt:        req.Prompt,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		InlineActions: req.InlineActions,
		DefaultAction: req.DefaultAction,
	})
}

// handleCreateDemo handles POST /api/demo: a canned case per review type so
// the flow can be exercised without composing a context payload.
func (s *Server) handleCreateDemo(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = "selection"
	}

	sample, ok := sampleContexts[kind]
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_type",
			fmt.Sprintf("Use: %s", strings.Join(sampleTypes(), ", ")))
		return
	}

	s.createCase(w, r, review.CreateParams{
		Type:          review.CaseType(kind),
		Context:       sample,
		Prompt:        samplePrompts[kind],
		DefaultAction: "skip",
	})
}

// createCase runs creation and writes the 202 envelope.
func (s *Server) createCase(w http.ResponseWriter, r *http.Request,
	params review.CreateParams) {

	c, toks, err := s.engine.Create(r.Context(), params)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	env := hitlEnvelope{
		SpecVersion: SpecVersion,
		CaseID:      c.CaseID,
		ReviewURL: fmt.Sprintf("%s/review/%s?token=%s",
			s.baseURL, c.CaseID, toks.Review),
		PollURL: fmt.Sprintf("%s/api/reviews/%s/status",
			s.baseURL, c.CaseID),
		EventsURL: fmt.Sprintf("%s/api/reviews/%s/events",
			s.baseURL, c.CaseID),
		Type:          string(c.Type),
		Prompt:        c.Prompt,
		Timeout:       c.ExpiresAt.Sub(c.CreatedAt).String(),
		DefaultAction: c.DefaultAction,
		InlineActions: c.InlineActions,
		SubmitToken:   toks.Submit,
		CreatedAt:     c.CreatedAt,
		ExpiresAt:     c.ExpiresAt,
		Context:       c.Context,
	}

	w.Header().Set("Retry-After", retryAfter())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "human_input_required",
		"message": c.Prompt,
		"hitl":    env,
	})
}

// handlePollStatus handles GET /api/reviews/{case_id}/status.
func (s *Server) handlePollStatus(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")

	res, err := s.engine.Poll(r.Context(), caseID,
		r.Header.Get("If-None-Match"))

	setRateLimitHeaders(w, res.RateLimit)

	switch {
	case review.CodeOf(err) == review.CodeRateLimited:
		w.Header().Set("Retry-After", retryAfter())
		writeEngineError(w, err)
		return

	case err != nil:
		writeEngineError(w, err)
		return
	}

	w.Header().Set("ETag", res.ETag)

	if res.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Retry-After", retryAfter())
	writeJSON(w, http.StatusOK, res.Projection)
}

// handleRespond handles POST /reviews/{case_id}/respond, the review-page
// path authorized by the review token in the query string.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")
	tok := r.URL.Query().Get("token")

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body",
			"Request body must be JSON")
		return
	}

	c, err := s.engine.Respond(r.Context(), caseID, tok,
		token.PurposeReview, req.Action, req.Data,
		respondedBy(req.RespondedBy))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       string(c.Status),
		"case_id":      c.CaseID,
		"completed_at": c.CompletedAt,
	})
}

// handleInlineSubmit handles POST /api/reviews/{case_id}/submit, the
// restricted path authorized by the submit bearer token.
func (s *Server) handleInlineSubmit(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")

	tok, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token",
			"Authorization: Bearer <submit_token> required")
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body",
			"Request body must be JSON")
		return
	}

	c, err := s.engine.Respond(r.Context(), caseID, tok,
		token.PurposeSubmit, req.Action, req.Data,
		respondedBy(req.RespondedBy))

	// The inline surface is a subset: out-of-set actions are redirected
	// to the full review page rather than flatly refused.
	if review.CodeOf(err) == review.CodeActionNotInline {
		var e *review.Error
		message := err.Error()
		if errors.As(err, &e) {
			message = e.Message
		}

		writeErrorDetails(w, http.StatusForbidden,
			string(review.CodeActionNotInline), message,
			map[string]any{
				"review_url": fmt.Sprintf("%s/review/%s",
					s.baseURL, caseID),
			})
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       string(c.Status),
		"case_id":      c.CaseID,
		"completed_at": c.CompletedAt,
	})
}

// handleCancel handles POST /api/reviews/{case_id}/cancel. Either credential
// authorizes it; the requesting service holds at least the review token.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")

	tok, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token",
			"Authorization: Bearer <token> required")
		return
	}

	c, err := s.engine.Cancel(r.Context(), caseID, tok)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       string(c.Status),
		"case_id":      c.CaseID,
		"cancelled_at": c.CancelledAt,
	})
}

// handleReviewPage handles GET /review/{case_id}?token=. It verifies the
// review credential, fires the pending to opened transition, and returns
// the page payload as JSON for whatever surface renders it.
func (s *Server) handleReviewPage(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")
	tok := r.URL.Query().Get("token")

	c, err := s.engine.Open(r.Context(), caseID, tok)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"case_id": c.CaseID,
		"prompt":  c.Prompt,
		"type":    string(c.Type),
		"status":  string(c.Status),
		"token":   tok,
		"respond_url": fmt.Sprintf("%s/reviews/%s/respond",
			s.baseURL, c.CaseID),
		"begin_url": fmt.Sprintf("%s/reviews/%s/begin",
			s.baseURL, c.CaseID),
		"inline_actions": c.InlineActions,
		"expires_at":     c.ExpiresAt,
		"context":        c.Context,
	})
}

// handleBegin handles POST /reviews/{case_id}/begin?token=. The review page
// calls it when the reviewer starts working the case, moving it to
// in_progress so pollers see the case is being handled. Best effort: a case
// past opened stays where it is.
func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")
	tok := r.URL.Query().Get("token")

	c, err := s.engine.MarkInProgress(r.Context(), caseID, tok)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c.Project())
}

// handleDiscovery handles GET /.well-known/hitl.json.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	types := make([]string, 0, len(review.CaseTypes()))
	for _, t := range review.CaseTypes() {
		types = append(types, string(t))
	}

	w.Header().Set("Cache-Control", "public, max-age=86400")
	writeJSON(w, http.StatusOK, map[string]any{
		"hitl_protocol": map[string]any{
			"spec_version": SpecVersion,
			"service": map[string]any{
				"name": "reviewd",
				"url":  s.baseURL,
			},
			"capabilities": map[string]any{
				"review_types": types,
				"transports": []string{
					"polling", "sse", "websocket",
				},
				"default_timeout":     "PT24H",
				"supports_reminders":  false,
				"supports_signatures": false,
			},
			"endpoints": map[string]any{
				"reviews_base":     s.baseURL + "/api/reviews",
				"review_page_base": s.baseURL + "/review",
			},
			"rate_limits": map[string]any{
				"poll_recommended_interval_seconds": int(
					pollInterval.Seconds()),
				"max_requests_per_minute": ratelimit.DefaultLimit,
			},
		},
	})
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	tok, found := strings.CutPrefix(auth, "Bearer ")
	if !found || tok == "" {
		return "", false
	}

	return tok, true
}

// respondedBy defaults the identity for surfaces that do not authenticate
// their human.
func respondedBy(id *review.Identity) *review.Identity {
	if id != nil {
		return id
	}

	return &review.Identity{Name: "Demo User", Email: "demo@example.com"}
}

// setRateLimitHeaders writes the X-RateLimit pair from a poll decision.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
}

func retryAfter() string {
	return fmt.Sprintf("%d", int(pollInterval.Seconds()))
}
