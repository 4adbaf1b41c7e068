package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client is a thin wrapper over the reviewd HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// newClient builds a client for the configured daemon address.
func newClient() *Client {
	return &Client{
		baseURL: strings.TrimRight(viper.GetString("addr"), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors the server's error body.
type apiError struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// decodeError turns a non-2xx response into a readable error.
func decodeError(resp *http.Response) error {
	var e apiError
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil ||
		e.Error.Code == "" {

		return fmt.Errorf("server returned %s", resp.Status)
	}

	return fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
}

// Envelope is the creation response.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Hitl    struct {
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
		ExpiresAt     time.Time       `json:"expires_at"`
		Context       json.RawMessage `json:"context,omitempty"`
	} `json:"hitl"`
}

// CreateParams is the body of POST /api/reviews.
type CreateParams struct {
	Type          string          `json:"type"`
	Context       json.RawMessage `json:"context,omitempty"`
	Prompt        string          `json:"prompt"`
	TTLSeconds    int             `json:"ttl_seconds,omitempty"`
	InlineActions []string        `json:"inline_actions,omitempty"`
	DefaultAction string          `json:"default_action,omitempty"`
}

// Create creates a review case.
func (c *Client) Create(ctx context.Context,
	params CreateParams) (*Envelope, error) {

	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/reviews", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, decodeError(resp)
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &env, nil
}

// CreateDemo creates a canned demo case of the given type.
func (c *Client) CreateDemo(ctx context.Context,
	kind string) (*Envelope, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/demo?type="+kind, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, decodeError(resp)
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &env, nil
}

// StatusResult is one poll observation.
type StatusResult struct {
	// NotModified is set when the server answered 304 for the etag.
	NotModified bool

	// ETag validates the projection below.
	ETag string

	// Projection is the raw status document (nil on 304).
	Projection json.RawMessage

	// Status is the lifecycle status pulled out of the projection.
	Status string
}

// Status polls the case status, with an optional etag from the previous
// observation.
func (c *Client) Status(ctx context.Context, caseID,
	etag string) (*StatusResult, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/reviews/"+caseID+"/status", nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return &StatusResult{
			NotModified: true,
			ETag:        resp.Header.Get("ETag"),
		}, nil

	case http.StatusOK:

	default:
		return nil, decodeError(resp)
	}

	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &StatusResult{
		ETag:       resp.Header.Get("ETag"),
		Projection: doc,
		Status:     probe.Status,
	}, nil
}

// Respond submits the human response through the review-page path.
func (c *Client) Respond(ctx context.Context, caseID, token, action string,
	data json.RawMessage) (json.RawMessage, error) {

	body, err := json.Marshal(map[string]any{
		"action": action,
		"data":   data,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/reviews/%s/respond?token=%s",
			c.baseURL, caseID, token),
		bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doJSON(req)
}

// Cancel cancels a case using either of its tokens.
func (c *Client) Cancel(ctx context.Context, caseID,
	token string) (json.RawMessage, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/reviews/"+caseID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.doJSON(req)
}

// doJSON runs the request and returns the raw 200 body.
func (c *Client) doJSON(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	return io.ReadAll(resp.Body)
}

// Event is one SSE frame from the events stream.
type Event struct {
	Name string
	ID   string
	Data json.RawMessage
}

// Watch consumes the SSE stream, invoking handle per event until the stream
// closes, the handler returns false, or the context is cancelled.
func (c *Client) Watch(ctx context.Context, caseID string,
	handle func(Event) bool) error {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/reviews/"+caseID+"/events", nil)
	if err != nil {
		return err
	}

	// The stream outlives any sane request timeout.
	client := &http.Client{}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var ev Event
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if ev.Name != "" {
				if !handle(ev) {
					return nil
				}
			}
			ev = Event{}

		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")

		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(
				strings.TrimPrefix(line, "data: "))

		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return scanner.Err()
}
