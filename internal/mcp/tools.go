package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openhitl/reviewd/internal/notify"
	"github.com/openhitl/reviewd/internal/review"
	"github.com/openhitl/reviewd/internal/token"
)

// RequestReviewArgs are the arguments for the request_review tool.
type RequestReviewArgs struct {
	// Type is the review type.
	Type string `json:"type" jsonschema:"Review type: approval, selection, input, confirmation, escalation or custom"`

	// Prompt is the human-facing question.
	Prompt string `json:"prompt" jsonschema:"Short question shown to the human"`

	// Context is the payload rendered by the review surface.
	Context json.RawMessage `json:"context,omitempty" jsonschema:"Opaque JSON payload rendered on the review page"`

	// TTLSeconds bounds how long the case stays open.
	TTLSeconds int `json:"ttl_seconds,omitempty" jsonschema:"Case lifetime in seconds,default=86400"`

	// InlineActions enables the restricted submit path.
	InlineActions []string `json:"inline_actions,omitempty" jsonschema:"Actions the agent may submit directly without the review page"`

	// DefaultAction is reported if the case expires.
	DefaultAction string `json:"default_action,omitempty" jsonschema:"Action to assume when the case expires unanswered"`
}

// RequestReviewResult is the result of the request_review tool.
type RequestReviewResult struct {
	CaseID      string    `json:"case_id"`
	Status      string    `json:"status"`
	ReviewURL   string    `json:"review_url"`
	SubmitToken string    `json:"submit_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleRequestReview(ctx context.Context,
	req *mcp.CallToolRequest, args RequestReviewArgs) (*mcp.CallToolResult,
	RequestReviewResult, error) {

	c, toks, err := s.engine.Create(ctx, review.CreateParams{
		Type:          review.CaseType(args.Type),
		Context:       args.Context,
		Prompt:        args.Prompt,
		TTL:           time.Duration(args.TTLSeconds) * time.Second,
		InlineActions: args.InlineActions,
		DefaultAction: args.DefaultAction,
	})
	if err != nil {
		return nil, RequestReviewResult{}, err
	}

	return nil, RequestReviewResult{
		CaseID: c.CaseID,
		Status: string(c.Status),
		ReviewURL: fmt.Sprintf("%s/review/%s?token=%s",
			s.baseURL, c.CaseID, toks.Review),
		SubmitToken: toks.Submit,
		ExpiresAt:   c.ExpiresAt,
	}, nil
}

// CheckReviewArgs are the arguments for the check_review tool.
type CheckReviewArgs struct {
	CaseID string `json:"case_id" jsonschema:"ID of the review case"`
}

// ReviewStatusResult reports where a case currently stands. Result fields
// are present only once the case completed.
type ReviewStatusResult struct {
	CaseID        string           `json:"case_id"`
	Status        string           `json:"status"`
	Result        *review.Result   `json:"result,omitempty"`
	RespondedBy   *review.Identity `json:"responded_by,omitempty"`
	DefaultAction string           `json:"default_action,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

func statusResult(c *review.Case) ReviewStatusResult {
	p := c.Project()

	return ReviewStatusResult{
		CaseID:        c.CaseID,
		Status:        string(c.Status),
		Result:        p.Result,
		RespondedBy:   p.RespondedBy,
		DefaultAction: p.DefaultAction,
		ExpiresAt:     c.ExpiresAt,
	}
}

func (s *Server) handleCheckReview(ctx context.Context,
	req *mcp.CallToolRequest, args CheckReviewArgs) (*mcp.CallToolResult,
	ReviewStatusResult, error) {

	opt, err := s.engine.Get(ctx, args.CaseID)
	if err != nil {
		return nil, ReviewStatusResult{}, err
	}

	c, err := opt.UnwrapOrErr(review.ErrCaseNotFound)
	if err != nil {
		return nil, ReviewStatusResult{}, err
	}

	return nil, statusResult(c), nil
}

// SubmitReviewArgs are the arguments for the submit_review tool.
type SubmitReviewArgs struct {
	CaseID      string          `json:"case_id" jsonschema:"ID of the review case"`
	SubmitToken string          `json:"submit_token" jsonschema:"Submit token returned by request_review"`
	Action      string          `json:"action" jsonschema:"One of the case's inline actions"`
	Data        json.RawMessage `json:"data,omitempty" jsonschema:"Optional structured response data"`
}

func (s *Server) handleSubmitReview(ctx context.Context,
	req *mcp.CallToolRequest, args SubmitReviewArgs) (*mcp.CallToolResult,
	ReviewStatusResult, error) {

	c, err := s.engine.Respond(ctx, args.CaseID, args.SubmitToken,
		token.PurposeSubmit, args.Action, args.Data, nil)
	if err != nil {
		return nil, ReviewStatusResult{}, err
	}

	return nil, statusResult(c), nil
}

// CancelReviewArgs are the arguments for the cancel_review tool.
type CancelReviewArgs struct {
	CaseID string `json:"case_id" jsonschema:"ID of the review case"`
	Token  string `json:"token" jsonschema:"Review or submit token for the case"`
}

func (s *Server) handleCancelReview(ctx context.Context,
	req *mcp.CallToolRequest, args CancelReviewArgs) (*mcp.CallToolResult,
	ReviewStatusResult, error) {

	c, err := s.engine.Cancel(ctx, args.CaseID, args.Token)
	if err != nil {
		return nil, ReviewStatusResult{}, err
	}

	return nil, statusResult(c), nil
}

// AwaitReviewArgs are the arguments for the await_review tool.
type AwaitReviewArgs struct {
	CaseID         string `json:"case_id" jsonschema:"ID of the review case"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"How long to block before giving up,default=300"`
}

// AwaitReviewResult is the result of the await_review tool. TimedOut is set
// when the case was still open at the deadline; the status fields then
// describe where it stood.
type AwaitReviewResult struct {
	ReviewStatusResult

	TimedOut bool `json:"timed_out,omitempty"`
}

// terminalWaiter is a hub subscriber that signals once a terminal event
// arrives.
type terminalWaiter struct {
	done chan struct{}
}

// Send implements notify.Subscriber.
func (t *terminalWaiter) Send(ev notify.Event) error {
	if review.Status(ev.Data.Status).IsTerminal() {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
	return nil
}

func (s *Server) handleAwaitReview(ctx context.Context,
	req *mcp.CallToolRequest, args AwaitReviewArgs) (*mcp.CallToolResult,
	AwaitReviewResult, error) {

	timeout := time.Duration(args.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	// Subscribe before the status check so a transition racing the check
	// is not missed.
	waiter := &terminalWaiter{done: make(chan struct{})}
	unsubscribe := s.engine.Hub().Subscribe(args.CaseID, waiter)
	defer unsubscribe()

	load := func() (*review.Case, error) {
		opt, err := s.engine.Get(ctx, args.CaseID)
		if err != nil {
			return nil, err
		}
		return opt.UnwrapOrErr(review.ErrCaseNotFound)
	}

	c, err := load()
	if err != nil {
		return nil, AwaitReviewResult{}, err
	}

	if !c.IsTerminal() {
		select {
		case <-waiter.done:
		case <-time.After(timeout):
		case <-ctx.Done():
			return nil, AwaitReviewResult{}, ctx.Err()
		}

		if c, err = load(); err != nil {
			return nil, AwaitReviewResult{}, err
		}
	}

	return nil, AwaitReviewResult{
		ReviewStatusResult: statusResult(c),
		TimedOut:           !c.IsTerminal(),
	}, nil
}
