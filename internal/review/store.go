package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/rs/zerolog/log"

	"github.com/openhitl/reviewd/internal/metrics"
	"github.com/openhitl/reviewd/internal/notify"
	"github.com/openhitl/reviewd/internal/ratelimit"
	"github.com/openhitl/reviewd/internal/token"
)

// DefaultTTL is the case lifetime used when creation does not specify one.
const DefaultTTL = 24 * time.Hour

// CreateParams describes a new review case.
type CreateParams struct {
	Type    CaseType
	Context json.RawMessage
	Prompt  string

	// TTL is the case lifetime; non-positive falls back to DefaultTTL.
	TTL time.Duration

	// InlineActions, when non-empty, enables the inline-submit path and
	// causes a submit token to be minted.
	InlineActions []string

	// DefaultAction is reported in the expired projection. The engine
	// never synthesizes a result from it.
	DefaultAction string
}

// CreatedTokens carries the raw bearer tokens. They are returned exactly
// once, at creation; only their digests survive on the case.
type CreatedTokens struct {
	Review string

	// Submit is empty when the case has no inline actions.
	Submit string
}

// Config wires the case store's collaborators.
type Config struct {
	// Storage backs the case map. Nil selects MemoryStorage.
	Storage Storage

	// Limiter gates the poll operation. Nil selects an in-process
	// fixed-window limiter with protocol defaults.
	Limiter ratelimit.Limiter

	// Hub receives lifecycle events. Nil selects a fresh hub.
	Hub *notify.Hub

	// DefaultTTL overrides the case lifetime applied when creation does
	// not specify one.
	DefaultTTL time.Duration

	// Retention, when positive, deletes terminal cases after the given
	// duration. Zero keeps them until the host restarts.
	Retention time.Duration

	// Clock is swappable for tests.
	Clock func() time.Time
}

// PollResult is the outcome of a poll: the rate-limit decision is always
// populated so boundaries can emit X-RateLimit headers even on denials.
type PollResult struct {
	NotModified bool
	ETag        string
	RateLimit   ratelimit.Decision
	Projection  *Projection
}

// Store orchestrates the review case lifecycle: it owns case identity and
// expiry, and composes the token manager, rate limiter, notification hub
// and state machine into the engine's operations.
type Store struct {
	// mu serializes mutations. The engine's contract is that a single
	// case is never mutated concurrently; one lock across all cases
	// satisfies that without per-case bookkeeping.
	mu sync.Mutex

	storage    Storage
	limiter    ratelimit.Limiter
	hub        *notify.Hub
	sched      *Scheduler
	clock      func() time.Time
	defaultTTL time.Duration
	retention  time.Duration
}

// NewStore creates a case store from the config, filling in defaults for
// absent collaborators.
func NewStore(cfg Config) *Store {
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewWindowLimiter(0, 0)
	}

	hub := cfg.Hub
	if hub == nil {
		hub = notify.NewHub()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{
		storage:    storage,
		limiter:    limiter,
		hub:        hub,
		sched:      NewScheduler(),
		clock:      clock,
		defaultTTL: ttl,
		retention:  cfg.Retention,
	}
}

// Hub returns the notification hub so boundaries can attach subscribers.
func (s *Store) Hub() *notify.Hub {
	return s.hub
}

// Start launches the expiry scheduler and re-arms deadlines for every
// unresolved case the storage still holds, so a database-backed deployment
// resumes expiring cases after a restart.
func (s *Store) Start(ctx context.Context) error {
	unresolved, err := s.storage.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unresolved cases: %w", err)
	}

	for _, c := range unresolved {
		s.scheduleExpiry(c)
	}

	s.sched.Start()

	if len(unresolved) > 0 {
		log.Info().Int("cases", len(unresolved)).
			Msg("re-armed expiry deadlines")
	}

	return nil
}

// Stop halts the expiry scheduler.
func (s *Store) Stop() {
	s.sched.Stop()
}

// NewCaseID mints a globally unique, URL-safe case ID.
func NewCaseID() string {
	return "rc_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Create mints tokens, builds the case in pending at version 1, persists it
// and arms its expiry deadline. The raw tokens exist only in the returned
// CreatedTokens.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Case,
	CreatedTokens, error) {

	if !p.Type.Valid() {
		return nil, CreatedTokens{}, NewError(CodeInvalidType,
			"unknown review type %q", p.Type)
	}

	reviewTok, err := token.Generate()
	if err != nil {
		return nil, CreatedTokens{}, err
	}

	tokens := CreatedTokens{Review: reviewTok}

	var submitHash *token.Digest
	if len(p.InlineActions) > 0 {
		submitTok, err := token.Generate()
		if err != nil {
			return nil, CreatedTokens{}, err
		}

		h := token.Hash(submitTok)
		submitHash = &h
		tokens.Submit = submitTok
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.clock()
	c := &Case{
		CaseID:          NewCaseID(),
		Type:            p.Type,
		Status:          StatusPending,
		ReviewTokenHash: token.Hash(reviewTok),
		SubmitTokenHash: submitHash,
		InlineActions:   append([]string(nil), p.InlineActions...),
		Context:         p.Context,
		Prompt:          p.Prompt,
		DefaultAction:   p.DefaultAction,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		Version:         1,
		ETag:            ETagFor(1, StatusPending),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.PutCase(ctx, c); err != nil {
		return nil, CreatedTokens{}, err
	}

	s.scheduleExpiry(c)
	metrics.RecordCaseCreated(string(c.Type))

	log.Info().
		Str("case_id", c.CaseID).
		Str("type", string(c.Type)).
		Time("expires_at", c.ExpiresAt).
		Msg("review case created")

	return c, tokens, nil
}

// Get returns the case, or None for an unknown ID.
func (s *Store) Get(ctx context.Context, caseID string) (fn.Option[*Case],
	error) {

	c, err := s.storage.GetCase(ctx, caseID)
	switch {
	case errors.Is(err, ErrCaseNotFound):
		return fn.None[*Case](), nil
	case err != nil:
		return fn.None[*Case](), err
	}

	return fn.Some(c), nil
}

// Poll consults the rate limiter, short-circuits on a matching etag and
// otherwise returns the status projection. Every poll spends rate-limit
// budget, 304s included.
func (s *Store) Poll(ctx context.Context, caseID,
	ifNoneMatch string) (PollResult, error) {

	c, err := s.storage.GetCase(ctx, caseID)
	if err != nil {
		metrics.RecordPoll("not_found")
		return PollResult{}, err
	}

	decision := s.limiter.Check(ctx, caseID)
	res := PollResult{
		ETag:      c.ETag,
		RateLimit: decision,
	}

	if !decision.Allowed {
		metrics.RecordPoll("rate_limited")
		return res, NewError(CodeRateLimited,
			"too many requests for this case, retry later")
	}

	if ifNoneMatch != "" && ifNoneMatch == c.ETag {
		metrics.RecordPoll("not_modified")
		res.NotModified = true
		return res, nil
	}

	metrics.RecordPoll("ok")
	res.Projection = c.Project()
	return res, nil
}

// Respond is the only path that can set a result. It verifies the token
// for the declared purpose, enforces the terminal preconditions and the
// inline action set, then drives the case to completed.
func (s *Store) Respond(ctx context.Context, caseID, tok string,
	purpose token.Purpose, action string, data json.RawMessage,
	by *Identity) (*Case, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	// Token check comes first: an invalid or wrong-purpose token must
	// never reach the transition, and learns nothing about case state.
	if !token.VerifyForPurpose(tok, c, purpose) {
		return nil, NewError(CodeInvalidToken,
			"token is not valid for %s", purpose)
	}

	if err := respondPrecondition(c); err != nil {
		return nil, err
	}

	if action == "" {
		return nil, NewError(CodeMissingAction,
			"an action is required")
	}

	if purpose == token.PurposeSubmit && !c.AllowsInlineAction(action) {
		return nil, NewError(CodeActionNotInline,
			"action %q is not available inline, use the review page",
			action)
	}

	c.Result = &Result{Action: action, Data: data}
	c.RespondedBy = by

	if err := Transition(c, StatusCompleted, s.clock()); err != nil {
		// Preconditions above make this unreachable; treat it as
		// fatal for the request rather than retryable.
		return nil, err
	}

	if err := s.storage.PutCase(ctx, c); err != nil {
		return nil, err
	}

	s.afterTransition(ctx, c)

	log.Info().
		Str("case_id", c.CaseID).
		Str("action", action).
		Str("purpose", purpose.String()).
		Msg("review case completed")

	return c, nil
}

// respondPrecondition maps a closed case to the taxonomy error the caller
// should see. Cancelled cases report as no-longer-accepting, same class as
// expiry.
func respondPrecondition(c *Case) error {
	switch c.Status {
	case StatusExpired:
		return NewError(CodeCaseExpired,
			"case expired on %s",
			c.ExpiresAt.UTC().Format(time.RFC3339))

	case StatusCompleted:
		return NewError(CodeDuplicateSubmission,
			"case has already been responded to")

	case StatusCancelled:
		return NewError(CodeCaseExpired,
			"case was cancelled")

	default:
		return nil
	}
}

// Open is the review-page entry point: it verifies the review credential
// and performs the best-effort pending to opened transition. Opening a case
// that already left pending just returns it unchanged.
func (s *Store) Open(ctx context.Context, caseID, tok string) (*Case,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if !token.VerifyForPurpose(tok, c, token.PurposeReview) {
		return nil, NewError(CodeInvalidToken,
			"token is not valid for review")
	}

	if c.Status != StatusPending {
		return c, nil
	}

	if err := Transition(c, StatusOpened, s.clock()); err != nil {
		return nil, err
	}

	if err := s.storage.PutCase(ctx, c); err != nil {
		return nil, err
	}

	s.afterTransition(ctx, c)

	return c, nil
}

// Cancel closes a non-terminal case on behalf of the requesting service.
// Either credential authorizes it. Cancelling an already-cancelled case is
// idempotent; completed and expired cases report their usual closed-state
// errors.
func (s *Store) Cancel(ctx context.Context, caseID, tok string) (*Case,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if !token.VerifyForPurpose(tok, c, token.PurposeReview) &&
		!token.VerifyForPurpose(tok, c, token.PurposeSubmit) {

		return nil, NewError(CodeInvalidToken,
			"token is not valid for this case")
	}

	switch c.Status {
	case StatusCancelled:
		return c, nil

	case StatusExpired:
		return nil, NewError(CodeCaseExpired,
			"case expired on %s",
			c.ExpiresAt.UTC().Format(time.RFC3339))

	case StatusCompleted:
		return nil, NewError(CodeDuplicateSubmission,
			"case has already been responded to")
	}

	if err := Transition(c, StatusCancelled, s.clock()); err != nil {
		return nil, err
	}

	if err := s.storage.PutCase(ctx, c); err != nil {
		return nil, err
	}

	s.afterTransition(ctx, c)

	log.Info().Str("case_id", c.CaseID).Msg("review case cancelled")

	return c, nil
}

// MarkInProgress records that the human began working on the case. Like
// Open, it is best-effort: from any status the table disallows it is a
// no-op.
func (s *Store) MarkInProgress(ctx context.Context, caseID,
	tok string) (*Case, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if !token.VerifyForPurpose(tok, c, token.PurposeReview) {
		return nil, NewError(CodeInvalidToken,
			"token is not valid for review")
	}

	if !CanTransition(c.Status, StatusInProgress) {
		return c, nil
	}

	if err := Transition(c, StatusInProgress, s.clock()); err != nil {
		return nil, err
	}

	if err := s.storage.PutCase(ctx, c); err != nil {
		return nil, err
	}

	s.afterTransition(ctx, c)

	return c, nil
}

// scheduleExpiry arms the case's expiry deadline. Callers hold mu (or run
// before the store is shared).
func (s *Store) scheduleExpiry(c *Case) {
	caseID := c.CaseID
	s.sched.Schedule(expireKey(caseID), c.ExpiresAt, func() {
		s.expireCase(caseID)
	})
}

// expireCase is the deadline action: expire the case if it is still in a
// non-terminal state. The human responding just before the deadline fires
// is an expected race, so an already-terminal case is a safe no-op checked
// through the table, not an error.
func (s *Store) expireCase(caseID string) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.GetCase(ctx, caseID)
	if err != nil {
		return
	}

	if !CanTransition(c.Status, StatusExpired) {
		return
	}

	if err := Transition(c, StatusExpired, s.clock()); err != nil {
		return
	}

	if err := s.storage.PutCase(ctx, c); err != nil {
		log.Error().Err(err).Str("case_id", caseID).
			Msg("failed to persist expiry")
		return
	}

	s.afterTransition(ctx, c)

	log.Info().Str("case_id", caseID).Msg("review case expired")
}

// purgeCase removes a terminal case once its retention lapses.
func (s *Store) purgeCase(caseID string) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.storage.GetCase(ctx, caseID)
	if err != nil || !c.IsTerminal() {
		return
	}

	if err := s.storage.DeleteCase(ctx, caseID); err != nil {
		log.Error().Err(err).Str("case_id", caseID).
			Msg("failed to purge case")
	}
}

// afterTransition runs the side effects of a successful, persisted
// transition: metrics, event fan-out, and resource cleanup on terminal
// entry. Keeping this out of the state machine keeps Transition pure and
// the notification path independently testable.
func (s *Store) afterTransition(ctx context.Context, c *Case) {
	metrics.RecordTransition(string(c.Status))

	s.hub.Publish(c.CaseID, EventFor(c))

	if !c.IsTerminal() {
		return
	}

	s.limiter.Clear(ctx, c.CaseID)
	s.sched.Cancel(expireKey(c.CaseID))

	if s.retention > 0 {
		caseID := c.CaseID
		s.sched.Schedule(purgeKey(caseID),
			s.clock().Add(s.retention), func() {
				s.purgeCase(caseID)
			})
	}
}

// EventFor builds the lifecycle event frame for the case's current state.
// The event ID encodes the version, so subscribers resuming with a
// Last-Event-ID can tell exactly how far they got.
func EventFor(c *Case) notify.Event {
	data := notify.EventData{
		CaseID: c.CaseID,
		Status: string(c.Status),
	}
	if c.Result != nil {
		data.Result = c.Result
	}

	return notify.Event{
		Name: "review." + string(c.Status),
		ID:   fmt.Sprintf("evt_%d", c.Version),
		Data: data,
	}
}

func expireKey(caseID string) string {
	return "expire/" + caseID
}

func purgeKey(caseID string) string {
	return "purge/" + caseID
}
