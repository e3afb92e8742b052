package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InterventionController owns the pause/resume/override hooks of the
// engine. The scheduler raises an InterventionRequest for risky or
// dangerous steps; an external actor (human prompt, automated policy)
// answers exactly once through Resolve. A request left unanswered past
// the configured timeout falls back to the decision policy rather than
// hanging the step forever.
type InterventionController struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	timeout time.Duration
	policy  DecisionPolicy
	events  EventPublisher
	logger  zerolog.Logger
}

type pendingRequest struct {
	req      *InterventionRequest
	ch       chan Choice
	resolved bool
}

// NewInterventionController creates a controller. timeout bounds how
// long a request may stay unanswered; zero means five minutes. policy
// decides timed-out requests; nil rejects them.
func NewInterventionController(timeout time.Duration, policy DecisionPolicy, events EventPublisher, logger zerolog.Logger) *InterventionController {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if policy == nil {
		policy = rejectAllPolicy{}
	}
	return &InterventionController{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		policy:  policy,
		events:  events,
		logger:  logger.With().Str("component", "intervention").Logger(),
	}
}

// Request raises an intervention request and blocks until it is
// resolved, the timeout elapses, or ctx is cancelled. Only the calling
// step's dispatch path is suspended; the scheduler keeps running other
// steps. On timeout the decision policy supplies the resolution.
func (c *InterventionController) Request(ctx context.Context, step *Step, req *InterventionRequest) (Choice, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if len(req.Options) == 0 {
		req.Options = []Choice{ChoiceApprove, ChoiceReject, ChoiceSkip}
	}
	req.CreatedAt = time.Now()

	p := &pendingRequest{req: req, ch: make(chan Choice, 1)}
	c.mu.Lock()
	c.pending[req.ID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.publish(ctx, EventTypeInterventionRequested, req, "")

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case choice := <-p.ch:
		c.publish(ctx, EventTypeInterventionResolved, req, string(choice))
		return choice, nil

	case <-timer.C:
		// Explicit fallback, never an indefinite hang.
		c.markResolved(req.ID)
		decision, err := c.policy.Decide(ctx, step)
		if err != nil {
			c.logger.Error().Err(err).Str("request_id", req.ID).Msg("decision policy failed on timeout")
			decision = Decision{Choice: ChoiceReject, Reason: "policy error on intervention timeout"}
		}
		c.logger.Warn().
			Str("request_id", req.ID).
			Str("step_id", req.StepID).
			Str("choice", string(decision.Choice)).
			Msg("intervention request timed out, applying default policy")
		c.publish(ctx, EventTypeInterventionResolved, req, string(decision.Choice))
		return decision.Choice, nil

	case <-ctx.Done():
		c.markResolved(req.ID)
		return ChoiceSkip, NewPermanentError("run cancelled while awaiting intervention", ctx.Err()).
			WithCode(ErrCodeCancelled).WithStep(req.StepID)
	}
}

// Resolve answers a pending request. Each request is resolved at most
// once; a duplicate or unknown resolution is rejected, not silently
// accepted.
func (c *InterventionController) Resolve(requestID string, choice Choice) error {
	if !choice.Valid() {
		return NewPermanentError(fmt.Sprintf("invalid choice %q", choice), nil).
			WithCode(ErrCodeValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[requestID]
	if !ok {
		return NewPermanentError(fmt.Sprintf("no pending intervention request %q", requestID), nil).
			WithCode(ErrCodeNotFound)
	}
	if p.resolved {
		return NewPermanentError(fmt.Sprintf("intervention request %q already resolved", requestID), nil).
			WithCode(ErrCodeValidation)
	}
	p.resolved = true
	p.ch <- choice
	return nil
}

// Pending returns the currently unresolved requests.
func (c *InterventionController) Pending() []*InterventionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*InterventionRequest, 0, len(c.pending))
	for _, p := range c.pending {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	return out
}

func (c *InterventionController) markResolved(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[requestID]; ok {
		p.resolved = true
	}
}

func (c *InterventionController) publish(ctx context.Context, t EventType, req *InterventionRequest, choice string) {
	if c.events == nil {
		return
	}
	data := map[string]interface{}{"request_id": req.ID, "reason": req.Reason}
	msg := fmt.Sprintf("intervention requested for step %s", req.StepID)
	if choice != "" {
		data["choice"] = choice
		msg = fmt.Sprintf("intervention for step %s resolved: %s", req.StepID, choice)
	}
	_ = c.events.Publish(ctx, &Event{
		Type:    t,
		PlanID:  req.PlanID,
		StepID:  req.StepID,
		Message: msg,
		Data:    data,
	})
}
