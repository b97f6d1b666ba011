package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/cmd/chatd/resolver"
	"github.com/parleyhq/parley/cmd/chatd/runner"
	"github.com/parleyhq/parley/common/cancel"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/ratelimit"
)

// GenerationFinisher records the terminal transition of a generation.
// Satisfied by the generation repository.
type GenerationFinisher interface {
	Finish(ctx context.Context, id uuid.UUID, status models.GenerationStatus, errMsg string) error
}

// RateLimitedError is returned when a generation is rejected by the tiered
// rate limiter. RetryAfterSeconds tells the client when to retry.
type RateLimitedError struct {
	Tier              ratelimit.ProfileTier
	RetryAfterSeconds int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (tier %s), retry after %ds", e.Tier, e.RetryAfterSeconds)
}

// Orchestrator owns the generation lifecycle: resolve, rate-limit, run,
// reduce internal run events to the outward stream vocabulary, and record
// the first terminal transition.
type Orchestrator struct {
	resolver    *resolver.Resolver
	runner      *runner.Runner
	generations GenerationFinisher
	limiter     *ratelimit.RateLimiter
	aborts      *AbortRegistry
	buffer      int
	log         *logger.Logger
}

// NewOrchestrator creates an orchestrator. limiter may be nil, which
// disables rate limiting.
func NewOrchestrator(res *resolver.Resolver, run *runner.Runner, generations GenerationFinisher, limiter *ratelimit.RateLimiter, aborts *AbortRegistry, buffer int, log *logger.Logger) *Orchestrator {
	if buffer <= 0 {
		buffer = 64
	}
	return &Orchestrator{
		resolver:    res,
		runner:      run,
		generations: generations,
		limiter:     limiter,
		aborts:      aborts,
		buffer:      buffer,
		log:         log,
	}
}

// Generate resolves and starts one generation. The returned channel carries
// delta/error/done events and closes after done; the generation id is
// available immediately for abort routing.
func (o *Orchestrator) Generate(ctx context.Context, req *resolver.Request, turn *runner.Request) (uuid.UUID, <-chan models.StreamEvent, error) {
	rc, err := o.resolver.Resolve(ctx, req)
	if err != nil {
		return uuid.Nil, nil, err
	}
	log := o.log.WithGenerationID(rc.GenerationID.String())

	if err := o.checkLimit(ctx, rc); err != nil {
		o.finish(rc.GenerationID, models.StatusError, err.Error(), log)
		return rc.GenerationID, nil, err
	}

	// The run owns its own lifetime: it is detached from the request
	// context so a transport hiccup does not kill it mid-write. Client
	// disconnects abort explicitly through the registry.
	tok := cancel.NewRoot(context.Background())
	o.aborts.Register(rc.GenerationID, tok)

	out := make(chan models.StreamEvent, o.buffer)
	events := o.runner.Run(tok, rc, turn)

	go o.reduce(rc, tok, events, out, log)

	return rc.GenerationID, out, nil
}

// Abort requests cancellation of a live generation. Idempotent: aborting a
// finished or unknown generation does nothing.
func (o *Orchestrator) Abort(ctx context.Context, generationID uuid.UUID) bool {
	return o.aborts.Abort(ctx, generationID)
}

// reduce maps internal run events to the outward stream and records the
// terminal status. Always closes out after the done event.
func (o *Orchestrator) reduce(rc *models.RunContext, tok *cancel.Token, events <-chan models.RunEvent, out chan<- models.StreamEvent, log *logger.Logger) {
	defer close(out)
	defer o.aborts.Unregister(rc.GenerationID)

	status := models.StatusError
	message := "run ended without a terminal event"

	for ev := range events {
		switch ev.Type {
		case models.RunEventContentDelta:
			out <- models.StreamEvent{Type: models.StreamDelta, Content: ev.Content}

		case models.RunEventMainError:
			out <- models.StreamEvent{Type: models.StreamError, Message: ev.Message}

		case models.RunEventOpStarted, models.RunEventOpFinished:
			log.Debug("operation event", "type", string(ev.Type), "op_id", ev.OpID, "failed", ev.Message != "")

		case models.RunEventRunFinished:
			status = ev.Status
			message = ev.Message
		}
	}

	o.finish(rc.GenerationID, status, message, log)
	out <- models.StreamEvent{Type: models.StreamDone, Status: status, Message: message}
	tok.Abort()
}

// finish records the terminal transition; only the first one wins.
func (o *Orchestrator) finish(id uuid.UUID, status models.GenerationStatus, message string, log *logger.Logger) {
	errMsg := ""
	if status == models.StatusError {
		errMsg = message
	}
	if err := o.generations.Finish(context.Background(), id, status, errMsg); err != nil {
		log.Error("failed to record terminal status", "status", string(status), "error", err)
	}
	log.Info("generation finished", "status", string(status))
}

// checkLimit applies the tiered rate limit for the run's profile shape
func (o *Orchestrator) checkLimit(ctx context.Context, rc *models.RunContext) error {
	if o.limiter == nil {
		return nil
	}
	shape := ratelimit.InspectProfile(rc.ProfileSnapshot)
	result, err := o.limiter.CheckTieredLimit(ctx, rc.OwnerID, shape.Tier)
	if err != nil {
		// Limiter outages must not take chat down with them.
		o.log.Warn("rate limit check failed, allowing request", "error", err)
		return nil
	}
	if !result.Allowed {
		return &RateLimitedError{Tier: shape.Tier, RetryAfterSeconds: result.RetryAfterSeconds}
	}
	return nil
}
