package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/cancel"
	"github.com/parleyhq/parley/common/logger"
	redisc "github.com/parleyhq/parley/common/redis"
)

// abortChannel is the cross-instance abort broadcast channel. Messages are
// bare generation ids; every instance aborts locally when it holds the run.
const abortChannel = "generation:abort"

// AbortRegistry maps live generations to their cancellation tokens. With a
// redis client attached, aborts reach runs on other instances through
// pub/sub; without one, aborts are instance-local.
type AbortRegistry struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*cancel.Token
	redis  *redisc.Client
	log    *logger.Logger
}

// NewAbortRegistry creates a registry. redisClient may be nil.
func NewAbortRegistry(redisClient *redisc.Client, log *logger.Logger) *AbortRegistry {
	return &AbortRegistry{
		tokens: make(map[uuid.UUID]*cancel.Token),
		redis:  redisClient,
		log:    log,
	}
}

// Start subscribes to the abort broadcast channel. Blocks until ctx is
// canceled; callers run it in a goroutine.
func (a *AbortRegistry) Start(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Subscribe(ctx, abortChannel, func(message string) {
		id, err := uuid.Parse(message)
		if err != nil {
			a.log.Warn("ignoring malformed abort broadcast", "message", message)
			return
		}
		if a.abortLocal(id) {
			a.log.Info("generation aborted via broadcast", "generation_id", id)
		}
	})
}

// Register attaches a live run's token. The caller must Unregister when the
// run finishes.
func (a *AbortRegistry) Register(id uuid.UUID, tok *cancel.Token) {
	a.mu.Lock()
	a.tokens[id] = tok
	a.mu.Unlock()
}

// Unregister detaches a finished run
func (a *AbortRegistry) Unregister(id uuid.UUID) {
	a.mu.Lock()
	delete(a.tokens, id)
	a.mu.Unlock()
}

// Abort cancels a generation wherever it runs. Aborting an unknown or
// already-finished generation is a no-op; the call is idempotent.
func (a *AbortRegistry) Abort(ctx context.Context, id uuid.UUID) bool {
	local := a.abortLocal(id)

	if a.redis != nil {
		if err := a.redis.PublishEvent(ctx, abortChannel, id.String()); err != nil {
			a.log.Error("abort broadcast failed", "generation_id", id, "error", err)
		}
	}
	return local
}

func (a *AbortRegistry) abortLocal(id uuid.UUID) bool {
	a.mu.Lock()
	tok, ok := a.tokens[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	tok.Abort()
	return true
}
