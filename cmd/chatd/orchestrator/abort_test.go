package orchestrator

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/cancel"
	"github.com/parleyhq/parley/common/logger"
)

func newTestRegistry() *AbortRegistry {
	return NewAbortRegistry(nil, logger.New("error", "json"))
}

func TestAbortRegistryAbortsRegisteredRun(t *testing.T) {
	reg := newTestRegistry()
	id := uuid.New()
	tok := cancel.NewRoot(context.Background())

	reg.Register(id, tok)
	if !reg.Abort(context.Background(), id) {
		t.Fatal("abort of a registered run should report true")
	}
	if !tok.Canceled() {
		t.Fatal("token should be canceled")
	}
	if cause := tok.Cause(); cause != cancel.ErrAborted {
		t.Fatalf("cause = %v, want ErrAborted", cause)
	}
}

func TestAbortRegistryUnknownGenerationIsNoop(t *testing.T) {
	reg := newTestRegistry()
	if reg.Abort(context.Background(), uuid.New()) {
		t.Fatal("abort of an unknown generation should report false")
	}
}

func TestAbortRegistryIdempotent(t *testing.T) {
	reg := newTestRegistry()
	id := uuid.New()
	tok := cancel.NewRoot(context.Background())
	reg.Register(id, tok)

	reg.Abort(context.Background(), id)
	// second abort on the same live registration is harmless
	if !reg.Abort(context.Background(), id) {
		t.Fatal("repeat abort before unregister should still find the token")
	}

	reg.Unregister(id)
	if reg.Abort(context.Background(), id) {
		t.Fatal("abort after unregister should report false")
	}
}

func TestAbortRegistryStartWithoutRedis(t *testing.T) {
	reg := newTestRegistry()
	// no redis attached: Start returns immediately instead of subscribing
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start without redis: %v", err)
	}
}
