package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/cancel"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
)

type finishCall struct {
	id     uuid.UUID
	status models.GenerationStatus
	errMsg string
}

type fakeFinisher struct {
	mu    sync.Mutex
	calls []finishCall
}

func (f *fakeFinisher) Finish(_ context.Context, id uuid.UUID, status models.GenerationStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finishCall{id: id, status: status, errMsg: errMsg})
	return nil
}

func (f *fakeFinisher) recorded() []finishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]finishCall(nil), f.calls...)
}

// reduceEvents pushes the scripted run events through reduce and returns
// everything that reached the outward stream.
func reduceEvents(t *testing.T, store *fakeFinisher, script ...models.RunEvent) ([]models.StreamEvent, *cancel.Token) {
	t.Helper()
	log := logger.New("error", "json")
	o := &Orchestrator{
		generations: store,
		aborts:      NewAbortRegistry(nil, log),
		buffer:      8,
		log:         log,
	}

	rc := &models.RunContext{GenerationID: uuid.New(), RunID: uuid.New()}
	tok := cancel.NewRoot(context.Background())
	o.aborts.Register(rc.GenerationID, tok)

	events := make(chan models.RunEvent, len(script))
	for _, ev := range script {
		events <- ev
	}
	close(events)

	out := make(chan models.StreamEvent, o.buffer)
	go o.reduce(rc, tok, events, out, log)

	var got []models.StreamEvent
	for ev := range out {
		got = append(got, ev)
	}
	return got, tok
}

func TestReduceAbortAfterOneDelta(t *testing.T) {
	store := &fakeFinisher{}
	got, tok := reduceEvents(t, store,
		models.RunEvent{Type: models.RunEventContentDelta, Content: "partial "},
		models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusAborted, Message: "aborted by client"},
	)

	if len(got) != 2 {
		t.Fatalf("stream = %+v, want exactly one delta then done", got)
	}
	if got[0].Type != models.StreamDelta || got[0].Content != "partial " {
		t.Fatalf("first event = %+v, want the delta", got[0])
	}
	if got[1].Type != models.StreamDone || got[1].Status != models.StatusAborted {
		t.Fatalf("last event = %+v, want done with aborted status", got[1])
	}

	calls := store.recorded()
	if len(calls) != 1 || calls[0].status != models.StatusAborted {
		t.Fatalf("terminal recording = %+v, want one aborted transition", calls)
	}
	if !tok.Canceled() {
		t.Fatal("run token must be released after the stream closes")
	}
}

func TestReduceMainErrorThenDone(t *testing.T) {
	store := &fakeFinisher{}
	got, _ := reduceEvents(t, store,
		models.RunEvent{Type: models.RunEventContentDelta, Content: "some "},
		models.RunEvent{Type: models.RunEventMainError, Message: "provider unavailable"},
		models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusError, Message: "provider unavailable"},
	)

	if len(got) != 3 {
		t.Fatalf("stream = %+v, want delta, error, done", got)
	}
	if got[1].Type != models.StreamError || got[1].Message != "provider unavailable" {
		t.Fatalf("second event = %+v, want the error", got[1])
	}
	if got[2].Type != models.StreamDone || got[2].Status != models.StatusError {
		t.Fatalf("last event = %+v, want done with error status", got[2])
	}

	calls := store.recorded()
	if len(calls) != 1 || calls[0].errMsg != "provider unavailable" {
		t.Fatalf("terminal recording = %+v, want the error message persisted", calls)
	}
}

func TestReduceTerminalRecordedBeforeDone(t *testing.T) {
	store := &fakeFinisher{}
	log := logger.New("error", "json")
	o := &Orchestrator{
		generations: store,
		aborts:      NewAbortRegistry(nil, log),
		buffer:      8,
		log:         log,
	}

	rc := &models.RunContext{GenerationID: uuid.New(), RunID: uuid.New()}
	tok := cancel.NewRoot(context.Background())
	o.aborts.Register(rc.GenerationID, tok)

	events := make(chan models.RunEvent, 1)
	events <- models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusDone, Message: "full reply"}
	close(events)

	out := make(chan models.StreamEvent, 8)
	go o.reduce(rc, tok, events, out, log)

	done := <-out
	if done.Type != models.StreamDone {
		t.Fatalf("event = %+v, want done", done)
	}
	// the terminal status is persisted before done reaches the client
	calls := store.recorded()
	if len(calls) != 1 || calls[0].status != models.StatusDone || calls[0].id != rc.GenerationID {
		t.Fatalf("terminal recording = %+v, want done already persisted", calls)
	}
	if _, open := <-out; open {
		t.Fatal("stream must close after done")
	}
}

func TestReduceIgnoresOperationEvents(t *testing.T) {
	store := &fakeFinisher{}
	got, _ := reduceEvents(t, store,
		models.RunEvent{Type: models.RunEventOpStarted, OpID: "summarize"},
		models.RunEvent{Type: models.RunEventOpFinished, OpID: "summarize"},
		models.RunEvent{Type: models.RunEventContentDelta, Content: "hi"},
		models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusDone, Message: "hi"},
	)

	if len(got) != 2 {
		t.Fatalf("stream = %+v, operation events must not leak outward", got)
	}
	if got[0].Type != models.StreamDelta || got[1].Type != models.StreamDone {
		t.Fatalf("stream = %+v, want delta then done", got)
	}
}

func TestReduceMissingTerminalEventIsError(t *testing.T) {
	store := &fakeFinisher{}
	got, _ := reduceEvents(t, store,
		models.RunEvent{Type: models.RunEventContentDelta, Content: "cut "},
	)

	last := got[len(got)-1]
	if last.Type != models.StreamDone || last.Status != models.StatusError {
		t.Fatalf("last event = %+v, want done with error status", last)
	}

	calls := store.recorded()
	if len(calls) != 1 || calls[0].status != models.StatusError || calls[0].errMsg == "" {
		t.Fatalf("terminal recording = %+v, want an error transition with a message", calls)
	}
}
