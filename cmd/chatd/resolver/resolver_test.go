package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/template"
	"github.com/parleyhq/parley/common/validation"
)

type fakeProfiles struct {
	activeID  uuid.UUID
	active    bool
	activeErr error
	doc       json.RawMessage
	version   int
	docErr    error
}

func (f *fakeProfiles) GetActiveProfileID(context.Context) (uuid.UUID, bool, error) {
	return f.activeID, f.active, f.activeErr
}

func (f *fakeProfiles) GetDocument(context.Context, uuid.UUID) (json.RawMessage, int, error) {
	return f.doc, f.version, f.docErr
}

type fakeProviders struct {
	runtime *models.RuntimeInfo
}

func (f *fakeProviders) GetRuntime(context.Context, string) (*models.RuntimeInfo, error) {
	return f.runtime, nil
}

func (f *fakeProviders) GetConfig(context.Context, string) (*models.ProviderConfig, error) {
	return nil, errors.New("no provider config")
}

type fakeGenerations struct {
	created int
}

func (f *fakeGenerations) Create(_ context.Context, gen *models.Generation) error {
	f.created++
	gen.ID = uuid.New()
	return nil
}

func newTestResolver(t *testing.T, profiles *fakeProfiles) (*Resolver, *fakeGenerations) {
	t.Helper()
	v, err := validation.NewValidator(template.NewEngine())
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	gens := &fakeGenerations{}
	providers := &fakeProviders{runtime: &models.RuntimeInfo{ProviderID: "openai", Model: "gpt-test", CredentialRef: "cred-main"}}
	return NewResolver(profiles, providers, gens, v, "gpt-test", 40, logger.New("error", "json")), gens
}

func testRequest() *Request {
	return &Request{
		OwnerID:   "owner-1",
		ChatID:    uuid.New(),
		BranchID:  uuid.New(),
		MessageID: uuid.New(),
		VariantID: uuid.New(),
		Trigger:   models.TriggerGenerate,
	}
}

const activeProfileDoc = `{
	"ownerId": "owner-1",
	"name": "active profile",
	"enabled": true,
	"executionMode": "sequential",
	"operationProfileSessionId": "session-1",
	"version": 3,
	"operations": [{
		"opId": "summarize",
		"name": "summarize",
		"kind": "llm",
		"config": {
			"enabled": true,
			"hooks": ["before_main_llm"],
			"params": {"providerId": "openai", "credentialRef": "cred-1", "prompt": "Summarize: {{message}}"}
		}
	}]
}`

func TestResolveActiveProfileSnapshot(t *testing.T) {
	profileID := uuid.New()
	r, gens := newTestResolver(t, &fakeProfiles{
		activeID: profileID,
		active:   true,
		doc:      json.RawMessage(activeProfileDoc),
		version:  3,
	})

	rc, err := r.Resolve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rc.ProfileSnapshot == nil {
		t.Fatal("expected a profile snapshot")
	}
	if rc.ProfileSnapshot.ProfileID != profileID || rc.ProfileSnapshot.Version != 3 {
		t.Fatalf("snapshot identity mismatch: %+v", rc.ProfileSnapshot)
	}
	if rc.SessionKey == "" {
		t.Fatal("expected a session key for a profiled run")
	}
	if gens.created != 1 {
		t.Fatalf("expected one generation record, got %d", gens.created)
	}
}

func TestResolveNoActiveProfileIsPlainChat(t *testing.T) {
	r, _ := newTestResolver(t, &fakeProfiles{active: false})

	rc, err := r.Resolve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rc.ProfileSnapshot != nil {
		t.Fatal("expected no snapshot without an active profile")
	}
	if rc.SessionKey != "" {
		t.Fatalf("plain chat must not carry a session key, got %q", rc.SessionKey)
	}
}

func TestResolveActiveLookupErrorPropagates(t *testing.T) {
	dbErr := errors.New("connection refused")
	r, gens := newTestResolver(t, &fakeProfiles{activeErr: dbErr})

	_, err := r.Resolve(context.Background(), testRequest())
	if !errors.Is(err, dbErr) {
		t.Fatalf("expected the lookup error to propagate, got %v", err)
	}
	if gens.created != 0 {
		t.Fatal("no generation record may be created when resolution fails")
	}
}

func TestResolveDocumentLoadErrorPropagates(t *testing.T) {
	dbErr := errors.New("relation does not exist")
	r, _ := newTestResolver(t, &fakeProfiles{
		activeID: uuid.New(),
		active:   true,
		docErr:   dbErr,
	})

	_, err := r.Resolve(context.Background(), testRequest())
	if !errors.Is(err, dbErr) {
		t.Fatalf("expected the load error to propagate, got %v", err)
	}
}

func TestResolveInvalidStoredProfileIsPlainChat(t *testing.T) {
	r, _ := newTestResolver(t, &fakeProfiles{
		activeID: uuid.New(),
		active:   true,
		doc:      json.RawMessage(`{"name": "broken", "executionMode": "diagonal"}`),
	})

	rc, err := r.Resolve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("a stored profile that no longer validates must not fail the run: %v", err)
	}
	if rc.ProfileSnapshot != nil {
		t.Fatal("invalid stored profile must resolve to plain chat")
	}
}

func TestResolveDisabledProfileIsPlainChat(t *testing.T) {
	doc := json.RawMessage(`{
		"ownerId": "owner-1",
		"name": "dormant",
		"enabled": false,
		"executionMode": "sequential",
		"operations": []
	}`)
	r, _ := newTestResolver(t, &fakeProfiles{activeID: uuid.New(), active: true, doc: doc})

	rc, err := r.Resolve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rc.ProfileSnapshot != nil {
		t.Fatal("disabled profile must resolve to plain chat")
	}
}

func TestStripDebugKeys(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"drops debug keys", `{"debugTrace": true, "temperature": 0.7}`, `{"temperature":0.7}`},
		{"drops bare debug", `{"debug": {"level": 3}, "seed": 1}`, `{"seed":1}`},
		{"keeps non-prefix keys", `{"mydebug": 1, "seed": 2}`, `{"mydebug":1,"seed":2}`},
		{"non-object passes through", `[1, 2, 3]`, `[1, 2, 3]`},
		{"broken json passes through", `{nope`, `{nope`},
		{"empty passes through", ``, ``},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := stripDebugKeys(json.RawMessage(tc.in))
			if tc.want == "" || tc.want == tc.in {
				if string(got) != tc.in {
					t.Fatalf("got %q, want input unchanged", got)
				}
				return
			}
			// key order in the re-marshaled object is not fixed; compare as maps
			var gotObj, wantObj map[string]any
			if err := json.Unmarshal(got, &gotObj); err != nil {
				t.Fatalf("output is not valid json: %v", err)
			}
			if err := json.Unmarshal([]byte(tc.want), &wantObj); err != nil {
				t.Fatalf("bad expectation: %v", err)
			}
			if len(gotObj) != len(wantObj) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
			for k := range wantObj {
				if _, ok := gotObj[k]; !ok {
					t.Fatalf("missing key %q in %q", k, got)
				}
			}
		})
	}
}

func TestProfileIDNilSnapshot(t *testing.T) {
	if id := profileID(nil); id.String() != "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("nil snapshot should resolve to the nil uuid, got %s", id)
	}
}
