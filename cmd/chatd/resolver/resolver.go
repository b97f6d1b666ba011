package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/validation"
)

// ProfileStore is the profile lookup surface the resolver needs.
type ProfileStore interface {
	GetActiveProfileID(ctx context.Context) (uuid.UUID, bool, error)
	GetDocument(ctx context.Context, profileID uuid.UUID) (json.RawMessage, int, error)
}

// ProviderStore resolves runtime provider selection.
type ProviderStore interface {
	GetRuntime(ctx context.Context, ownerID string) (*models.RuntimeInfo, error)
	GetConfig(ctx context.Context, providerID string) (*models.ProviderConfig, error)
}

// GenerationStore persists generation records.
type GenerationStore interface {
	Create(ctx context.Context, gen *models.Generation) error
}

// Request is one generation request before resolution.
type Request struct {
	OwnerID   string
	ChatID    uuid.UUID
	BranchID  uuid.UUID
	MessageID uuid.UUID
	VariantID uuid.UUID
	Trigger   models.Trigger

	// Params is the client-supplied generation parameter blob, persisted on
	// the generation record for replay. Debug keys are stripped first.
	Params json.RawMessage
}

// Resolver builds the immutable RunContext for a generation: active
// provider and model, the validated profile snapshot, the session key, and
// the persisted generation record.
type Resolver struct {
	profiles     ProfileStore
	providers    ProviderStore
	generations  GenerationStore
	validator    *validation.Validator
	defaultModel string
	historyLimit int
	log          *logger.Logger
}

// NewResolver creates a resolver
func NewResolver(profiles ProfileStore, providers ProviderStore, generations GenerationStore, validator *validation.Validator, defaultModel string, historyLimit int, log *logger.Logger) *Resolver {
	return &Resolver{
		profiles:     profiles,
		providers:    providers,
		generations:  generations,
		validator:    validator,
		defaultModel: defaultModel,
		historyLimit: historyLimit,
		log:          log,
	}
}

// Resolve snapshots everything a run needs and creates the generation
// record. The returned context is immutable: profile edits after this point
// only affect later runs.
func (r *Resolver) Resolve(ctx context.Context, req *Request) (*models.RunContext, error) {
	runtime, err := r.providers.GetRuntime(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("resolve runtime: %w", err)
	}
	runtime.Model = r.effectiveModel(ctx, runtime)

	snapshot, err := r.loadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}

	sessionKey := ""
	if snapshot != nil {
		sessionKey = models.SessionKey(req.OwnerID, req.ChatID, req.BranchID, snapshot.ProfileID, snapshot.Version, snapshot.SessionID)
	}

	gen := &models.Generation{
		OwnerID:    req.OwnerID,
		ChatID:     req.ChatID,
		MessageID:  req.MessageID,
		VariantID:  req.VariantID,
		ProviderID: runtime.ProviderID,
		Model:      runtime.Model,
		ParamsJSON: stripDebugKeys(req.Params),
	}
	if err := r.generations.Create(ctx, gen); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}

	return &models.RunContext{
		OwnerID:         req.OwnerID,
		RunID:           uuid.New(),
		GenerationID:    gen.ID,
		Trigger:         req.Trigger,
		ChatID:          req.ChatID,
		BranchID:        req.BranchID,
		EntityProfileID: profileID(snapshot),
		ProfileSnapshot: snapshot,
		RuntimeInfo:     *runtime,
		SessionKey:      sessionKey,
		HistoryLimit:    r.historyLimit,
		StartedAt:       time.Now().UTC(),
	}, nil
}

// loadSnapshot resolves the active profile into an executable snapshot.
// No active profile, a disabled profile, and a stored document that no
// longer validates all resolve to nil: the run proceeds as plain chat.
// Repository failures propagate; the resolver does not mask an outage as
// "no profile".
func (r *Resolver) loadSnapshot(ctx context.Context) (*models.ProfileSnapshot, error) {
	activeID, ok, err := r.profiles.GetActiveProfileID(ctx)
	if err != nil {
		return nil, fmt.Errorf("active profile lookup: %w", err)
	}
	if !ok {
		return nil, nil
	}

	doc, version, err := r.profiles.GetDocument(ctx, activeID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", activeID, err)
	}

	validated, err := r.validator.Validate(doc)
	if err != nil {
		r.log.Error("stored profile no longer validates", "profile_id", activeID, "error", err)
		return nil, nil
	}
	if !validated.Enabled {
		return nil, nil
	}

	return &models.ProfileSnapshot{
		ProfileID:     activeID,
		Version:       version,
		ExecutionMode: validated.ExecutionMode,
		SessionID:     validated.SessionID,
		Operations:    validated.Operations,
	}, nil
}

// effectiveModel picks the run's model: runtime setting, then the
// provider's default, then the service-wide default.
func (r *Resolver) effectiveModel(ctx context.Context, runtime *models.RuntimeInfo) string {
	if runtime.Model != "" {
		return runtime.Model
	}
	if cfg, err := r.providers.GetConfig(ctx, runtime.ProviderID); err == nil && cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return r.defaultModel
}

func profileID(snapshot *models.ProfileSnapshot) uuid.UUID {
	if snapshot == nil {
		return uuid.Nil
	}
	return snapshot.ProfileID
}

// stripDebugKeys drops top-level keys prefixed "debug" from a JSON object
// before it is persisted. Non-object blobs pass through unchanged.
func stripDebugKeys(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	changed := false
	for key := range obj {
		if strings.HasPrefix(key, "debug") {
			delete(obj, key)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
