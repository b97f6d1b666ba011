package container

import (
	"fmt"

	"github.com/parleyhq/parley/cmd/chatd/gateway"
	"github.com/parleyhq/parley/cmd/chatd/llmop"
	"github.com/parleyhq/parley/cmd/chatd/orchestrator"
	"github.com/parleyhq/parley/cmd/chatd/resolver"
	"github.com/parleyhq/parley/cmd/chatd/runner"
	"github.com/parleyhq/parley/cmd/chatd/service"
	"github.com/parleyhq/parley/common/bootstrap"
	"github.com/parleyhq/parley/common/ratelimit"
	"github.com/parleyhq/parley/common/repository"
	"github.com/parleyhq/parley/common/template"
	"github.com/parleyhq/parley/common/validation"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	ProfileRepo    *repository.ProfileRepository
	GenerationRepo *repository.GenerationRepository
	ProviderRepo   *repository.ProviderRepository
	CredentialRepo *repository.CredentialRepository

	// Services
	Validator      *validation.Validator
	ProfileService *service.ProfileService
	Executor       *llmop.Executor
	Runner         *runner.Runner
	Resolver       *resolver.Resolver
	Aborts         *orchestrator.AbortRegistry
	Limiter        *ratelimit.RateLimiter
	Orchestrator   *orchestrator.Orchestrator
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Initialize repositories
	profileRepo := repository.NewProfileRepository(components.DB)
	generationRepo := repository.NewGenerationRepository(components.DB)
	providerRepo := repository.NewProviderRepository(components.DB)
	credentialRepo := repository.NewCredentialRepository(components.DB)

	// Initialize services (bottom-up: dependencies first)
	templates := template.NewEngine()
	validator, err := validation.NewValidator(templates)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	profileService := service.NewProfileService(profileRepo, validator, log)

	executor := llmop.NewExecutor(
		providerRepo,
		credentialRepo,
		templates,
		gateway.NewOpenAI,
		cfg.Generation.DefaultModel,
		log,
	)

	run := runner.NewRunner(
		executor,
		templates,
		components.Cache,
		cfg.Cache.DefaultTTL,
		cfg.Generation.StreamBufferSz,
		log,
	)

	res := resolver.NewResolver(
		profileRepo,
		providerRepo,
		generationRepo,
		validator,
		cfg.Generation.DefaultModel,
		cfg.Generation.HistoryLimit,
		log,
	)

	aborts := orchestrator.NewAbortRegistry(components.Redis, log)

	var limiter *ratelimit.RateLimiter
	if cfg.Limits.Enabled && components.Redis != nil {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	orch := orchestrator.NewOrchestrator(
		res,
		run,
		generationRepo,
		limiter,
		aborts,
		cfg.Generation.StreamBufferSz,
		log,
	)

	return &Container{
		Components:     components,
		ProfileRepo:    profileRepo,
		GenerationRepo: generationRepo,
		ProviderRepo:   providerRepo,
		CredentialRepo: credentialRepo,
		Validator:      validator,
		ProfileService: profileService,
		Executor:       executor,
		Runner:         run,
		Resolver:       res,
		Aborts:         aborts,
		Limiter:        limiter,
		Orchestrator:   orch,
	}, nil
}
