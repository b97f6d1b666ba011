package ratelimit

import "github.com/parleyhq/parley/common/models"

// ProfileTier represents the rate limit tier based on profile complexity
type ProfileTier string

const (
	TierSimple   ProfileTier = "simple"   // No llm operations beyond the main call
	TierStandard ProfileTier = "standard" // 1-2 llm operations
	TierHeavy    ProfileTier = "heavy"    // 3+ llm operations
)

// ProfileShape contains analysis of a profile's complexity
type ProfileShape struct {
	Tier     ProfileTier
	LLMCount int
	TotalOps int
}

// InspectProfile analyzes a run's profile snapshot and determines its rate
// limit tier. Runs without an active profile are always TierSimple.
func InspectProfile(snapshot *models.ProfileSnapshot) ProfileShape {
	shape := ProfileShape{Tier: TierSimple}
	if snapshot == nil {
		return shape
	}

	shape.TotalOps = len(snapshot.Operations)
	for i := range snapshot.Operations {
		if snapshot.Operations[i].Kind == models.KindLLM && snapshot.Operations[i].Enabled {
			shape.LLMCount++
		}
	}

	shape.Tier = determineTier(shape.LLMCount)
	return shape
}

// determineTier returns the appropriate tier based on llm operation count
func determineTier(llmCount int) ProfileTier {
	switch {
	case llmCount == 0:
		return TierSimple
	case llmCount <= 2:
		return TierStandard
	default: // 3+
		return TierHeavy
	}
}
