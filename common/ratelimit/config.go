package ratelimit

// TierConfig defines rate limits for each profile tier
type TierConfig struct {
	Tier          ProfileTier
	Limit         int64  // Generations allowed per window
	WindowSeconds int    // Time window in seconds
	Description   string // Human-readable description
}

// Default tier configurations
var DefaultTierConfigs = map[ProfileTier]TierConfig{
	TierSimple: {
		Tier:          TierSimple,
		Limit:         60,
		WindowSeconds: 60,
		Description:   "No extra llm operations - 60 generations/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "1-2 llm operations - 20 generations/minute",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "3+ llm operations - 5 generations/minute",
	},
}

// GetLimitForTier returns the rate limit for a given tier
func GetLimitForTier(tier ProfileTier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	// Fallback to most restrictive tier
	return DefaultTierConfigs[TierHeavy].Limit
}

// GetWindowForTier returns the time window for a given tier
func GetWindowForTier(tier ProfileTier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierHeavy].WindowSeconds
}
