package profile

import (
	"strings"

	"krw-grid-bot-go/internal/models"
)

const DefaultRiskMode = "stable"

// RiskLadder is ordered from least to most aggressive.
var RiskLadder = []string{"conservative", "stable", "aggressive", "ultra_aggressive"}

var coinProfiles = map[string]models.CoinProfile{
	"BTC": {
		Ticker:           "BTC",
		VolatilityWeight: 1.0,
		BaseVolatility:   0.008,
		MinAllocation:    0.2,
		MaxAllocation:    0.5,
		MinGridCount:     15,
		MaxGridCount:     40,
		StopLossPercent:  -8.0,
		TrailingPercent:  2.5,
	},
	"ETH": {
		Ticker:           "ETH",
		VolatilityWeight: 1.2,
		BaseVolatility:   0.011,
		MinAllocation:    0.15,
		MaxAllocation:    0.4,
		MinGridCount:     15,
		MaxGridCount:     45,
		StopLossPercent:  -10.0,
		TrailingPercent:  3.0,
	},
	"XRP": {
		Ticker:           "XRP",
		VolatilityWeight: 1.5,
		BaseVolatility:   0.015,
		MinAllocation:    0.1,
		MaxAllocation:    0.35,
		MinGridCount:     20,
		MaxGridCount:     50,
		StopLossPercent:  -12.0,
		TrailingPercent:  3.5,
	},
}

var riskProfiles = map[string]models.RiskProfile{
	"conservative": {
		Name:                   "conservative",
		MaxGridCount:           20,
		MaxInvestmentRatio:     0.5,
		PanicThreshold:         -3.0,
		StopLossThreshold:      -5.0,
		TrailingStopPercent:    2.0,
		GridConfirmationBuffer: 0.2,
		RebalanceThreshold:     0.05,
	},
	"stable": {
		Name:                   "stable",
		MaxGridCount:           30,
		MaxInvestmentRatio:     0.7,
		PanicThreshold:         -5.0,
		StopLossThreshold:      -8.0,
		TrailingStopPercent:    3.0,
		GridConfirmationBuffer: 0.1,
		RebalanceThreshold:     0.1,
	},
	"aggressive": {
		Name:                   "aggressive",
		MaxGridCount:           40,
		MaxInvestmentRatio:     0.85,
		PanicThreshold:         -7.0,
		StopLossThreshold:      -12.0,
		TrailingStopPercent:    4.0,
		GridConfirmationBuffer: 0.08,
		RebalanceThreshold:     0.15,
	},
	"ultra_aggressive": {
		Name:                   "ultra_aggressive",
		MaxGridCount:           50,
		MaxInvestmentRatio:     1.0,
		PanicThreshold:         -10.0,
		StopLossThreshold:      -15.0,
		TrailingStopPercent:    5.0,
		GridConfirmationBuffer: 0.05,
		RebalanceThreshold:     0.2,
	},
}

// BaseCurrency extracts the traded asset from a "KRW-BTC" style ticker.
func BaseCurrency(ticker string) string {
	if i := strings.LastIndex(ticker, "-"); i >= 0 {
		return strings.ToUpper(ticker[i+1:])
	}
	return strings.ToUpper(ticker)
}

// GetProfile returns the asset profile for ticker, falling back to BTC.
func GetProfile(ticker string) models.CoinProfile {
	if p, ok := coinProfiles[BaseCurrency(ticker)]; ok {
		return p
	}
	return coinProfiles["BTC"]
}

// MaxVolatilityWeight is the largest weight in the registry, used for normalization.
func MaxVolatilityWeight() float64 {
	max := 0.0
	for _, p := range coinProfiles {
		if p.VolatilityWeight > max {
			max = p.VolatilityWeight
		}
	}
	return max
}

// GetRiskSettings returns the risk profile for mode, falling back to stable.
func GetRiskSettings(mode string) models.RiskProfile {
	if p, ok := riskProfiles[mode]; ok {
		return p
	}
	return riskProfiles[DefaultRiskMode]
}

// RiskModeIndex returns the ladder position of mode; unknown modes map to stable.
func RiskModeIndex(mode string) int {
	for i, m := range RiskLadder {
		if m == mode {
			return i
		}
	}
	return 1
}

// StepRiskMode moves delta rungs along the ladder, clamped to its ends.
func StepRiskMode(mode string, delta int) string {
	i := RiskModeIndex(mode) + delta
	if i < 0 {
		i = 0
	}
	if i >= len(RiskLadder) {
		i = len(RiskLadder) - 1
	}
	return RiskLadder[i]
}

// IsRiskMode reports whether mode is one of the ladder's named modes.
func IsRiskMode(mode string) bool {
	_, ok := riskProfiles[mode]
	return ok
}
