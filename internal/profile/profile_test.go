package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetProfileFallsBackToBTC(t *testing.T) {
	assert.Equal(t, "ETH", GetProfile("KRW-ETH").Ticker)
	assert.Equal(t, "XRP", GetProfile("USDT-xrp").Ticker)
	assert.Equal(t, "BTC", GetProfile("KRW-DOGE").Ticker)
}

func TestGetRiskSettingsFallsBackToStable(t *testing.T) {
	assert.Equal(t, "aggressive", GetRiskSettings("aggressive").Name)
	assert.Equal(t, "stable", GetRiskSettings("yolo").Name)
}

func TestLadderIsOrderedByAggression(t *testing.T) {
	for i := 1; i < len(RiskLadder); i++ {
		prev := GetRiskSettings(RiskLadder[i-1])
		cur := GetRiskSettings(RiskLadder[i])
		assert.Greater(t, cur.MaxGridCount, prev.MaxGridCount)
		assert.Less(t, cur.StopLossThreshold, prev.StopLossThreshold)
	}
}

func TestStepRiskModeClamps(t *testing.T) {
	assert.Equal(t, "aggressive", StepRiskMode("stable", 1))
	assert.Equal(t, "ultra_aggressive", StepRiskMode("stable", 5))
	assert.Equal(t, "conservative", StepRiskMode("stable", -2))
	assert.Equal(t, "stable", StepRiskMode("unknown", 0))
}

func TestAllocationBoundsAreFeasibleForAllAssets(t *testing.T) {
	minSum, maxSum := 0.0, 0.0
	for _, p := range coinProfiles {
		minSum += p.MinAllocation
		maxSum += p.MaxAllocation
		assert.Less(t, p.MinGridCount, p.MaxGridCount)
	}
	assert.LessOrEqual(t, minSum, 1.0)
	assert.GreaterOrEqual(t, maxSum, 1.0)
	assert.Equal(t, 1.5, MaxVolatilityWeight())
}
