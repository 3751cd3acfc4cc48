package here

import (
	"math"
	"strings"
)

// WeatherSeverityScore scores one forecast slot. Precipitation dominates,
// probability and strong wind add smaller contributions, and the condition
// phrase contributes a fixed bonus by hazard class.
func WeatherSeverityScore(condition *string, precipitationMm, windKph, precipitationProbability *float64) float64 {
	score := 0.0
	if precipitationMm != nil {
		score += math.Max(0, *precipitationMm) * 1.8
	}
	if precipitationProbability != nil {
		p := *precipitationProbability
		if p > 1.0 {
			p /= 100.0
		}
		score += clamp01(p) * 2.5
	}
	if windKph != nil {
		score += math.Max(0, *windKph-25.0) / 8.0
	}

	normalized := ""
	if condition != nil {
		normalized = strings.ToLower(*condition)
	}
	switch {
	case containsAny(normalized, "thunder", "hail", "tornado", "storm"):
		score += 8.0
	case containsAny(normalized, "freezing", "blizzard", "sleet", "snow"):
		score += 5.0
	case strings.Contains(normalized, "heavy rain"):
		score += 5.0
	case strings.Contains(normalized, "rain"):
		score += 3.0
	case strings.Contains(normalized, "fog"):
		score += 2.0
	}
	return round3(score)
}

// CongestionLevel classifies a jam factor: <4 low, <7 medium, else high.
func CongestionLevel(jamFactor *float64) *string {
	if jamFactor == nil {
		return nil
	}
	level := "high"
	if *jamFactor < 4.0 {
		level = "low"
	} else if *jamFactor < 7.0 {
		level = "medium"
	}
	return &level
}

// DeriveJamFactor estimates a jam factor from realized vs free-flow speed.
func DeriveJamFactor(speedKmh, freeFlowSpeedKmh *float64) *float64 {
	if speedKmh == nil || freeFlowSpeedKmh == nil || *freeFlowSpeedKmh <= 0 {
		return nil
	}
	jam := (1.0 - (*speedKmh / *freeFlowSpeedKmh)) * 10.0
	jam = math.Max(0, math.Min(10, jam))
	return &jam
}

func containsAny(s string, tokens ...string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
