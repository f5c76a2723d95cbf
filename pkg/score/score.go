// Package score holds the pure scoring math for squad health and
// engagement. Everything here is deterministic over its inputs so the
// analytics layer can be tested without a database.
package score

import "math"

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Frequency normalizes activities-per-day against a 2/day target.
func Frequency(total, days int) float64 {
	if days <= 0 {
		return 0
	}
	perDay := float64(total) / float64(days)
	return clamp01(perDay / 2)
}

// Diversity normalizes unique participants against a 5-user target.
func Diversity(unique int) float64 {
	return clamp01(float64(unique) / 5)
}

// Quality is the positive share of classified activity. Neutral 0.5
// when nothing is classified either way.
func Quality(positive, negative int) float64 {
	if positive+negative == 0 {
		return 0.5
	}
	return float64(positive) / float64(positive+negative)
}

// Consistency is 1 minus the coefficient of variation of the daily
// counts, clamped. Fewer than two active days scores 0.
func Consistency(daily []int) float64 {
	active := 0
	sum := 0.0
	for _, n := range daily {
		if n > 0 {
			active++
		}
		sum += float64(n)
	}
	if active < 2 {
		return 0
	}
	mean := sum / float64(len(daily))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, n := range daily {
		d := float64(n) - mean
		variance += d * d
	}
	variance /= float64(len(daily))
	cv := math.Sqrt(variance) / mean
	return 1 - clamp01(cv)
}

// Recency maps the average activity age against the window: all-fresh
// scores 1, all at the window edge scores 0.
func Recency(avgAgeSeconds, windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	return 1 - clamp01(avgAgeSeconds/windowSeconds)
}

type HealthComponents struct {
	Frequency   float64 `json:"activity_frequency"`
	Diversity   float64 `json:"member_diversity"`
	Quality     float64 `json:"activity_quality"`
	Consistency float64 `json:"consistency"`
	Score       float64 `json:"score"`
}

// Health combines the four components with fixed weights
// (0.30, 0.25, 0.25, 0.20). The result is always in [0,1]; a window
// with no activity at all scores a flat zero.
func Health(total, unique, positive, negative int, daily []int, days int) HealthComponents {
	if total == 0 {
		return HealthComponents{}
	}
	c := HealthComponents{
		Frequency:   Frequency(total, days),
		Diversity:   Diversity(unique),
		Quality:     Quality(positive, negative),
		Consistency: Consistency(daily),
	}
	c.Score = clamp01(0.30*c.Frequency + 0.25*c.Diversity + 0.25*c.Quality + 0.20*c.Consistency)
	return c
}

type EngagementComponents struct {
	Volume    float64 `json:"activity_volume"`
	Diversity float64 `json:"user_diversity"`
	Recency   float64 `json:"recency"`
	Quality   float64 `json:"quality"`
	Score     float64 `json:"score"`
}

// Engagement weighs volume and diversity at 0.30 each, recency and
// quality at 0.20 each. No activity scores a flat zero.
func Engagement(total, unique, positive, negative int, days int, avgAgeSeconds float64) EngagementComponents {
	if total == 0 {
		return EngagementComponents{}
	}
	c := EngagementComponents{
		Volume:    Frequency(total, days),
		Diversity: Diversity(unique),
		Recency:   Recency(avgAgeSeconds, float64(days)*86400),
		Quality:   Quality(positive, negative),
	}
	c.Score = clamp01(0.30*c.Volume + 0.30*c.Diversity + 0.20*c.Recency + 0.20*c.Quality)
	return c
}

// Growth splits the daily series in half and compares the averages.
// Direction buckets at +-0.1.
func Growth(daily []int) (rate float64, direction string) {
	if len(daily) < 2 {
		return 0, "stable"
	}
	mid := len(daily) / 2
	avg1 := mean(daily[:mid])
	avg2 := mean(daily[mid:])
	rate = (avg2 - avg1) / math.Max(avg1, 1)
	switch {
	case rate > 0.1:
		direction = "growing"
	case rate < -0.1:
		direction = "declining"
	default:
		direction = "stable"
	}
	return rate, direction
}

func mean(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += float64(x)
	}
	return sum / float64(len(xs))
}

// Peaks returns the bucket indexes holding the histogram maximum, or
// nothing when the histogram is empty.
func Peaks(hist []int) []int {
	max := 0
	for _, n := range hist {
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return []int{}
	}
	peaks := []int{}
	for i, n := range hist {
		if n == max {
			peaks = append(peaks, i)
		}
	}
	return peaks
}
