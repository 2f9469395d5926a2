package proposals

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// RoundingPolicy selects the precision of displayed percentages.
type RoundingPolicy string

const (
	// RoundingInteger renders whole percentages.
	RoundingInteger RoundingPolicy = "integer"
	// RoundingOneDecimal renders percentages with one decimal place.
	RoundingOneDecimal RoundingPolicy = "one_decimal"
)

// ParseRoundingPolicy accepts "integer" or "one_decimal"; blank defaults to integer.
func ParseRoundingPolicy(rawInput string) (RoundingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(RoundingInteger):
		return RoundingInteger, nil
	case string(RoundingOneDecimal):
		return RoundingOneDecimal, nil
	default:
		return "", fmt.Errorf("proposals: unknown rounding policy %q", rawInput)
	}
}

func (r RoundingPolicy) unitsPerPercent() int64 {
	if r == RoundingOneDecimal {
		return 10
	}
	return 1
}

// RemainingTime renders the time left before deadline as "{d}d {h}h left", "{h}h left" or "Closed".
// "Closed" starts strictly after the deadline, so at exactly the deadline it reads "0h left"
// while StatusAt already reports closed and CanVote rejects with ErrExpired.
func RemainingTime(deadline, now time.Time) string {
	if now.After(deadline) {
		return "Closed"
	}
	remaining := deadline.Sub(now)
	days := int64(remaining / (24 * time.Hour))
	hours := int64(remaining/time.Hour) % 24
	if days > 0 {
		return fmt.Sprintf("%dd %dh left", days, hours)
	}
	return fmt.Sprintf("%dh left", hours)
}

// StatusAt is active strictly before the deadline and closed from the deadline on.
func StatusAt(deadline, now time.Time) ProposalStatus {
	if now.Before(deadline) {
		return StatusActive
	}
	return StatusClosed
}

// Percentages apportions 100% across every option with the largest-remainder method,
// so the values sum to exactly 100 whenever the total is positive. All values are 0 when the total is 0.
func Percentages(votes Tally, rounding RoundingPolicy) map[VoteOption]float64 {
	result := make(map[VoteOption]float64, voteOptionCount)
	for _, option := range AllVoteOptions() {
		result[option] = 0
	}
	total := votes.Total()
	if total <= 0 {
		return result
	}

	scale := rounding.unitsPerPercent()
	units := 100 * scale

	var allotted [voteOptionCount]int64
	var remainders [voteOptionCount]float64
	assigned := int64(0)
	for option, value := range votes {
		exact := float64(units) * value / total
		floor := math.Floor(exact)
		allotted[option] = int64(floor)
		remainders[option] = exact - floor
		assigned += allotted[option]
	}

	order := AllVoteOptions()
	sort.SliceStable(order, func(i, j int) bool {
		return remainders[order[i]] > remainders[order[j]]
	})
	for index := 0; assigned < units; index++ {
		allotted[order[index%len(order)]]++
		assigned++
	}

	for option, value := range allotted {
		result[VoteOption(option)] = float64(value) / float64(scale)
	}
	return result
}

// FormatPercent renders a percentage according to the rounding policy.
func FormatPercent(value float64, rounding RoundingPolicy) string {
	if rounding == RoundingOneDecimal {
		return fmt.Sprintf("%.1f%%", value)
	}
	return fmt.Sprintf("%.0f%%", value)
}

// FormatDeadline renders a deadline as YYYY/MM/DD HH:MM, or a placeholder when unset.
func FormatDeadline(deadline time.Time) string {
	if deadline.IsZero() {
		return "----/--/-- --:--"
	}
	return deadline.Format("2006/01/02 15:04")
}
