package history

import (
	"fmt"
	"math"
)

// FormatDuration renders minutes as "N min" below an hour and "X.Y hr"
// from an hour up.
func FormatDuration(minutes float64) string {
	if minutes >= 60 {
		return fmt.Sprintf("%.1f hr", minutes/60)
	}
	return fmt.Sprintf("%d min", int(math.Round(minutes)))
}

// FormatTotal is FormatDuration with a plural unit from two hours up.
func FormatTotal(minutes float64) string {
	if minutes >= 60 {
		hours := math.Round(minutes/6) / 10
		if hours >= 2 {
			return fmt.Sprintf("%.1f hrs", hours)
		}
		return fmt.Sprintf("%.1f hr", hours)
	}
	return FormatDuration(minutes)
}
