package store

import (
	"fmt"
	"strconv"
	"strings"
)

// ItemTiming is the derived schedule for one row. Computed at read time from
// the show start time and item durations; never persisted.
type ItemTiming struct {
	ItemID  string `json:"item_id"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Elapsed string `json:"elapsed"`
}

// ComputeTiming walks the ordered item list and assigns start/end/elapsed
// times. Header rows and floated rows contribute no time and get no schedule.
func ComputeTiming(startTime string, items []Item) []ItemTiming {
	clock := parseClock(startTime)
	elapsed := 0

	timings := make([]ItemTiming, 0, len(items))
	for _, it := range items {
		if it.Type == ItemTypeHeader || it.Floated {
			timings = append(timings, ItemTiming{ItemID: it.ID})
			continue
		}
		duration := ParseDuration(it.Duration)
		timings = append(timings, ItemTiming{
			ItemID:  it.ID,
			Start:   formatClock(clock),
			End:     formatClock(clock + duration),
			Elapsed: formatDuration(elapsed),
		})
		clock += duration
		elapsed += duration
	}
	return timings
}

// ParseDuration converts "SS", "MM:SS" or "HH:MM:SS" to seconds. Malformed
// input counts as zero so one bad cell never breaks the whole schedule.
func ParseDuration(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func parseClock(s string) int {
	return ParseDuration(s)
}

func formatClock(seconds int) string {
	seconds %= 24 * 3600
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60)
}

func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60)
}
