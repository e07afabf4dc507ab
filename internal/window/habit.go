package window

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// habitTimeRe matches H[:MM][ ]?(am|pm|a.m.|p.m.)?. Token boundaries are
// checked by the caller.
var habitTimeRe = regexp.MustCompile(`(?i)(\d{1,2})(?::(\d{2}))?(?:\s?(a\.?m\.?|p\.?m\.?))?`)

// ParseHabitTime extracts the wall-clock time encoded in a habit title and
// returns it as HH:MM.
//
// Keyword overrides are matched first (case-insensitive substring, longest
// keyword first). Otherwise the first token shaped like "9pm", "9:30 am",
// "21:15" or "7 p.m." wins. A bare number without minutes or meridiem is not
// a time, so "Drink 2 liters" has none.
func ParseHabitTime(title string, overrides map[string]string) (string, bool) {
	lower := strings.ToLower(title)
	if len(overrides) > 0 {
		keys := make([]string, 0, len(overrides))
		for k := range overrides {
			if strings.TrimSpace(k) != "" {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) > len(keys[j])
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			if strings.Contains(lower, strings.ToLower(strings.TrimSpace(k))) {
				return overrides[k], true
			}
		}
	}

	for _, idx := range habitTimeRe.FindAllStringSubmatchIndex(title, -1) {
		if !boundary(title, idx[0]-1) || !boundary(title, idx[1]) {
			continue
		}
		if hhmm, ok := habitToken(group(title, idx, 1), group(title, idx, 2), group(title, idx, 3)); ok {
			return hhmm, true
		}
	}
	return "", false
}

func group(s string, idx []int, n int) string {
	if idx[2*n] < 0 {
		return ""
	}
	return s[idx[2*n]:idx[2*n+1]]
}

// boundary reports whether s[i] is outside s or not alphanumeric.
func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z')
}

func habitToken(hs, ms, meridiem string) (string, bool) {
	if ms == "" && meridiem == "" {
		return "", false
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return "", false
	}
	min := 0
	if ms != "" {
		min, err = strconv.Atoi(ms)
		if err != nil || min > 59 {
			return "", false
		}
	}
	mer := strings.ToLower(strings.ReplaceAll(meridiem, ".", ""))
	switch mer {
	case "am", "pm":
		if h < 1 || h > 12 {
			return "", false
		}
		if mer == "pm" && h < 12 {
			h += 12
		}
		if mer == "am" && h == 12 {
			h = 0
		}
	default:
		if h > 23 {
			return "", false
		}
	}
	return fmt.Sprintf("%02d:%02d", h, min), true
}
