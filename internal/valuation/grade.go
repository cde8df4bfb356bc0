package valuation

import (
	"strconv"
	"strings"
)

// Sheldon anchor numbers for the standard grade bands, worst to best.
// A bare band code ("VF") resolves to its anchor; an explicit numeric
// grade ("VF30") uses the number directly.
var gradeAnchors = map[string]int{
	"P":  1,
	"FR": 2,
	"AG": 3,
	"G":  4,
	"VG": 8,
	"F":  12,
	"VF": 20,
	"EF": 40,
	"XF": 40,
	"AU": 50,
	"MS": 60,
	"PR": 60,
}

// ParseGrade resolves a grade string to its position on the Sheldon 1-70
// scale. Accepts band codes with or without a numeric grade ("F", "VF20",
// "ms65"). Returns false for anything it cannot place.
func ParseGrade(grade string) (int, bool) {
	g := strings.ToUpper(strings.TrimSpace(grade))
	if g == "" {
		return 0, false
	}

	letters := g
	digits := ""
	for i, r := range g {
		if r >= '0' && r <= '9' {
			letters, digits = g[:i], g[i:]
			break
		}
	}
	letters = strings.TrimSuffix(strings.TrimSpace(letters), "-")

	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n < 1 || n > 70 {
			return 0, false
		}
		if letters != "" {
			if _, ok := gradeAnchors[letters]; !ok {
				return 0, false
			}
		}
		return n, true
	}

	anchor, ok := gradeAnchors[letters]
	return anchor, ok
}
