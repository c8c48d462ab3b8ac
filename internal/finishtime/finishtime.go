// Package finishtime turns free-form finish-time labels such as "3時間45分10秒"
// into comparable second counts.
package finishtime

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Seconds is a parsed finish time.
type Seconds int64

// Infinite is returned for labels that carry no recognizable unit. It compares
// greater than every real finish time so unparsed entries never win a best-time
// comparison.
const Infinite Seconds = math.MaxInt64

// ZeroLabel is the display value used when a record has no finish time at all.
const ZeroLabel = "00:00:00"

var (
	hoursRe   = regexp.MustCompile(`([0-9０-９]+)[\s\x{3000}]*時間`)
	minutesRe = regexp.MustCompile(`([0-9０-９]+)[\s\x{3000}]*分`)
	secondsRe = regexp.MustCompile(`([0-9０-９]+)[\s\x{3000}]*秒`)
)

// Parse returns the number of seconds described by label. Hours, minutes and
// seconds markers are matched independently and missing ones count as zero.
// Parse never fails: empty input or input without any marker yields Infinite.
// A label with a marker always yields a finite count, capped at Infinite-1.
func Parse(label string) Seconds {
	if strings.TrimSpace(label) == "" {
		return Infinite
	}

	h, okH := quantity(hoursRe, label)
	m, okM := quantity(minutesRe, label)
	s, okS := quantity(secondsRe, label)
	if !okH && !okM && !okS {
		return Infinite
	}
	return Seconds(addCapped(addCapped(mulCapped(h, 3600), mulCapped(m, 60)), s))
}

const maxFinite = int64(Infinite) - 1

// quantity finds the first integer preceding the marker matched by re.
// Digit runs too long for int64 saturate at maxFinite.
func quantity(re *regexp.Regexp, label string) (int64, bool) {
	match := re.FindStringSubmatch(label)
	if match == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(asciiDigits(match[1]), 10, 64)
	if err != nil || n > maxFinite {
		return maxFinite, true
	}
	return n, true
}

func mulCapped(n, factor int64) int64 {
	if n > maxFinite/factor {
		return maxFinite
	}
	return n * factor
}

func addCapped(a, b int64) int64 {
	if a > maxFinite-b {
		return maxFinite
	}
	return a + b
}

func asciiDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '０' && r <= '９' {
			return '0' + (r - '０')
		}
		return r
	}, s)
}

// IsInfinite reports whether s is the Infinite sentinel.
func (s Seconds) IsInfinite() bool {
	return s == Infinite
}

// String formats s like a time.Duration ("3h45m10s"), or "∞" for Infinite.
func (s Seconds) String() string {
	if s.IsInfinite() {
		return "∞"
	}
	return (time.Duration(s) * time.Second).String()
}
