package artifact

import (
	"regexp"
	"time"
)

var (
	// 2024-01-02_03-04-05 (either _ or - between date and time)
	dashedStamp = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})[_-](\d{2}-\d{2}-\d{2})`)
	// 20240102 or 20240102-0304, not part of a longer digit run
	compactStamp = regexp.MustCompile(`(?:^|\D)(\d{8})(?:-(\d{4}))?(?:\D|$)`)
)

// ParseNameDate extracts the timestamp embedded in a backup name, interpreted
// in loc. It reports false when the name carries no valid timestamp.
func ParseNameDate(name string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	if m := dashedStamp.FindStringSubmatch(name); m != nil {
		if t, err := time.ParseInLocation("2006-01-02 15-04-05", m[1]+" "+m[2], loc); err == nil {
			return t, true
		}
	}
	for _, m := range compactStamp.FindAllStringSubmatch(name, -1) {
		layout, value := "20060102", m[1]
		if m[2] != "" {
			layout, value = "200601021504", m[1]+m[2]
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
