package gate

import (
	"fmt"
	"regexp"
	"time"
)

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// parseHHMM parses a wall-clock "HH:MM" into minutes since midnight.
func parseHHMM(v string) (int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return hh*60 + mm, nil
}

// inQuietHours reports whether now (converted to loc) falls inside the
// window, both endpoints inclusive. A start after the end wraps across
// midnight: 22:00-06:00 covers 22:00..23:59 and 00:00..06:00.
//
// An unparsable window disables the check, matching the "no quiet hours
// configured" default.
func inQuietHours(now time.Time, loc *time.Location, q QuietHours) bool {
	start, err := parseHHMM(q.Start)
	if err != nil {
		return false
	}
	end, err := parseHHMM(q.End)
	if err != nil {
		return false
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	if start <= end {
		return cur >= start && cur <= end
	}
	// Wraps midnight.
	return cur >= start || cur <= end
}
