package gate

// QuietHours is a recipient-local window during which notifications are
// suppressed regardless of quota. Both endpoints are inclusive; a window
// crossing midnight (e.g. 22:00-06:00) is valid.
type QuietHours struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
}

// Preferences is the per-recipient configuration the gate consumes.
// It is read-only, already-parsed data; the gate never mutates it.
type Preferences struct {
	HourlyQuota int
	DailyQuota  int
	// Timezone is an IANA identifier ("Europe/Berlin"). Empty or
	// unloadable disables the quiet-hours check.
	Timezone string
	Quiet    *QuietHours
}

// PreferenceSource supplies preferences per recipient. A recipient without
// preferences gets the zero value: zero quotas (deny everything) and no
// quiet hours. Unconfigured recipients must not be spammable.
type PreferenceSource interface {
	Preferences(recipientID string) (Preferences, bool)
}

// StaticPreferences is a PreferenceSource backed by a fixed map (config
// file, tests).
type StaticPreferences map[string]Preferences

func (s StaticPreferences) Preferences(recipientID string) (Preferences, bool) {
	p, ok := s[recipientID]
	return p, ok
}
